// Package bpe implements the byte-level BPE tokenizer used by the GPT-Neo
// family of models.
//
// GPT-Neo checkpoints ship the GPT-2 vocabulary as a pair of files:
// "vocab.json" (token string to id) and "merges.txt" (ranked merge rules).
// Text is first mapped byte-by-byte into a printable unicode alphabet, then
// split into words, and each word is merged bottom-up following the ranks.
// The mapping is lossless, so Decode(Encode(text)) == text for any input.
package bpe

import (
	"bufio"
	"encoding/json"
	"os"
	"path"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

const (
	// EndOfTextToken is the only special token in the GPT-Neo vocabulary.
	// It doubles as beginning-of-sentence and padding token.
	EndOfTextToken = "<|endoftext|>"

	VocabFileName  = "vocab.json"
	MergesFileName = "merges.txt"
)

type symbolPair struct {
	first, second string
}

// Tokenizer encodes text to token ids and back.
//
// It is not safe for concurrent use: Encode memoizes per-word merges in an
// internal cache.
type Tokenizer struct {
	encoder map[string]int
	decoder map[int]string
	ranks   map[symbolPair]int

	byteToRune [256]rune
	runeToByte map[rune]byte

	cache map[string][]string

	endOfTextId int
}

// NewFromDir creates a Tokenizer from the vocab.json and merges.txt files found
// in the given directory -- usually the directory of a downloaded checkpoint.
func NewFromDir(dir string) (*Tokenizer, error) {
	return New(path.Join(dir, VocabFileName), path.Join(dir, MergesFileName))
}

// New creates a Tokenizer from the given vocabulary and merges files.
func New(vocabPath, mergesPath string) (*Tokenizer, error) {
	t := &Tokenizer{
		runeToByte: make(map[rune]byte, 256),
		cache:      make(map[string][]string),
	}
	t.initByteMapping()

	vocabBytes, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't read vocabulary from %q", vocabPath)
	}
	if err = json.Unmarshal(vocabBytes, &t.encoder); err != nil {
		return nil, errors.Wrapf(err, "can't parse vocabulary in %q", vocabPath)
	}
	t.decoder = make(map[int]string, len(t.encoder))
	for token, id := range t.encoder {
		t.decoder[id] = token
	}

	var found bool
	t.endOfTextId, found = t.encoder[EndOfTextToken]
	if !found {
		return nil, errors.Errorf("vocabulary in %q has no %q token -- not a GPT-Neo (GPT-2 style) vocabulary", vocabPath, EndOfTextToken)
	}

	if err = t.readMerges(mergesPath); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tokenizer) readMerges(mergesPath string) error {
	f, err := os.Open(mergesPath)
	if err != nil {
		return errors.Wrapf(err, "can't read merge rules from %q", mergesPath)
	}
	defer func() { _ = f.Close() }()

	t.ranks = make(map[symbolPair]int)
	scanner := bufio.NewScanner(f)
	rank := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		first, second, valid := strings.Cut(line, " ")
		if !valid {
			return errors.Errorf("invalid merge rule %q in %q", line, mergesPath)
		}
		t.ranks[symbolPair{first, second}] = rank
		rank++
	}
	if err = scanner.Err(); err != nil {
		return errors.Wrapf(err, "while reading merge rules from %q", mergesPath)
	}
	return nil
}

// initByteMapping builds the reversible byte<->rune alphabet: printable bytes
// map to themselves, the remaining ones are shifted to code points >= 256.
func (t *Tokenizer) initByteMapping() {
	isPrintable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	shifted := 0
	for b := 0; b < 256; b++ {
		var r rune
		if isPrintable(b) {
			r = rune(b)
		} else {
			r = rune(256 + shifted)
			shifted++
		}
		t.byteToRune[b] = r
		t.runeToByte[r] = byte(b)
	}
}

// Encode returns the text encoded into a sequence of ids.
// It implements samplers.Vocabulary.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, word := range pretokenize(text) {
		mapped := t.mapToAlphabet(word)
		for _, symbol := range t.merge(mapped) {
			if id, found := t.encoder[symbol]; found {
				ids = append(ids, id)
			}
			// Unknown symbols can't happen with a complete byte-level
			// vocabulary; silently dropped otherwise, as the reference
			// tokenizer does.
		}
	}
	return ids
}

// Decode returns the text from a sequence of ids.
// It implements samplers.Vocabulary.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		token, found := t.decoder[id]
		if !found {
			continue
		}
		if token == EndOfTextToken {
			continue
		}
		for _, r := range token {
			if b, ok := t.runeToByte[r]; ok {
				sb.WriteByte(b)
			}
		}
	}
	return sb.String()
}

// VocabularySize returns the number of entries in the vocabulary.
func (t *Tokenizer) VocabularySize() int { return len(t.encoder) }

// EndOfSentenceId returns the id of the end-of-text token.
func (t *Tokenizer) EndOfSentenceId() int { return t.endOfTextId }

// BeginningOfSentenceId returns the id used to start a sequence.
// GPT-Neo reuses the end-of-text token for it.
func (t *Tokenizer) BeginningOfSentenceId() int { return t.endOfTextId }

// PadId returns the id used for padding. The GPT-Neo vocabulary defines no
// padding token, so the end-of-text id is used, following the reference
// implementation's convention.
func (t *Tokenizer) PadId() int { return t.endOfTextId }

// mapToAlphabet converts the raw bytes of word to the tokenizer's printable
// alphabet, one rune per byte.
func (t *Tokenizer) mapToAlphabet(word string) string {
	var sb strings.Builder
	sb.Grow(2 * len(word))
	for _, b := range []byte(word) {
		sb.WriteRune(t.byteToRune[b])
	}
	return sb.String()
}

// merge applies the BPE merge rules to one pre-tokenized word (already mapped
// to the printable alphabet), returning the resulting symbols.
func (t *Tokenizer) merge(word string) []string {
	if cached, found := t.cache[word]; found {
		return cached
	}
	symbols := make([]string, 0, len(word))
	for _, r := range word {
		symbols = append(symbols, string(r))
	}
	for len(symbols) > 1 {
		// Find the lowest-ranked adjacent pair.
		bestRank := -1
		bestIdx := -1
		for ii := 0; ii < len(symbols)-1; ii++ {
			rank, found := t.ranks[symbolPair{symbols[ii], symbols[ii+1]}]
			if !found {
				continue
			}
			if bestRank < 0 || rank < bestRank {
				bestRank = rank
				bestIdx = ii
			}
		}
		if bestIdx < 0 {
			break
		}

		// Merge every occurrence of that pair.
		first, second := symbols[bestIdx], symbols[bestIdx+1]
		merged := make([]string, 0, len(symbols))
		for ii := 0; ii < len(symbols); {
			if ii < len(symbols)-1 && symbols[ii] == first && symbols[ii+1] == second {
				merged = append(merged, first+second)
				ii += 2
			} else {
				merged = append(merged, symbols[ii])
				ii++
			}
		}
		symbols = merged
	}
	t.cache[word] = symbols
	return symbols
}

var contractions = []string{"'s", "'t", "'re", "'ve", "'m", "'ll", "'d"}

// pretokenize splits text into the word pieces the merge rules operate on,
// reproducing the reference GPT-2 pattern:
//
//	's|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+
//
// It is hand-scanned because the (?!\S) lookahead -- "a whitespace run donates
// its last space to the following word" -- is not expressible in RE2.
func pretokenize(text string) []string {
	runes := []rune(text)
	var words []string
	pos := 0
	for pos < len(runes) {
		// Contractions.
		if runes[pos] == '\'' {
			if c := matchContraction(runes[pos:]); c != "" {
				words = append(words, c)
				pos += len([]rune(c))
				continue
			}
		}

		// A single leading space can attach to the following word.
		start := pos
		cur := pos
		if runes[cur] == ' ' && cur+1 < len(runes) && !unicode.IsSpace(runes[cur+1]) {
			cur++
		}

		switch {
		case cur < len(runes) && unicode.IsLetter(runes[cur]):
			for cur < len(runes) && unicode.IsLetter(runes[cur]) {
				cur++
			}
			words = append(words, string(runes[start:cur]))
		case cur < len(runes) && unicode.IsNumber(runes[cur]):
			for cur < len(runes) && unicode.IsNumber(runes[cur]) {
				cur++
			}
			words = append(words, string(runes[start:cur]))
		case cur < len(runes) && !unicode.IsSpace(runes[cur]):
			for cur < len(runes) && !unicode.IsSpace(runes[cur]) &&
				!unicode.IsLetter(runes[cur]) && !unicode.IsNumber(runes[cur]) {
				cur++
			}
			words = append(words, string(runes[start:cur]))
		default:
			// Whitespace run. If followed by a non-space, its last character
			// is left for the next word.
			cur = start
			for cur < len(runes) && unicode.IsSpace(runes[cur]) {
				cur++
			}
			end := cur
			if cur < len(runes) && end-start > 1 {
				end--
			}
			words = append(words, string(runes[start:end]))
			cur = end
		}
		pos = cur
	}
	return words
}

func matchContraction(runes []rune) string {
	for _, c := range contractions {
		cr := []rune(c)
		if len(runes) < len(cr) {
			continue
		}
		matches := true
		for ii := range cr {
			if runes[ii] != cr[ii] {
				matches = false
				break
			}
		}
		if matches {
			return c
		}
	}
	return ""
}
