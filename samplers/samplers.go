// Package samplers uses a transformer model to generate sentences based on prompts.
package samplers

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gptneo/transformers"
	"github.com/gomlx/gptneo/trees"
	"github.com/pkg/errors"
)

// Vocabulary maps between text and the token ids the model consumes.
type Vocabulary interface {
	Encode(text string) []int
	Decode([]int) string

	// The methods below define the special ids for the model.

	EndOfSentenceId() int
	PadId() int
}

// Options configure one SampleWithOptions call.
type Options struct {
	// MaxLength bounds the total sequence length, prompt included.
	// 0 means the prompt length plus the sampler's MaxGeneratedTokens.
	MaxLength int

	// MinLength is the minimum total sequence length, prompt included: the
	// end-of-sentence token is suppressed while a sequence is below it.
	MinLength int

	// Sample switches from greedy decoding (false) to random sampling (true).
	Sample bool

	// Temperature divides the logits before sampling; lower values bias
	// towards the most likely continuations. Only used when Sample is set.
	Temperature float64

	// TopK restricts sampling to the k highest logits. 0 disables it.
	TopK int

	// Seed of the sampling random number generator, -1 draws a fresh one.
	// Repeated calls with the same non-negative seed and inputs generate the
	// same text.
	Seed int64

	// PadTokenId is fed to finished sequences of a batch; -1 uses the
	// vocabulary's pad id.
	PadTokenId int
}

// DefaultOptions returns the generation defaults: greedy decoding up to the
// sampler's MaxGeneratedTokens.
func DefaultOptions() Options {
	return Options{
		Temperature: 1.0,
		Seed:        -1,
		PadTokenId:  -1,
	}
}

// Sampler has a GPT-Neo transformer model and a vocabulary configured and
// generates continuations for prompts.
//
// Not safe for concurrent Sample calls.
type Sampler struct {
	Vocab  Vocabulary
	Config *transformers.Config

	// MaxGeneratedTokens used by calls that don't set Options.MaxLength.
	MaxGeneratedTokens int

	backend backends.Backend
	ctx     *context.Context
}

// New creates a sampler for the model defined by the checkpoint weights, with
// the given vocabulary, running on the given backend.
func New(backend backends.Backend, vocab Vocabulary, weights *trees.Tree[*tensors.Tensor], maxGeneratedTokens int) (*Sampler, error) {
	config, err := transformers.NewConfigFromWeights(weights)
	if err != nil {
		return nil, err
	}
	s := &Sampler{
		Vocab:              vocab,
		Config:             config,
		MaxGeneratedTokens: maxGeneratedTokens,
		backend:            backend,
		ctx:                context.New(),
	}
	uploadWeights(s.ctx.In("model"), weights)
	return s, nil
}

// uploadWeights creates one context variable per checkpoint tensor, scoped by
// its tree path.
func uploadWeights(ctx *context.Context, weights *trees.Tree[*tensors.Tensor]) {
	for treePath, tensor := range weights.OrderedLeaves() {
		scopedCtx := ctx
		name, scope := xslices.Pop(treePath)
		for _, part := range scope {
			scopedCtx = scopedCtx.In(part)
		}
		scopedCtx.VariableWithValue(name, tensor)
	}
}

// Sample the continuations from the given prompts, with DefaultOptions.
func (s *Sampler) Sample(prompts []string) ([]string, error) {
	return s.SampleWithOptions(prompts, DefaultOptions())
}

// SampleWithOptions generates one continuation per prompt.
//
// The whole batch is decoded together, one step at a time, carrying the
// per-layer attention caches through each graph execution. Sequences that
// reach the end-of-sentence token (past Options.MinLength) are padded for the
// remaining steps; generation stops when every sequence is done or at
// Options.MaxLength total tokens.
func (s *Sampler) SampleWithOptions(prompts []string, opts Options) ([]string, error) {
	if len(prompts) == 0 {
		return nil, nil
	}
	batchSize := len(prompts)

	sequences := xslices.Map(prompts, s.Vocab.Encode)
	promptLengths := xslices.Map(sequences, func(seq []int) int { return len(seq) })
	maxPromptLength := slices.Max(promptLengths)
	if slices.Min(promptLengths) == 0 {
		return nil, errors.New("prompts encoded to no tokens, can't generate from an empty sequence")
	}

	totalLength := opts.MaxLength
	if totalLength == 0 {
		totalLength = maxPromptLength + s.MaxGeneratedTokens
	}
	if opts.MinLength > totalLength {
		return nil, errors.Errorf("minimum length %d is larger than the maximum length %d", opts.MinLength, totalLength)
	}
	if maxPromptLength >= totalLength {
		return nil, errors.Errorf("prompt has %d tokens, maximum length %d leaves no room to generate", maxPromptLength, totalLength)
	}

	cache, err := transformers.NewCache(s.Config, batchSize, totalLength)
	if err != nil {
		return nil, err
	}

	padId := opts.PadTokenId
	if padId < 0 {
		padId = s.Vocab.PadId()
	}
	eosId := s.Vocab.EndOfSentenceId()

	seed := opts.Seed
	if seed < 0 {
		seed = rand.Int64()
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)+1))

	// One graph execution decodes one step: current tokens and position in,
	// next-token logits out, attention caches carried through.
	exec := context.NewExec(s.backend, s.ctx.Reuse(),
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			currentTokens, position := inputs[0], inputs[1]
			cacheNodes := trees.FromValuesAndTree(inputs[2:], cache.Data)
			logits := transformers.DecodeStep(ctx.In("model"), s.Config, currentTokens, position, cacheNodes)
			return append([]*graph.Node{logits}, trees.ValuesAsList(cacheNodes)...)
		})

	done := make([]bool, batchSize)
	numDone := 0
	for step := 0; step < totalLength-1 && numDone < batchSize; step++ {
		feed := make([]int32, batchSize)
		for exampleIdx := range batchSize {
			if step < len(sequences[exampleIdx]) {
				feed[exampleIdx] = int32(sequences[exampleIdx][step])
			} else {
				feed[exampleIdx] = int32(padId)
			}
		}

		args := []any{tensors.FromValue(feed), tensors.FromScalar(int32(step))}
		for _, cached := range trees.ValuesAsList(cache.Data) {
			args = append(args, cached)
		}
		outputs := exec.Call(args...)
		cache.Data = trees.FromValuesAndTree(outputs[1:], cache.Data)

		logits := tensors.CopyFlatData[float32](outputs[0])
		for exampleIdx := range batchSize {
			if done[exampleIdx] || step+1 < len(sequences[exampleIdx]) {
				// Still consuming the prompt, or already finished.
				continue
			}
			rowLogits := logits[exampleIdx*s.Config.NumEmbed : (exampleIdx+1)*s.Config.NumEmbed]
			if len(sequences[exampleIdx]) < opts.MinLength {
				// Too short to stop: the end-of-sentence token is not allowed yet.
				rowLogits[eosId] = float32(math.Inf(-1))
			}
			var nextToken int
			if opts.Sample && opts.Temperature > 0 {
				nextToken = sampleToken(rowLogits, opts.Temperature, opts.TopK, rng)
			} else {
				nextToken = greedyToken(rowLogits)
			}
			sequences[exampleIdx] = append(sequences[exampleIdx], nextToken)
			if nextToken == eosId || len(sequences[exampleIdx]) >= totalLength {
				done[exampleIdx] = true
				numDone++
			}
		}
	}

	return xslices.Map(sequences, s.Vocab.Decode), nil
}

// greedyToken returns the index of the highest logit.
func greedyToken(logits []float32) int {
	maxIdx := 0
	maxValue := logits[0]
	for ii, value := range logits[1:] {
		if value > maxValue {
			maxValue = value
			maxIdx = ii + 1
		}
	}
	return maxIdx
}

// sampleToken draws a token from the logits with temperature scaling and
// optional top-k filtering.
func sampleToken(logits []float32, temperature float64, topK int, rng *rand.Rand) int {
	scaled := make([]float64, len(logits))
	for ii, value := range logits {
		scaled[ii] = float64(value) / temperature
	}

	if topK > 0 && topK < len(scaled) {
		threshold := kthLargest(scaled, topK)
		for ii := range scaled {
			if scaled[ii] < threshold {
				scaled[ii] = math.Inf(-1)
			}
		}
	}

	// Softmax.
	maxValue := slices.Max(scaled)
	var sum float64
	for ii := range scaled {
		scaled[ii] = math.Exp(scaled[ii] - maxValue)
		sum += scaled[ii]
	}

	// Categorical draw.
	r := rng.Float64() * sum
	var cumulative float64
	for ii, p := range scaled {
		cumulative += p
		if r < cumulative {
			return ii
		}
	}
	return len(scaled) - 1
}

// kthLargest returns the k-th largest value of values (k >= 1).
func kthLargest(values []float64, k int) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return sorted[len(sorted)-k]
}
