package samplers

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gptneo/transformers"
	"github.com/stretchr/testify/require"
)

// charVocab tokenizes each byte to its own id. Enough to exercise the
// pre-execution paths of the sampler without a model.
type charVocab struct{}

func (charVocab) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for _, b := range []byte(text) {
		ids = append(ids, int(b))
	}
	return ids
}

func (charVocab) Decode(ids []int) string {
	text := make([]byte, 0, len(ids))
	for _, id := range ids {
		text = append(text, byte(id))
	}
	return string(text)
}

func (charVocab) EndOfSentenceId() int { return 0 }
func (charVocab) PadId() int           { return 0 }

func createTestSampler() *Sampler {
	config := &transformers.Config{
		Type:                  transformers.Neo_125M,
		DType:                 dtypes.Float32,
		NumLayers:             2,
		NumEmbed:              256,
		EmbedDim:              8,
		NumHeads:              2,
		HeadDim:               4,
		HiddenDim:             32,
		MaxPositionEmbeddings: 64,
		AttentionTypes: []transformers.AttentionType{
			transformers.AttentionTypeGlobal, transformers.AttentionTypeLocalSliding},
		SlidingWindowSize: 16,
		LayerNormEpsilon:  1e-5,
	}
	return &Sampler{
		Vocab:              charVocab{},
		Config:             config,
		MaxGeneratedTokens: 16,
	}
}

func TestSampleWithOptionsValidation(t *testing.T) {
	s := createTestSampler()

	results, err := s.SampleWithOptions(nil, DefaultOptions())
	require.NoError(t, err)
	require.Empty(t, results)

	opts := DefaultOptions()
	opts.MinLength = 20
	opts.MaxLength = 10
	_, err = s.SampleWithOptions([]string{"hello"}, opts)
	require.ErrorContains(t, err, "minimum length 20 is larger than the maximum length 10")

	opts = DefaultOptions()
	opts.MaxLength = 5
	_, err = s.SampleWithOptions([]string{"hello"}, opts)
	require.ErrorContains(t, err, "leaves no room to generate")

	_, err = s.SampleWithOptions([]string{""}, DefaultOptions())
	require.ErrorContains(t, err, "empty sequence")
}

func TestGreedyToken(t *testing.T) {
	require.Equal(t, 2, greedyToken([]float32{0.1, -3, 7.5, 7.4}))
	require.Equal(t, 0, greedyToken([]float32{1}))
	// Ties resolve to the first index.
	require.Equal(t, 1, greedyToken([]float32{0, 2, 2}))
}

func TestSampleTokenDeterminism(t *testing.T) {
	logits := []float32{1, -2, 0.5, 3, -1, 0, 2, 1.5}

	rng1 := rand.New(rand.NewPCG(42, 43))
	rng2 := rand.New(rand.NewPCG(42, 43))
	for range 100 {
		require.Equal(t,
			sampleToken(logits, 0.7, 0, rng1),
			sampleToken(logits, 0.7, 0, rng2))
	}
}

func TestSampleTokenTopK(t *testing.T) {
	logits := []float32{1, -2, 0.5, 3, -1, 0, 2, 1.5}
	rng := rand.New(rand.NewPCG(1, 2))

	// Top-1 sampling degenerates to greedy.
	for range 50 {
		require.Equal(t, 3, sampleToken(logits, 0.7, 1, rng))
	}

	// Top-2 only ever draws the two best tokens.
	for range 200 {
		token := sampleToken(logits, 0.7, 2, rng)
		require.Contains(t, []int{3, 6}, token)
	}
}

func TestSampleTokenSuppressed(t *testing.T) {
	// A -inf logit (the min-length EOS suppression) is never drawn.
	logits := []float32{float32(math.Inf(-1)), 1, float32(math.Inf(-1)), 0.5}
	rng := rand.New(rand.NewPCG(7, 8))
	for range 200 {
		token := sampleToken(logits, 1.0, 0, rng)
		require.Contains(t, []int{1, 3}, token)
	}
}

func TestKthLargest(t *testing.T) {
	values := []float64{3, 1, 4, 1, 5}
	require.Equal(t, 5.0, kthLargest(values, 1))
	require.Equal(t, 4.0, kthLargest(values, 2))
	require.Equal(t, 1.0, kthLargest(values, 5))
	// Input untouched.
	require.Equal(t, []float64{3, 1, 4, 1, 5}, values)
}
