package transformers

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gptneo/trees"
	"github.com/stretchr/testify/require"
)

// createCheckpointTree builds the skeleton of a GPT-Neo checkpoint with
// numLayers layers and the given embedding table shapes. Per-layer tensors are
// kept tiny: config inference only looks at the structure and the embeddings.
func createCheckpointTree(t *testing.T, numLayers, vocabSize, embedDim, maxPositions int) *trees.Tree[*tensors.Tensor] {
	weights := trees.New[*tensors.Tensor]()
	require.NoError(t, weights.Set(
		trees.Path{"embedder", "input_embedding"},
		tensors.FromShape(shapes.Make(dtypes.Float32, vocabSize, embedDim))))
	require.NoError(t, weights.Set(
		trees.Path{"embedder", "position_embedding"},
		tensors.FromShape(shapes.Make(dtypes.Float32, maxPositions, embedDim))))
	for layerIdx := range numLayers {
		require.NoError(t, weights.Set(
			trees.Path{fmt.Sprintf("layer_%d", layerIdx), "pre_attention_norm", "scale"},
			tensors.FromShape(shapes.Make(dtypes.Float32, embedDim))))
	}
	return weights
}

func TestNewConfigFromWeights(t *testing.T) {
	weights := createCheckpointTree(t, 12, 50257, 768, 2048)
	config, err := NewConfigFromWeights(weights)
	require.NoError(t, err)

	require.Equal(t, Neo_125M, config.Type)
	require.Equal(t, 12, config.NumLayers)
	require.Equal(t, 768, config.EmbedDim)
	require.Equal(t, 12, config.NumHeads)
	require.Equal(t, 64, config.HeadDim)
	require.Equal(t, 4*768, config.HiddenDim)
	require.Equal(t, dtypes.Float32, config.DType)
	require.False(t, config.ScaleQueryByInvSqrtHeadDim)

	// Attention alternates global and local-sliding, starting global.
	require.Len(t, config.AttentionTypes, 12)
	require.Equal(t, AttentionTypeGlobal, config.AttentionTypeForLayer(0))
	require.Equal(t, AttentionTypeLocalSliding, config.AttentionTypeForLayer(1))
	require.Equal(t, AttentionTypeGlobal, config.AttentionTypeForLayer(10))
	require.Equal(t, AttentionTypeUnknown, config.AttentionTypeForLayer(12))
}

func TestNewConfigFromWeightsUnknownSize(t *testing.T) {
	weights := createCheckpointTree(t, 7, 50257, 768, 2048)
	_, err := NewConfigFromWeights(weights)
	require.ErrorContains(t, err, "not a known GPT-Neo model size")
}

func TestNewConfigFromWeightsShapeMismatch(t *testing.T) {
	// 12 layers but the wrong vocabulary size: caught by the embeddings check.
	weights := createCheckpointTree(t, 12, 1000, 768, 2048)
	_, err := NewConfigFromWeights(weights)
	require.ErrorContains(t, err, "input embedding table has shape")
}

func TestNewConfigFromWeightsMixedDTypes(t *testing.T) {
	weights := createCheckpointTree(t, 12, 50257, 768, 2048)
	require.NoError(t, weights.Set(
		trees.Path{"layer_0", "mlp", "up_proj"},
		tensors.FromShape(shapes.Make(dtypes.Float16, 4))))
	_, err := NewConfigFromWeights(weights)
	require.ErrorContains(t, err, "can't infer dtype")
}

func TestNewCache(t *testing.T) {
	weights := createCheckpointTree(t, 12, 50257, 768, 2048)
	config, err := NewConfigFromWeights(weights)
	require.NoError(t, err)

	cache, err := NewCache(config, 2, 100)
	require.NoError(t, err)
	// One "k" and one "v" entry per layer.
	require.Equal(t, 2*config.NumLayers, cache.Data.NumLeaves())
	keys, err := cache.Data.Get(trees.Path{"layer_0", "k"})
	require.NoError(t, err)
	require.Equal(t, []int{2, 100, config.NumHeads, config.HeadDim}, keys.Shape().Dimensions)

	_, err = NewCache(config, 2, 0)
	require.ErrorContains(t, err, "outside the valid range")
	_, err = NewCache(config, 2, config.MaxPositionEmbeddings+1)
	require.ErrorContains(t, err, "outside the valid range")
}
