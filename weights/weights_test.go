package weights

import (
	"os"
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gptneo/trees"
	"github.com/stretchr/testify/require"
)

func TestConvertName(t *testing.T) {
	testCases := []struct {
		name string
		want trees.Path
	}{
		{"transformer.wte.weight", trees.Path{"embedder", "input_embedding"}},
		{"transformer.wpe.weight", trees.Path{"embedder", "position_embedding"}},
		{"transformer.ln_f.weight", trees.Path{"final_norm", "scale"}},
		{"transformer.ln_f.bias", trees.Path{"final_norm", "offset"}},
		{"transformer.h.0.ln_1.weight", trees.Path{"layer_0", "pre_attention_norm", "scale"}},
		{"transformer.h.0.ln_1.bias", trees.Path{"layer_0", "pre_attention_norm", "offset"}},
		{"transformer.h.31.ln_2.weight", trees.Path{"layer_31", "pre_ffw_norm", "scale"}},
		{"transformer.h.2.attn.attention.q_proj.weight", trees.Path{"layer_2", "attn", "q_proj"}},
		{"transformer.h.2.attn.attention.k_proj.weight", trees.Path{"layer_2", "attn", "k_proj"}},
		{"transformer.h.2.attn.attention.v_proj.weight", trees.Path{"layer_2", "attn", "v_proj"}},
		{"transformer.h.2.attn.attention.out_proj.weight", trees.Path{"layer_2", "attn", "out_proj"}},
		{"transformer.h.2.attn.attention.out_proj.bias", trees.Path{"layer_2", "attn", "out_proj_bias"}},
		{"transformer.h.5.mlp.c_fc.weight", trees.Path{"layer_5", "mlp", "up_proj"}},
		{"transformer.h.5.mlp.c_fc.bias", trees.Path{"layer_5", "mlp", "up_proj_bias"}},
		{"transformer.h.5.mlp.c_proj.weight", trees.Path{"layer_5", "mlp", "down_proj"}},
		{"transformer.h.5.mlp.c_proj.bias", trees.Path{"layer_5", "mlp", "down_proj_bias"}},

		// Skipped tensors:
		{"lm_head.weight", nil},
		{"transformer.h.2.attn.attention.q_proj.bias", nil},
		{"transformer.h.2.attn.attention.bias", nil},
		{"transformer.h.2.attn.attention.masked_bias", nil},
		{"transformer.h.x.ln_1.weight", nil},
		{"some.other.model.weight", nil},
	}
	for _, testCase := range testCases {
		require.Equalf(t, testCase.want, ConvertName(testCase.name), "ConvertName(%q)", testCase.name)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	weights := trees.New[*tensors.Tensor]()
	require.NoError(t, weights.Set(
		trees.Path{"embedder", "input_embedding"},
		tensors.FromShape(shapes.Make(dtypes.Float32, 10, 4))))
	require.NoError(t, weights.Set(
		trees.Path{"layer_0", "attn", "q_proj"},
		tensors.FromShape(shapes.Make(dtypes.Float32, 4, 4))))

	dir := t.TempDir()
	require.NoError(t, SaveMetadata(dir, weights))

	metadata, err := LoadMetadata(dir)
	require.NoError(t, err)
	require.Equal(t, 2, metadata.NumTensors())
	require.Equal(t, 10*4+4*4, metadata.NumParameters())
	require.Contains(t, metadata.String(), "2 tensors")

	entry := metadata.Lookup(trees.Path{"embedder", "input_embedding"})
	require.NotNil(t, entry)
	require.Equal(t, []int{10, 4}, entry.Dimensions)
	require.Equal(t, dtypes.Float32.String(), entry.DType)

	require.Nil(t, metadata.Lookup(trees.Path{"layer_1", "attn", "q_proj"}))
}

func TestLoadMetadataMissing(t *testing.T) {
	_, err := LoadMetadata(t.TempDir())
	require.True(t, os.IsNotExist(err))
}
