package transformers

import (
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gptneo/trees"
	"github.com/pkg/errors"
)

// NeoType enumerates the released GPT-Neo model sizes.
type NeoType int

const (
	UnknownNeoType NeoType = iota
	Neo_125M
	Neo_1_3B
	Neo_2_7B
)

var neoTypeNames = map[NeoType]string{
	UnknownNeoType: "unknown",
	Neo_125M:       "gpt-neo-125m",
	Neo_1_3B:       "gpt-neo-1.3b",
	Neo_2_7B:       "gpt-neo-2.7b",
}

// String implements fmt.Stringer.
func (t NeoType) String() string {
	if name, found := neoTypeNames[t]; found {
		return name
	}
	return neoTypeNames[UnknownNeoType]
}

// The model size can be told apart by the number of transformer layers alone.
var numLayersToNeoClass = map[int]NeoType{
	12: Neo_125M,
	24: Neo_1_3B,
	32: Neo_2_7B,
}

// AttentionType of one transformer layer: GPT-Neo alternates full ("global")
// attention with local sliding-window attention, layer by layer.
type AttentionType int

const (
	AttentionTypeUnknown AttentionType = iota
	AttentionTypeGlobal
	AttentionTypeLocalSliding
)

// Config of a GPT-Neo transformer model.
type Config struct {
	Type               NeoType
	DType              dtypes.DType
	NumLayers          int
	NumEmbed, EmbedDim int
	NumHeads, HeadDim  int
	HiddenDim          int

	// MaxPositionEmbeddings is the number of learned position embeddings, an
	// upper bound on the total sequence length.
	MaxPositionEmbeddings int

	AttentionTypes    []AttentionType
	SlidingWindowSize int

	// ScaleQueryByInvSqrtHeadDim is false for every released GPT-Neo
	// checkpoint: the attention logits are taken without scaling.
	ScaleQueryByInvSqrtHeadDim bool

	LayerNormEpsilon float64
}

const (
	neoVocabularySize = 50257
	neoMaxPositions   = 2048
	neoSlidingWindow  = 256
	neoLayerNormEps   = 1e-5
)

// NewConfigFromWeights creates a transformer config, based on the structure of
// the loaded checkpoint weights.
func NewConfigFromWeights(weights *trees.Tree[*tensors.Tensor]) (*Config, error) {
	c := &Config{
		LayerNormEpsilon: neoLayerNormEps,
	}

	for _, w := range weights.Leaves() {
		if c.DType == dtypes.InvalidDType {
			c.DType = w.DType()
			continue
		}
		if c.DType != w.DType() {
			return nil, errors.New("can't infer dtype, different parameters have different dtypes")
		}
	}

	// Find number of layers:
	for key := range weights.Root.Map {
		if strings.HasPrefix(key, "layer_") {
			c.NumLayers++
		}
	}

	if t, found := numLayersToNeoClass[c.NumLayers]; found {
		c.Type = t
	}

	switch c.Type {
	case Neo_125M:
		c.setDims(768, 12, 64)
	case Neo_1_3B:
		c.setDims(2048, 16, 128)
	case Neo_2_7B:
		c.setDims(2560, 20, 128)
	default:
		return nil, errors.Errorf("checkpoint has %d transformer layers, not a known GPT-Neo model size", c.NumLayers)
	}

	if err := c.validateEmbeddings(weights); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDims(embedDim, numHeads, headDim int) {
	c.NumEmbed = neoVocabularySize
	c.EmbedDim = embedDim
	c.NumHeads = numHeads
	c.HeadDim = headDim
	c.HiddenDim = 4 * embedDim
	c.MaxPositionEmbeddings = neoMaxPositions
	c.SlidingWindowSize = neoSlidingWindow
	c.AttentionTypes = nil
	for range c.NumLayers / 2 {
		c.AttentionTypes = append(c.AttentionTypes, []AttentionType{AttentionTypeGlobal, AttentionTypeLocalSliding}...)
	}
}

// validateEmbeddings checks the checkpoint's embedding tables against the
// dimensions expected for the inferred model size -- it catches checkpoints of
// a different model family that happen to have a matching number of layers.
func (c *Config) validateEmbeddings(weights *trees.Tree[*tensors.Tensor]) error {
	inputEmbed, err := weights.Get(trees.Path{"embedder", "input_embedding"})
	if err != nil {
		return errors.WithMessage(err, "checkpoint has no input embedding table")
	}
	shape := inputEmbed.Shape()
	if shape.Rank() != 2 || shape.Dim(0) != c.NumEmbed || shape.Dim(1) != c.EmbedDim {
		return errors.Errorf("input embedding table has shape %s, but %s expects [%d, %d]",
			shape, c.Type, c.NumEmbed, c.EmbedDim)
	}

	positionEmbed, err := weights.Get(trees.Path{"embedder", "position_embedding"})
	if err != nil {
		return errors.WithMessage(err, "checkpoint has no position embedding table")
	}
	shape = positionEmbed.Shape()
	if shape.Rank() != 2 || shape.Dim(0) != c.MaxPositionEmbeddings || shape.Dim(1) != c.EmbedDim {
		return errors.Errorf("position embedding table has shape %s, but %s expects [%d, %d]",
			shape, c.Type, c.MaxPositionEmbeddings, c.EmbedDim)
	}
	return nil
}

// AttentionTypeForLayer returns the attention type of the given layer.
func (c *Config) AttentionTypeForLayer(layerIdx int) AttentionType {
	if layerIdx < 0 || layerIdx >= len(c.AttentionTypes) {
		return AttentionTypeUnknown
	}
	return c.AttentionTypes[layerIdx]
}
