package transformers

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gptneo/trees"
	"github.com/pkg/errors"
)

// createAttentionCache creates the key/value cache tensors for one attention
// layer under treePath, shaped [batchSize, cacheLength, numHeads, headDim] and
// zero-initialized.
func createAttentionCache(data *trees.Tree[*tensors.Tensor], treePath trees.Path, dtype dtypes.DType,
	batchSize, cacheLength, numHeads, headDim int) error {
	// Keys cache:
	err := data.Set(append(treePath, "k"),
		tensors.FromShape(shapes.Make(dtype, batchSize, cacheLength, numHeads, headDim)))
	if err != nil {
		return errors.WithMessage(err, "in createAttentionCache()")
	}

	// Values cache:
	err = data.Set(append(treePath, "v"),
		tensors.FromShape(shapes.Make(dtype, batchSize, cacheLength, numHeads, headDim)))
	if err != nil {
		return errors.WithMessage(err, "in createAttentionCache()")
	}
	return nil
}

// cacheNode returns the graph node cached under name, panicking if the layer
// cache is missing it -- the cache structure is built by NewCache, so a miss
// is a programming error.
func cacheNode(layerCache *trees.Tree[*Node], name string) *Node {
	node, err := layerCache.Get(trees.Path{name})
	if err != nil {
		exceptions.Panicf("attention cache has no %q entry: %v", name, err)
	}
	return node
}

// Attention builds one decode step of self-attention for the layer layerIdx.
//
// x is the normalized input shaped [batchSize, 1, embedDim] and position is a
// scalar with the step index. The projected key/value of the current token are
// written into the layer cache at the position index (the updated nodes are
// set back into layerCache), and the query attends over every cached position
// up to it -- restricted to the sliding window on local layers.
func Attention(ctx *context.Context, config *Config, layerIdx int, x, position *Node, layerCache *trees.Tree[*Node]) *Node {
	g := x.Graph()
	batchSize := x.Shape().Dim(0)

	// B = batchSize
	// T = 1, the current decode step
	// D = config.EmbedDim
	// F = config.NumHeads*config.HeadDim, the flattened projections
	projectionShape := shapes.Make(x.DType(), config.NumHeads*config.HeadDim, config.EmbedDim)
	query := Einsum("BTD,FD->BTF", x, param(ctx, g, "q_proj", projectionShape))
	key := Einsum("BTD,FD->BTF", x, param(ctx, g, "k_proj", projectionShape))
	value := Einsum("BTD,FD->BTF", x, param(ctx, g, "v_proj", projectionShape))

	// Split heads: [batchSize, 1, numHeads, headDim].
	query = Reshape(query, batchSize, 1, config.NumHeads, config.HeadDim)
	key = Reshape(key, batchSize, 1, config.NumHeads, config.HeadDim)
	value = Reshape(value, batchSize, 1, config.NumHeads, config.HeadDim)

	// Write the current key/value at the position index of the rotating cache.
	zeroIdx := ScalarZero(g, dtypes.Int32)
	startIndices := []*Node{zeroIdx, position, zeroIdx, zeroIdx}
	keys := DynamicUpdateSlice(cacheNode(layerCache, "k"), key, startIndices)
	values := DynamicUpdateSlice(cacheNode(layerCache, "v"), value, startIndices)
	if err := layerCache.Set(trees.Path{"k"}, keys); err != nil {
		exceptions.Panicf("failed to update attention cache: %v", err)
	}
	if err := layerCache.Set(trees.Path{"v"}, values); err != nil {
		exceptions.Panicf("failed to update attention cache: %v", err)
	}

	// Attention logits: [batchSize, numHeads, 1, cacheLength].
	// GPT-Neo checkpoints take the logits unscaled, see
	// Config.ScaleQueryByInvSqrtHeadDim.
	logits := Einsum("BQHD,BKHD->BHQK", query, keys)
	if config.ScaleQueryByInvSqrtHeadDim {
		logits = MulScalar(logits, 1.0/math.Sqrt(float64(config.HeadDim)))
	}

	probabilities := MaskedSoftmax(logits, attentionMask(config, layerIdx, logits, position), -1)
	attended := Einsum("BHQK,BKHD->BQHD", probabilities, values)
	attended = Reshape(attended, batchSize, 1, config.NumHeads*config.HeadDim)

	return DenseWithBias(ctx, attended, "out_proj", "out_proj_bias", config.EmbedDim)
}

// attentionMask builds the validity mask over cached positions, broadcast to
// the attention logits shape: causal (cached index <= position), further
// clipped to the sliding window on local-sliding layers.
func attentionMask(config *Config, layerIdx int, logits, position *Node) *Node {
	g := logits.Graph()
	cacheLength := logits.Shape().Dim(-1)
	cachedPositions := Iota(g, shapes.Make(dtypes.Int32, cacheLength), 0)
	mask := LessOrEqual(cachedPositions, position)
	if config.AttentionTypeForLayer(layerIdx) == AttentionTypeLocalSliding {
		windowStart := AddScalar(position, -float64(config.SlidingWindowSize))
		mask = And(mask, GreaterThan(cachedPositions, windowStart))
	}
	mask = ExpandLeftToRank(mask, logits.Rank())
	return BroadcastToDims(mask, logits.Shape().Dimensions...)
}
