// Package transformers implements the GPT-Neo family of transformer models.
// It follows the architecture of the EleutherAI reference implementation:
// learned position embeddings, alternating global and local-sliding attention,
// layer normalization with offset, gelu-new feed-forward, and logits taken
// through the tied input embedding table.
package transformers

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gptneo/trees"
)

// DecodeStep builds the graph of one decoding step of the GPT-Neo model.
//
// tokens are the current-step token ids shaped int32[batchSize], position is
// the scalar int32 step index (the same for the whole batch), and cache holds
// the key/value graph nodes of every layer, which are updated in place (see
// Attention).
//
// It returns the next-token logits, shaped float32[batchSize, vocabularySize].
//
// The variables under ctx must have been previously loaded from a checkpoint;
// use ctx.Reuse() so they are looked up and not re-initialized.
func DecodeStep(ctx *context.Context, config *Config, tokens, position *Node, cache *trees.Tree[*Node]) *Node {
	g := tokens.Graph()
	batchSize := tokens.Shape().Dim(0)

	// Embed current tokens and add the learned position embedding.
	embedCtx := ctx.In("embedder")
	embeddings := param(embedCtx, g, "input_embedding",
		shapes.Make(config.DType, config.NumEmbed, config.EmbedDim))
	positionEmbeddings := param(embedCtx, g, "position_embedding",
		shapes.Make(config.DType, config.MaxPositionEmbeddings, config.EmbedDim))

	x := Gather(embeddings, Reshape(tokens, batchSize, 1))        // [batchSize, embedDim]
	x = Reshape(x, batchSize, 1, config.EmbedDim)                 // [batchSize, 1, embedDim]
	positionEmbed := Gather(positionEmbeddings, Reshape(position, 1, 1))
	x = Add(x, ExpandLeftToRank(positionEmbed, 3)) // Broadcast over the batch.

	for layerIdx := range config.NumLayers {
		layerName := fmt.Sprintf("layer_%d", layerIdx)
		layerCtx := ctx.In(layerName)
		layerCache := &trees.Tree[*Node]{Root: cache.Root.Map[layerName]}

		// Attention block, with pre-normalization and residual.
		normalized := LayerNorm(layerCtx.In("pre_attention_norm"), x, config.LayerNormEpsilon)
		attended := Attention(layerCtx.In("attn"), config, layerIdx, normalized, position, layerCache)
		x = Add(x, attended)

		// Feed-forward block.
		normalized = LayerNorm(layerCtx.In("pre_ffw_norm"), x, config.LayerNormEpsilon)
		hidden := DenseWithBias(layerCtx.In("mlp"), normalized, "up_proj", "up_proj_bias", config.HiddenDim)
		hidden = GeluNew(hidden)
		output := DenseWithBias(layerCtx.In("mlp"), hidden, "down_proj", "down_proj_bias", config.EmbedDim)
		x = Add(x, output)
	}

	x = LayerNorm(ctx.In("final_norm"), x, config.LayerNormEpsilon)

	// Logits through the tied input embedding table: [batchSize, 1, numEmbed].
	logits := Einsum("BTD,VD->BTV", x, embeddings)
	logits = Reshape(logits, batchSize, config.NumEmbed)
	return ConvertDType(logits, dtypes.Float32)
}
