// Package weights loads GPT-Neo checkpoint tensors into a tree, along with the
// matching metadata.
//
// Checkpoints come from the HuggingFace hub in ".safetensors" format (see
// download/huggingface); tensor names are converted to the scope structure the
// transformers package expects.
package weights

import (
	"fmt"
	"strconv"
	"strings"

	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gptneo/trees"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReadCheckpoint reads the tensors of a downloaded checkpoint into a tree,
// with the HuggingFace tensor names converted to the model's tree paths (see
// ConvertName). Tensors that have no place in the model -- the tied language
// model head, the persisted causal-mask buffers -- are skipped.
//
// As a side effect it writes the metadata index of the checkpoint (see
// SaveMetadata), used for cheap re-inspection of the checkpoint directory.
func ReadCheckpoint(hfm *gomlxhf.Model) (*trees.Tree[*tensors.Tensor], error) {
	weights := trees.New[*tensors.Tensor]()
	for entry, err := range hfm.EnumerateTensors() {
		if err != nil {
			return nil, errors.WithMessage(err, "failed to enumerate checkpoint tensors")
		}
		treePath := ConvertName(entry.Name)
		if treePath == nil {
			klog.V(1).Infof("skipping tensor %s (%s)", entry.Name, entry.Tensor.Shape())
			continue
		}
		if err = weights.Set(treePath, entry.Tensor); err != nil {
			return nil, errors.WithMessagef(err, "checkpoint tensor %s mapped to conflicting tree path %q", entry.Name, treePath)
		}
	}
	if weights.NumLeaves() == 0 {
		return nil, errors.Errorf("checkpoint in %q has no known GPT-Neo tensors", hfm.BaseDir)
	}

	if err := SaveMetadata(hfm.BaseDir, weights); err != nil {
		// The index is a cache, losing it costs nothing but a re-read.
		klog.Warningf("failed to write checkpoint metadata index: %v", err)
	}
	return weights, nil
}

// ConvertName maps a HuggingFace GPT-Neo tensor name to its tree path in the
// model structure, or nil for tensors the model doesn't load.
func ConvertName(name string) trees.Path {
	switch name {
	case "transformer.wte.weight":
		return trees.Path{"embedder", "input_embedding"}
	case "transformer.wpe.weight":
		return trees.Path{"embedder", "position_embedding"}
	case "transformer.ln_f.weight":
		return trees.Path{"final_norm", "scale"}
	case "transformer.ln_f.bias":
		return trees.Path{"final_norm", "offset"}
	case "lm_head.weight":
		// Tied to the input embedding, loaded once from transformer.wte.
		return nil
	}

	// Per-layer tensors are named "transformer.h.<layer>.<...>".
	if !strings.HasPrefix(name, "transformer.h.") {
		return nil
	}
	parts := strings.Split(name, ".")
	if len(parts) < 5 {
		return nil
	}
	layerNumber, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil
	}
	layerScope := fmt.Sprintf("layer_%d", layerNumber)
	kind := parts[len(parts)-1] // "weight" or "bias"

	switch parts[3] {
	case "ln_1":
		return trees.Path{layerScope, "pre_attention_norm", normName(kind)}
	case "ln_2":
		return trees.Path{layerScope, "pre_ffw_norm", normName(kind)}
	case "attn":
		// "attn.attention.<projection>.weight"
		if len(parts) != 7 || parts[4] != "attention" {
			return nil
		}
		switch parts[5] {
		case "q_proj", "k_proj", "v_proj":
			if kind != "weight" {
				// GPT-Neo query/key/value projections carry no bias.
				return nil
			}
			return trees.Path{layerScope, "attn", parts[5]}
		case "out_proj":
			if kind == "bias" {
				return trees.Path{layerScope, "attn", "out_proj_bias"}
			}
			return trees.Path{layerScope, "attn", "out_proj"}
		default:
			// "bias"/"masked_bias" causal-mask buffers are rebuilt in-graph.
			return nil
		}
	case "mlp":
		if len(parts) != 6 {
			return nil
		}
		var base string
		switch parts[4] {
		case "c_fc":
			base = "up_proj"
		case "c_proj":
			base = "down_proj"
		default:
			return nil
		}
		if kind == "bias" {
			return trees.Path{layerScope, "mlp", base + "_bias"}
		}
		return trees.Path{layerScope, "mlp", base}
	}
	return nil
}

func normName(kind string) string {
	if kind == "bias" {
		return "offset"
	}
	return "scale"
}
