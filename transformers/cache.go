package transformers

import (
	"fmt"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gptneo/trees"
	"github.com/pkg/errors"
)

// Cache holds the key/value state of a (batch of) sequence being decoded.
//
// It has a fixed Length (cached values are shaped [BatchSize, Length, ...]),
// sized by the caller to the total sequence length of the generation. It's
// stored as a trees.Tree[*tensors.Tensor] with the first level being the layer
// names, so it can be flattened (trees.ValuesAsList), passed through one graph
// execution step and rebuilt from the updated tensors (trees.FromValuesAndTree).
type Cache struct {
	// Config of the model.
	Config *Config

	// BatchSize for this cache.
	BatchSize int

	// Length (in number of steps) of the cache.
	Length int

	// Data holds the cached tensors, two ("k" and "v") per layer.
	Data *trees.Tree[*tensors.Tensor]
}

// NewCache creates a zero-initialized cache for a batch of batchSize sequences
// of up to length tokens.
func NewCache(config *Config, batchSize, length int) (*Cache, error) {
	if length <= 0 || length > config.MaxPositionEmbeddings {
		return nil, errors.Errorf("cache length %d outside the valid range [1, %d] for %s",
			length, config.MaxPositionEmbeddings, config.Type)
	}
	c := &Cache{
		Config:    config,
		BatchSize: batchSize,
		Length:    length,
		Data:      trees.New[*tensors.Tensor](),
	}

	for layerIdx := range config.NumLayers {
		treePath := []string{fmt.Sprintf("layer_%d", layerIdx)}
		err := createAttentionCache(c.Data, treePath, config.DType, batchSize, length,
			config.NumHeads, config.HeadDim)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}
