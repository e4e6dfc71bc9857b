package transformers

import (
	"fmt"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestAttentionMask(t *testing.T) {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.New() })
	if err != nil {
		t.Skipf("no backend available: %v", err)
	}

	config := &Config{
		NumLayers:         2,
		AttentionTypes:    []AttentionType{AttentionTypeGlobal, AttentionTypeLocalSliding},
		SlidingWindowSize: 4,
	}
	const cacheLength = 8
	maskForLayer := func(layerIdx int, position int32) []bool {
		exec := NewExec(backend, func(position *Node) *Node {
			g := position.Graph()
			logits := Zeros(g, shapes.Make(dtypes.Float32, 1, 1, 1, cacheLength))
			return attentionMask(config, layerIdx, logits, position)
		})
		results := exec.Call(position)
		return tensors.CopyFlatData[bool](results[0])
	}

	// Global layer: causal, every cached position up to the current one.
	got := maskForLayer(0, 5)
	fmt.Printf("\tglobal mask at position 5: %v\n", got)
	require.Equal(t, []bool{true, true, true, true, true, true, false, false}, got)

	// Local-sliding layer: additionally clipped to the last SlidingWindowSize
	// cached positions.
	got = maskForLayer(1, 5)
	fmt.Printf("\tlocal mask at position 5:  %v\n", got)
	require.Equal(t, []bool{false, false, true, true, true, true, false, false}, got)

	// Early positions, before the window is full: same as causal.
	got = maskForLayer(1, 2)
	require.Equal(t, []bool{true, true, true, false, false, false, false, false}, got)
}
