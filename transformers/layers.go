package transformers

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// param returns the graph node with the value of the variable name under ctx,
// creating it with the given shape if it doesn't exist yet. Checkpoint loading
// creates the variables beforehand, so during inference this always reuses the
// loaded values.
func param(ctx *context.Context, g *Graph, name string, shape shapes.Shape) *Node {
	v := ctx.WithInitializer(initializers.Zero).VariableWithShape(name, shape)
	return v.ValueGraph(g)
}

// LayerNorm normalizes x to zero mean and unit variance over the last axis,
// then applies the learned scale and offset. GPT-Neo uses the standard
// (biased) layer normalization, unlike the RMS variant of more recent models.
func LayerNorm(ctx *context.Context, x *Node, epsilon float64) *Node {
	g := x.Graph()
	mean := ReduceAndKeep(x, ReduceMean, -1)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, -1)
	normalized := Mul(centered, Rsqrt(AddScalar(variance, epsilon)))

	featuresShape := shapes.Make(x.DType(), x.Shape().Dim(-1))
	scale := ExpandLeftToRank(param(ctx, g, "scale", featuresShape), normalized.Rank())
	offset := ExpandLeftToRank(param(ctx, g, "offset", featuresShape), normalized.Rank())
	return Add(Mul(normalized, scale), offset)
}

// GeluNew is the tanh-approximated GELU activation ("gelu_new" in the
// reference implementation): 0.5*x*(1+tanh(sqrt(2/pi)*(x+0.044715*x^3))).
func GeluNew(x *Node) *Node {
	cubed := Mul(Mul(x, x), x)
	inner := MulScalar(Add(x, MulScalar(cubed, 0.044715)), math.Sqrt(2.0/math.Pi))
	return MulScalar(Mul(x, OnePlus(Tanh(inner))), 0.5)
}

// DenseWithBias applies a linear projection with the checkpoint's row-major
// [outputDim, inputDim] kernel plus a bias, over the last axis of x shaped
// [batchSize, seqLen, inputDim].
func DenseWithBias(ctx *context.Context, x *Node, kernelName, biasName string, outputDim int) *Node {
	g := x.Graph()
	inputDim := x.Shape().Dim(-1)
	kernel := param(ctx, g, kernelName, shapes.Make(x.DType(), outputDim, inputDim))
	bias := param(ctx, g, biasName, shapes.Make(x.DType(), outputDim))
	projected := Einsum("BTD,FD->BTF", x, kernel)
	return Add(projected, ExpandLeftToRank(bias, projected.Rank()))
}
