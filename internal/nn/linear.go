package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear is a fully connected layer computing y = x*W + b over rows of x.
type Linear struct {
	In  int
	Out int
	W   *Param // In x Out
	B   *Param // 1 x Out
}

// NewLinear creates a Glorot-initialized linear layer.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	return &Linear{
		In:  in,
		Out: out,
		W:   NewParamXavier(name+".weight", in, out, rng),
		B:   NewParam(name+".bias", 1, out),
	}
}

// Forward applies the layer to x (T x In) and returns a T x Out matrix.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	t, _ := x.Dims()
	y := mat.NewDense(t, l.Out, nil)
	y.Mul(x, l.W.Dense())
	for i := 0; i < t; i++ {
		floats.Add(y.RawRowView(i), l.B.Data)
	}
	return y
}

// Backward accumulates parameter gradients given the forward input x and the
// upstream gradient dout, and returns the gradient with respect to x.
func (l *Linear) Backward(x, dout *mat.Dense) *mat.Dense {
	var dw mat.Dense
	dw.Mul(x.T(), dout)
	gw := l.W.GradDense()
	gw.Add(gw, &dw)

	t, _ := dout.Dims()
	for i := 0; i < t; i++ {
		floats.Add(l.B.Grad, dout.RawRowView(i))
	}

	dx := mat.NewDense(t, l.In, nil)
	dx.Mul(dout, l.W.Dense().T())
	return dx
}

// Params returns the layer's learnable parameters.
func (l *Linear) Params() []*Param { return []*Param{l.W, l.B} }
