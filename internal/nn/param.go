package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is one learnable tensor with its gradient accumulator. Matrices are
// stored row-major; vectors use Rows == 1.
type Param struct {
	Name string
	Rows int
	Cols int
	Data []float64
	Grad []float64
}

// NewParam allocates a zero-initialized parameter.
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name: name,
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
		Grad: make([]float64, rows*cols),
	}
}

// NewParamXavier allocates a parameter with Glorot-uniform initialization.
func NewParamXavier(name string, rows, cols int, rng *rand.Rand) *Param {
	p := NewParam(name, rows, cols)
	bound := math.Sqrt(6.0 / float64(rows+cols))
	for i := range p.Data {
		p.Data[i] = (rng.Float64()*2 - 1) * bound
	}
	return p
}

// Dense returns a matrix view sharing the parameter's backing slice.
func (p *Param) Dense() *mat.Dense { return mat.NewDense(p.Rows, p.Cols, p.Data) }

// GradDense returns a matrix view sharing the gradient's backing slice.
func (p *Param) GradDense() *mat.Dense { return mat.NewDense(p.Rows, p.Cols, p.Grad) }

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Fill sets every element of the parameter to v.
func (p *Param) Fill(v float64) {
	for i := range p.Data {
		p.Data[i] = v
	}
}
