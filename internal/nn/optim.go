package nn

import (
	"fmt"
	"math"
)

// Adam is the Adam optimizer over a fixed parameter list. Gradients
// accumulate across calls until ZeroGrad; Step consumes whatever has been
// accumulated.
type Adam struct {
	Params []*Param
	Beta1  float64
	Beta2  float64
	Eps    float64

	m [][]float64
	v [][]float64
	t int
}

// NewAdam creates an optimizer with the conventional moment defaults.
func NewAdam(params []*Param) *Adam {
	a := &Adam{
		Params: params,
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    1e-8,
		m:      make([][]float64, len(params)),
		v:      make([][]float64, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Data))
		a.v[i] = make([]float64, len(p.Data))
	}
	return a
}

// Step applies one bias-corrected update at the given learning rate.
func (a *Adam) Step(lr float64) {
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, p := range a.Params {
		m := a.m[i]
		v := a.v[i]
		for j, g := range p.Grad {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			mhat := m[j] / c1
			vhat := v[j] / c2
			p.Data[j] -= lr * mhat / (math.Sqrt(vhat) + a.Eps)
		}
	}
}

// ZeroGrad clears every parameter gradient.
func (a *Adam) ZeroGrad() {
	for _, p := range a.Params {
		p.ZeroGrad()
	}
}

// GradNorm returns the global L2 norm over all parameter gradients.
func (a *Adam) GradNorm() float64 {
	sum := 0.0
	for _, p := range a.Params {
		for _, g := range p.Grad {
			sum += g * g
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales gradients so the global norm does not exceed max.
func (a *Adam) ClipGradNorm(max float64) {
	norm := a.GradNorm()
	if norm <= max || norm == 0 {
		return
	}
	scale := max / norm
	for _, p := range a.Params {
		for j := range p.Grad {
			p.Grad[j] *= scale
		}
	}
}

// AdamState is the serializable optimizer state for checkpoints.
type AdamState struct {
	M [][]float64
	V [][]float64
	T int
}

// State snapshots the optimizer moments. The slices are copied so the
// snapshot stays valid after further Step calls.
func (a *Adam) State() AdamState {
	return AdamState{M: copyMoments(a.m), V: copyMoments(a.v), T: a.t}
}

func copyMoments(src [][]float64) [][]float64 {
	out := make([][]float64, len(src))
	for i, s := range src {
		out[i] = append([]float64(nil), s...)
	}
	return out
}

// LoadState restores optimizer moments from a checkpoint. Shapes must match
// the current parameter list.
func (a *Adam) LoadState(s AdamState) error {
	if len(s.M) != len(a.m) || len(s.V) != len(a.v) {
		return fmt.Errorf("optimizer state holds %d parameters, model has %d", len(s.M), len(a.m))
	}
	for i, p := range a.Params {
		if len(s.M[i]) != len(p.Data) || len(s.V[i]) != len(p.Data) {
			return fmt.Errorf("optimizer state size mismatch for %q", p.Name)
		}
	}
	a.m = copyMoments(s.M)
	a.v = copyMoments(s.V)
	a.t = s.T
	return nil
}

// WarmupLinear is a linear warmup followed by linear decay to zero at Total.
type WarmupLinear struct {
	Base   float64
	Warmup int
	Total  int
}

// LR returns the learning rate for an optimizer step count.
func (s *WarmupLinear) LR(step int) float64 {
	if step < s.Warmup {
		return s.Base * float64(step+1) / float64(s.Warmup)
	}
	if step >= s.Total {
		return 0
	}
	return s.Base * float64(s.Total-step) / float64(s.Total-s.Warmup)
}
