package nn

import "math"

// maskedOut is the additive score for key positions a query may not attend:
// causal future days and days beyond an example's valid length.
const maskedOut = -1e9

// Softmax writes the softmax of src into dst (max-subtracted for stability).
// dst and src may alias.
func Softmax(dst, src []float64) {
	maxv := math.Inf(-1)
	for _, v := range src {
		if v > maxv {
			maxv = v
		}
	}
	sum := 0.0
	for i, v := range src {
		dst[i] = math.Exp(v - maxv)
		sum += dst[i]
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// LogSoftmax writes log-softmax of src into dst. dst and src may alias.
func LogSoftmax(dst, src []float64) {
	maxv := math.Inf(-1)
	for _, v := range src {
		if v > maxv {
			maxv = v
		}
	}
	sum := 0.0
	for _, v := range src {
		sum += math.Exp(v - maxv)
	}
	lse := maxv + math.Log(sum)
	for i, v := range src {
		dst[i] = v - lse
	}
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

const geluCoeff = 0.044715

// Gelu is the tanh-approximated Gaussian error linear unit.
func Gelu(x float64) float64 {
	inner := math.Sqrt(2/math.Pi) * (x + geluCoeff*x*x*x)
	return 0.5 * x * (1 + math.Tanh(inner))
}

// GeluGrad is the derivative of Gelu with respect to its input.
func GeluGrad(x float64) float64 {
	s := math.Sqrt(2 / math.Pi)
	inner := s * (x + geluCoeff*x*x*x)
	th := math.Tanh(inner)
	sech2 := 1 - th*th
	return 0.5*(1+th) + 0.5*x*sech2*s*(1+3*geluCoeff*x*x)
}
