package local

import (
	"math"
)

// ============================================================================
// AdamW Optimizer
// ============================================================================

// AdamW applies decoupled weight decay Adam updates over a flat
// parameter vector.
type AdamW struct {
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	t int
	m []float64
	v []float64
}

// NewAdamW creates the optimizer. Moment vectors are sized lazily on
// the first step.
func NewAdamW(betas [2]float64, eps, weightDecay float64) *AdamW {
	if betas[0] == 0 && betas[1] == 0 {
		betas = [2]float64{0.9, 0.999}
	}
	if eps == 0 {
		eps = 1e-8
	}
	return &AdamW{
		beta1:       betas[0],
		beta2:       betas[1],
		eps:         eps,
		weightDecay: weightDecay,
	}
}

// Step applies one update to params in place
func (o *AdamW) Step(params, grads []float64, lr float64) {
	if o.m == nil {
		o.m = make([]float64, len(params))
		o.v = make([]float64, len(params))
	}
	o.t++

	bc1 := 1 - math.Pow(o.beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.beta2, float64(o.t))

	for i := range params {
		g := grads[i]
		o.m[i] = o.beta1*o.m[i] + (1-o.beta1)*g
		o.v[i] = o.beta2*o.v[i] + (1-o.beta2)*g*g

		mHat := o.m[i] / bc1
		vHat := o.v[i] / bc2

		params[i] -= lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.weightDecay*params[i])
	}
}

// State exports the moment vectors and step counter for checkpointing
func (o *AdamW) State() map[string][]float64 {
	state := map[string][]float64{
		"t": {float64(o.t)},
	}
	if o.m != nil {
		state["m"] = append([]float64(nil), o.m...)
		state["v"] = append([]float64(nil), o.v...)
	}
	return state
}

// LoadState restores the moment vectors and step counter
func (o *AdamW) LoadState(state map[string][]float64) {
	if t, ok := state["t"]; ok && len(t) == 1 {
		o.t = int(t[0])
	}
	if m, ok := state["m"]; ok {
		o.m = append([]float64(nil), m...)
	}
	if v, ok := state["v"]; ok {
		o.v = append([]float64(nil), v...)
	}
}

// ClipGradNorm scales grads in place so their L2 norm does not exceed
// maxNorm, returning the pre-clip norm. A non-positive maxNorm disables
// clipping.
func ClipGradNorm(grads []float64, maxNorm float64) float64 {
	var sq float64
	for _, g := range grads {
		sq += g * g
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := maxNorm / norm
	for i := range grads {
		grads[i] *= scale
	}
	return norm
}
