package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdamW(t *testing.T) {
	t.Run("first step moves against the gradient", func(t *testing.T) {
		opt := NewAdamW([2]float64{0.9, 0.999}, 0, 0)
		params := []float64{0}
		opt.Step(params, []float64{1}, 0.01)

		// bias correction makes the first update approximately -lr
		assert.InDelta(t, -0.01, params[0], 1e-6)
	})

	t.Run("decoupled weight decay shrinks idle parameters", func(t *testing.T) {
		opt := NewAdamW([2]float64{0.9, 0.999}, 0, 0.1)
		params := []float64{1.0}
		opt.Step(params, []float64{0}, 0.01)

		assert.InDelta(t, 1.0-0.01*0.1, params[0], 1e-12)
	})

	t.Run("zero betas fall back to defaults", func(t *testing.T) {
		opt := NewAdamW([2]float64{}, 0, 0)
		assert.Equal(t, 0.9, opt.beta1)
		assert.Equal(t, 0.999, opt.beta2)
	})

	t.Run("state round trip", func(t *testing.T) {
		opt := NewAdamW([2]float64{0.9, 0.999}, 0, 0)
		params := []float64{0.5, -0.5}
		opt.Step(params, []float64{1, -1}, 0.01)

		restored := NewAdamW([2]float64{0.9, 0.999}, 0, 0)
		restored.LoadState(opt.State())

		assert.Equal(t, opt.t, restored.t)
		assert.Equal(t, opt.m, restored.m)
		assert.Equal(t, opt.v, restored.v)

		// both instances take the same next step
		a := []float64{0.1, 0.2}
		b := []float64{0.1, 0.2}
		opt.Step(a, []float64{0.3, -0.3}, 0.01)
		restored.Step(b, []float64{0.3, -0.3}, 0.01)
		require.Equal(t, a, b)
	})
}

func TestClipGradNorm(t *testing.T) {
	t.Run("scales down to the bound", func(t *testing.T) {
		grads := []float64{3, 4}
		norm := ClipGradNorm(grads, 1)
		assert.InDelta(t, 5.0, norm, 1e-12)
		assert.InDelta(t, 0.6, grads[0], 1e-12)
		assert.InDelta(t, 0.8, grads[1], 1e-12)
	})

	t.Run("within the bound is untouched", func(t *testing.T) {
		grads := []float64{0.3, 0.4}
		norm := ClipGradNorm(grads, 1)
		assert.InDelta(t, 0.5, norm, 1e-12)
		assert.Equal(t, []float64{0.3, 0.4}, grads)
	})

	t.Run("non-positive bound disables clipping", func(t *testing.T) {
		grads := []float64{30, 40}
		ClipGradNorm(grads, 0)
		assert.Equal(t, []float64{30, 40}, grads)
	})
}
