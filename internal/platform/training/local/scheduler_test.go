package local

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineScheduler(t *testing.T) {
	// warmup 25 steps, floor 0.1
	s := NewCosineScheduler(1.0, 100, 0.25, 0.1)

	t.Run("zero before the first step", func(t *testing.T) {
		assert.Zero(t, s.LR())
	})

	t.Run("linear warmup", func(t *testing.T) {
		assert.InDelta(t, 1.0/25, s.Step(), 1e-12)
		s.SetStep(25)
		assert.InDelta(t, 1.0, s.LR(), 1e-12)
	})

	t.Run("cosine decay after warmup", func(t *testing.T) {
		s.SetStep(50)
		want := 0.1 + 0.5*(1.0-0.1)*(1+math.Cos(math.Pi*25.0/75.0))
		assert.InDelta(t, want, s.LR(), 1e-12)

		s.SetStep(30)
		early := s.LR()
		s.SetStep(90)
		late := s.LR()
		assert.Greater(t, early, late)
	})

	t.Run("floor at and beyond the budget", func(t *testing.T) {
		s.SetStep(100)
		assert.InDelta(t, 0.1, s.LR(), 1e-12)
		s.SetStep(250)
		assert.InDelta(t, 0.1, s.LR(), 1e-12)
	})

	t.Run("step counter restores", func(t *testing.T) {
		s.SetStep(42)
		assert.Equal(t, 42, s.StepCount())
	})
}
