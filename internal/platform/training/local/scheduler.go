// Package local provides the in-process distributed runtime: a
// single-rank execution engine with an AdamW optimizer, cosine learning
// rate schedule, disk checkpoints, and optional object-storage upload.
package local

import (
	"math"
)

// ============================================================================
// Cosine Scheduler
// ============================================================================

// CosineScheduler anneals the learning rate from the peak down to a
// floor over the total step budget, after a linear warmup.
type CosineScheduler struct {
	peak    float64
	min     float64
	warmup  int
	total   int
	current int
}

// NewCosineScheduler builds the schedule. Warmup covers ceil(ratio *
// totalSteps) steps; the floor is minRatio * peak.
func NewCosineScheduler(peak float64, totalSteps int, warmupRatio, minRatio float64) *CosineScheduler {
	warmup := int(math.Ceil(warmupRatio * float64(totalSteps)))
	return &CosineScheduler{
		peak:   peak,
		min:    peak * minRatio,
		warmup: warmup,
		total:  totalSteps,
	}
}

// Step advances the schedule and returns the new learning rate
func (s *CosineScheduler) Step() float64 {
	s.current++
	return s.LR()
}

// LR returns the learning rate at the current step
func (s *CosineScheduler) LR() float64 {
	if s.current <= 0 {
		return 0
	}
	if s.warmup > 0 && s.current <= s.warmup {
		return s.peak * float64(s.current) / float64(s.warmup)
	}
	if s.current >= s.total {
		return s.min
	}
	progress := float64(s.current-s.warmup) / float64(s.total-s.warmup)
	return s.min + 0.5*(s.peak-s.min)*(1+math.Cos(math.Pi*progress))
}

// StepCount returns the number of completed scheduler steps
func (s *CosineScheduler) StepCount() int {
	return s.current
}

// SetStep restores the step counter from a checkpoint
func (s *CosineScheduler) SetStep(step int) {
	s.current = step
}
