// Package gpm implements the general-preference reward-model training
// core: the preference loss family, the auxiliary language-model loss,
// batch assembly, the training orchestrator, and the evaluator.
package gpm

import (
	"math"

	"github.com/deep-alignment/OpenRLHF/internal/platform/training"
	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

// ============================================================================
// Loss Dispatch
// ============================================================================

// LossKind enumerates the preference loss family
type LossKind int

const (
	// LossKindBradleyTerry is the scalar pairwise log-sigmoid loss
	LossKindBradleyTerry LossKind = iota

	// LossKindGeneralPreference is the 2-D skew-symmetric preference loss
	LossKindGeneralPreference

	// LossKindHighDim sums skew-symmetric scores over 2-D sub-blocks
	LossKindHighDim

	// LossKindHighDimMoE gates sub-block scores with a prompt-conditioned
	// softmax mixture
	LossKindHighDimMoE
)

// String returns the loss kind name
func (k LossKind) String() string {
	switch k {
	case LossKindBradleyTerry:
		return "bradley_terry"
	case LossKindGeneralPreference:
		return "general_preference"
	case LossKindHighDim:
		return "high_dim_general_preference"
	case LossKindHighDimMoE:
		return "high_dim_general_preference_moe"
	default:
		return "unknown"
	}
}

// LossConfig fixes a preference loss at construction
type LossConfig struct {
	// IsGeneralPreference selects vector-valued scoring over scalar
	// Bradley-Terry rewards
	IsGeneralPreference bool

	// ValueHeadDim is the reward vector length per sequence
	ValueHeadDim int

	// AddPromptHead enables the prompt-gated mixture variant
	AddPromptHead bool

	// Tau is the temperature applied to preference scores, and to the
	// gating softmax in the mixture variant
	Tau float64

	// ComputeFP32 keeps full float precision; when unset, reward values
	// are truncated to float32 precision before the loss
	ComputeFP32 bool
}

// PreferenceLoss maps paired reward vectors to a scalar loss and
// per-pair preference probabilities. Implementations are immutable.
type PreferenceLoss interface {
	// Kind reports which member of the family this is
	Kind() LossKind

	// NeedsPromptHidden reports whether Compute requires prompt hidden
	// states
	NeedsPromptHidden() bool

	// Compute returns the mean loss over pairs and the probability that
	// the chosen response beats the rejected one, per pair. promptHidden
	// may be nil unless NeedsPromptHidden; margins may be nil for zero
	// margins.
	Compute(chosen, rejected [][]float64, promptHidden [][]float64, margins []float64) (float64, []float64, error)
}

// ResolveLoss selects exactly one loss for the run. The choice is final:
// the trainer never re-dispatches per batch.
func ResolveLoss(cfg LossConfig, gater training.PromptGater) (PreferenceLoss, error) {
	if cfg.Tau <= 0 {
		return nil, errors.Newf(errors.ErrTrainInvalidConfig, "loss temperature must be positive, got %v", cfg.Tau)
	}

	if !cfg.IsGeneralPreference {
		return &bradleyTerryLoss{tau: cfg.Tau, fp32: cfg.ComputeFP32}, nil
	}

	if cfg.ValueHeadDim%2 != 0 {
		return nil, errors.New(errors.ErrLossOddValueHead, "").
			WithDetails("value_head_dim", cfg.ValueHeadDim)
	}

	if cfg.AddPromptHead {
		if gater == nil || !gater.HasPromptHead() {
			return nil, errors.New(errors.ErrLossMissingPromptHead, "")
		}
		return &highDimMoELoss{tau: cfg.Tau, dim: cfg.ValueHeadDim, gater: gater, fp32: cfg.ComputeFP32}, nil
	}

	if cfg.ValueHeadDim == 2 {
		return &generalPreferenceLoss{tau: cfg.Tau, fp32: cfg.ComputeFP32}, nil
	}
	return &highDimLoss{tau: cfg.Tau, dim: cfg.ValueHeadDim, fp32: cfg.ComputeFP32}, nil
}

// ============================================================================
// Bradley-Terry Loss
// ============================================================================

type bradleyTerryLoss struct {
	tau  float64
	fp32 bool
}

func (l *bradleyTerryLoss) Kind() LossKind          { return LossKindBradleyTerry }
func (l *bradleyTerryLoss) NeedsPromptHidden() bool { return false }

func (l *bradleyTerryLoss) Compute(chosen, rejected [][]float64, _ [][]float64, margins []float64) (float64, []float64, error) {
	if err := checkPairShapes(chosen, rejected, 1); err != nil {
		return 0, nil, err
	}

	n := len(chosen)
	probs := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		c := maybeTruncate(chosen[i][0], l.fp32)
		r := maybeTruncate(rejected[i][0], l.fp32)
		s := (c-r)/l.tau - marginAt(margins, i)
		sum += -logSigmoid(s)
		probs[i] = sigmoid(s)
	}
	return sum / float64(n), probs, nil
}

// ============================================================================
// 2-D General Preference Loss
// ============================================================================

type generalPreferenceLoss struct {
	tau  float64
	fp32 bool
}

func (l *generalPreferenceLoss) Kind() LossKind          { return LossKindGeneralPreference }
func (l *generalPreferenceLoss) NeedsPromptHidden() bool { return false }

func (l *generalPreferenceLoss) Compute(chosen, rejected [][]float64, _ [][]float64, margins []float64) (float64, []float64, error) {
	if err := checkPairShapes(chosen, rejected, 2); err != nil {
		return 0, nil, err
	}

	n := len(chosen)
	probs := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		s := skewScore(chosen[i], rejected[i], 0, l.fp32) / l.tau
		sum += -logSigmoid(s - marginAt(margins, i))
		probs[i] = sigmoid(s)
	}
	return sum / float64(n), probs, nil
}

// ============================================================================
// High-Dimensional General Preference Loss
// ============================================================================

type highDimLoss struct {
	tau  float64
	dim  int
	fp32 bool
}

func (l *highDimLoss) Kind() LossKind          { return LossKindHighDim }
func (l *highDimLoss) NeedsPromptHidden() bool { return false }

func (l *highDimLoss) Compute(chosen, rejected [][]float64, _ [][]float64, margins []float64) (float64, []float64, error) {
	if err := checkPairShapes(chosen, rejected, l.dim); err != nil {
		return 0, nil, err
	}

	n := len(chosen)
	probs := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		var s float64
		for k := 0; k < l.dim/2; k++ {
			s += skewScore(chosen[i], rejected[i], 2*k, l.fp32)
		}
		s /= l.tau
		sum += -logSigmoid(s - marginAt(margins, i))
		probs[i] = sigmoid(s)
	}
	return sum / float64(n), probs, nil
}

// ============================================================================
// Prompt-Gated Mixture Loss
// ============================================================================

type highDimMoELoss struct {
	tau   float64
	dim   int
	gater training.PromptGater
	fp32  bool
}

func (l *highDimMoELoss) Kind() LossKind          { return LossKindHighDimMoE }
func (l *highDimMoELoss) NeedsPromptHidden() bool { return true }

func (l *highDimMoELoss) Compute(chosen, rejected [][]float64, promptHidden [][]float64, margins []float64) (float64, []float64, error) {
	if err := checkPairShapes(chosen, rejected, l.dim); err != nil {
		return 0, nil, err
	}
	if len(promptHidden) == 0 {
		return 0, nil, errors.New(errors.ErrLossShape, "prompt hidden states required by the gated preference loss")
	}

	n := len(chosen)
	probs := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		// a single hidden row broadcasts to every pair
		hidden := promptHidden[0]
		if len(promptHidden) > 1 {
			if i >= len(promptHidden) {
				return 0, nil, errors.Newf(errors.ErrLossShape, "prompt hidden batch %d smaller than pair batch %d", len(promptHidden), n)
			}
			hidden = promptHidden[i]
		}

		logits, err := l.gater.GateLogits(hidden)
		if err != nil {
			return 0, nil, errors.Wrap(err, errors.ErrLossShape, "gating projection failed")
		}
		if len(logits) != l.dim/2 {
			return 0, nil, errors.Newf(errors.ErrLossShape, "gate produced %d logits for %d sub-blocks", len(logits), l.dim/2)
		}

		weights := softmaxScaled(logits, l.tau)

		var s float64
		for k := 0; k < l.dim/2; k++ {
			s += weights[k] * skewScore(chosen[i], rejected[i], 2*k, l.fp32)
		}
		sum += -logSigmoid(s - marginAt(margins, i))
		probs[i] = sigmoid(s)
	}
	return sum / float64(n), probs, nil
}

// ============================================================================
// Shared Numerics
// ============================================================================

// skewScore computes the skew-symmetric pairing of one 2-D sub-block
// starting at offset: c[o]*r[o+1] - c[o+1]*r[o].
func skewScore(c, r []float64, offset int, fp32 bool) float64 {
	c0 := maybeTruncate(c[offset], fp32)
	c1 := maybeTruncate(c[offset+1], fp32)
	r0 := maybeTruncate(r[offset], fp32)
	r1 := maybeTruncate(r[offset+1], fp32)
	return c0*r1 - c1*r0
}

func maybeTruncate(x float64, fp32 bool) float64 {
	if fp32 {
		return x
	}
	return float64(float32(x))
}

func marginAt(margins []float64, i int) float64 {
	if margins == nil || i >= len(margins) {
		return 0
	}
	return margins[i]
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// logSigmoid computes log(sigmoid(x)) without overflow for large |x|
func logSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}

// softmaxScaled computes softmax(logits/tau) with max subtraction
func softmaxScaled(logits []float64, tau float64) []float64 {
	scaled := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for i, v := range logits {
		scaled[i] = v / tau
		if scaled[i] > maxVal {
			maxVal = scaled[i]
		}
	}
	var total float64
	for i := range scaled {
		scaled[i] = math.Exp(scaled[i] - maxVal)
		total += scaled[i]
	}
	for i := range scaled {
		scaled[i] /= total
	}
	return scaled
}

// checkPairShapes validates the reward matrices fed to a loss
func checkPairShapes(chosen, rejected [][]float64, dim int) error {
	if len(chosen) == 0 || len(chosen) != len(rejected) {
		return errors.Newf(errors.ErrLossShape, "chosen batch %d, rejected batch %d", len(chosen), len(rejected))
	}
	for i := range chosen {
		if len(chosen[i]) != dim || len(rejected[i]) != dim {
			return errors.Newf(errors.ErrLossShape, "reward width %d/%d at row %d, want %d", len(chosen[i]), len(rejected[i]), i, dim)
		}
	}
	return nil
}

// Accuracy returns the fraction of pairs where the chosen response is
// preferred with probability above one half.
func Accuracy(probs []float64) float64 {
	if len(probs) == 0 {
		return 0
	}
	var hits int
	for _, p := range probs {
		if p > 0.5 {
			hits++
		}
	}
	return float64(hits) / float64(len(probs))
}

// MeanProb returns the mean preference probability of a batch
func MeanProb(probs []float64) float64 {
	if len(probs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range probs {
		sum += p
	}
	return sum / float64(len(probs))
}
