package gpm

import (
	"github.com/deep-alignment/OpenRLHF/internal/platform/training"
	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

// ============================================================================
// Auxiliary Language-Model Loss
// ============================================================================

// AuxKind enumerates the auxiliary language-model objectives blended
// into the preference loss
type AuxKind int

const (
	// AuxKindSFTSum scales the masked sum of next-token log-probs
	AuxKindSFTSum AuxKind = iota

	// AuxKindSFTMean normalizes the masked sum by the valid token count
	AuxKindSFTMean

	// AuxKindDPORefFree contrasts chosen against rejected log-probs
	// without a reference model
	AuxKindDPORefFree
)

// String returns the objective name
func (k AuxKind) String() string {
	switch k {
	case AuxKindSFTSum:
		return "sft_sum"
	case AuxKindSFTMean:
		return "sft_mean"
	case AuxKindDPORefFree:
		return "dpo_ref_free"
	default:
		return "unknown"
	}
}

// AuxLoss scores language-model log-probabilities against labels.
// Positions holding IgnoreIndex are excluded.
type AuxLoss interface {
	// Kind reports the objective
	Kind() AuxKind

	// NeedsRejected reports whether the objective consumes the rejected
	// half of the batch
	NeedsRejected() bool

	// Compute returns the auxiliary loss. Rejected inputs may be nil
	// unless NeedsRejected.
	Compute(chosenLogProbs [][]float64, chosenLabels [][]int64, rejectedLogProbs [][]float64, rejectedLabels [][]int64) (float64, error)
}

// ResolveAuxLoss selects the auxiliary objective at construction.
// The DPO variant is chosen by name; both SFT variants share the name
// "sft" with meanNormalize deciding between them.
func ResolveAuxLoss(name string, beta, margin float64, meanNormalize bool) (AuxLoss, error) {
	switch name {
	case "sft":
		if meanNormalize {
			return &sftMeanLoss{beta: beta}, nil
		}
		return &sftSumLoss{beta: beta}, nil
	case "dpo":
		return &dpoRefFreeLoss{beta: beta, margin: margin}, nil
	default:
		return nil, errors.Newf(errors.ErrTrainInvalidConfig, "unknown auxiliary loss %q", name)
	}
}

// Blend mixes the preference loss with the auxiliary loss:
// (1-coef)*pref + coef*aux. A zero coefficient returns pref unchanged.
func Blend(prefLoss, auxLoss, coef float64) float64 {
	if coef == 0 {
		return prefLoss
	}
	return (1-coef)*prefLoss + coef*auxLoss
}

// ============================================================================
// SFT Variants
// ============================================================================

type sftSumLoss struct {
	beta float64
}

func (l *sftSumLoss) Kind() AuxKind       { return AuxKindSFTSum }
func (l *sftSumLoss) NeedsRejected() bool { return false }

func (l *sftSumLoss) Compute(logProbs [][]float64, labels [][]int64, _ [][]float64, _ [][]int64) (float64, error) {
	sums, _, err := maskedSums(logProbs, labels)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, s := range sums {
		total += -l.beta * s
	}
	return total / float64(len(sums)), nil
}

type sftMeanLoss struct {
	beta float64
}

func (l *sftMeanLoss) Kind() AuxKind       { return AuxKindSFTMean }
func (l *sftMeanLoss) NeedsRejected() bool { return false }

func (l *sftMeanLoss) Compute(logProbs [][]float64, labels [][]int64, _ [][]float64, _ [][]int64) (float64, error) {
	sums, counts, err := maskedSums(logProbs, labels)
	if err != nil {
		return 0, err
	}
	var total float64
	for i, s := range sums {
		if counts[i] > 0 {
			total += -l.beta * s / float64(counts[i])
		}
	}
	return total / float64(len(sums)), nil
}

// ============================================================================
// Reference-Free DPO Variant
// ============================================================================

type dpoRefFreeLoss struct {
	beta   float64
	margin float64
}

func (l *dpoRefFreeLoss) Kind() AuxKind       { return AuxKindDPORefFree }
func (l *dpoRefFreeLoss) NeedsRejected() bool { return true }

func (l *dpoRefFreeLoss) Compute(chosenLogProbs [][]float64, chosenLabels [][]int64, rejectedLogProbs [][]float64, rejectedLabels [][]int64) (float64, error) {
	chosenSums, _, err := maskedSums(chosenLogProbs, chosenLabels)
	if err != nil {
		return 0, err
	}
	rejectedSums, _, err := maskedSums(rejectedLogProbs, rejectedLabels)
	if err != nil {
		return 0, err
	}
	if len(chosenSums) != len(rejectedSums) {
		return 0, errors.Newf(errors.ErrLossShape, "chosen batch %d, rejected batch %d", len(chosenSums), len(rejectedSums))
	}

	var total float64
	for i := range chosenSums {
		total += -logSigmoid(l.beta*(chosenSums[i]-rejectedSums[i]) - l.margin)
	}
	return total / float64(len(chosenSums)), nil
}

// maskedSums accumulates per-sequence log-prob sums over positions whose
// label is not IgnoreIndex, returning the sums and valid token counts
func maskedSums(logProbs [][]float64, labels [][]int64) ([]float64, []int, error) {
	if len(logProbs) == 0 || len(logProbs) != len(labels) {
		return nil, nil, errors.Newf(errors.ErrLossShape, "log-prob batch %d, label batch %d", len(logProbs), len(labels))
	}

	sums := make([]float64, len(logProbs))
	counts := make([]int, len(logProbs))
	for i := range logProbs {
		if len(logProbs[i]) != len(labels[i]) {
			return nil, nil, errors.Newf(errors.ErrLossShape, "log-prob length %d, label length %d at row %d", len(logProbs[i]), len(labels[i]), i)
		}
		for j, label := range labels[i] {
			if label == training.IgnoreIndex {
				continue
			}
			sums[i] += logProbs[i][j]
			counts[i]++
		}
	}
	return sums, counts, nil
}
