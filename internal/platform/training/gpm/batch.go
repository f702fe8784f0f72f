package gpm

import (
	"github.com/deep-alignment/OpenRLHF/internal/platform/training"
	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

// ============================================================================
// Concatenated Assembler
// ============================================================================

// concatAssembler left-pads every sequence to the batch maximum and
// stacks chosen rows before rejected rows.
type concatAssembler struct {
	padID      int64
	withLabels bool
}

// NewConcatAssembler creates the concatenated-layout assembler.
// withLabels additionally emits auxiliary-loss labels derived from the
// attention mask.
func NewConcatAssembler(padID int64, withLabels bool) training.BatchAssembler {
	return &concatAssembler{padID: padID, withLabels: withLabels}
}

func (a *concatAssembler) Kind() training.BatchKind { return training.BatchKindConcatenated }

func (a *concatAssembler) Assemble(pairs []training.PreferencePair) (*training.ModelBatch, error) {
	if err := checkPairs(pairs); err != nil {
		return nil, err
	}

	maxLen := 0
	for _, p := range pairs {
		if len(p.ChosenIDs) > maxLen {
			maxLen = len(p.ChosenIDs)
		}
		if len(p.RejectedIDs) > maxLen {
			maxLen = len(p.RejectedIDs)
		}
	}

	n := len(pairs)
	batch := &training.ModelBatch{
		Kind:          training.BatchKindConcatenated,
		InputIDs:      make([][]int64, 0, 2*n),
		AttentionMask: make([][]float64, 0, 2*n),
		SplitIndex:    n,
		Margins:       make([]float64, n),
		PromptIDLens:  make([]int, n),
	}

	for i, p := range pairs {
		ids, mask := LeftPad(p.ChosenIDs, p.ChosenMask, maxLen, a.padID)
		batch.InputIDs = append(batch.InputIDs, ids)
		batch.AttentionMask = append(batch.AttentionMask, mask)
		batch.Margins[i] = p.Margin
		batch.PromptIDLens[i] = maxLen - p.ChosenResponseLen - 1
	}
	for _, p := range pairs {
		ids, mask := LeftPad(p.RejectedIDs, p.RejectedMask, maxLen, a.padID)
		batch.InputIDs = append(batch.InputIDs, ids)
		batch.AttentionMask = append(batch.AttentionMask, mask)
	}

	if a.withLabels {
		batch.Labels = make([][]int64, len(batch.InputIDs))
		for r := range batch.InputIDs {
			batch.Labels[r] = maskedLabels(batch.InputIDs[r], batch.AttentionMask[r])
		}
	}

	return batch, nil
}

// LeftPad pads ids with padID and mask with zeros on the left up to
// target length. Rows already at or above the target are returned
// unchanged; padding an already padded row is a no-op.
func LeftPad(ids []int64, mask []float64, target int, padID int64) ([]int64, []float64) {
	if len(ids) >= target {
		return ids, mask
	}
	pad := target - len(ids)
	outIDs := make([]int64, target)
	outMask := make([]float64, target)
	for i := 0; i < pad; i++ {
		outIDs[i] = padID
	}
	copy(outIDs[pad:], ids)
	copy(outMask[pad:], mask)
	return outIDs, outMask
}

// maskedLabels copies ids, writing IgnoreIndex wherever the attention
// mask is zero
func maskedLabels(ids []int64, mask []float64) []int64 {
	labels := make([]int64, len(ids))
	for j := range ids {
		if mask[j] == 0 {
			labels[j] = training.IgnoreIndex
		} else {
			labels[j] = ids[j]
		}
	}
	return labels
}

// ============================================================================
// Packed Assembler
// ============================================================================

// packedAssembler flattens all sequences into a single row without
// padding, chosen sequences first.
type packedAssembler struct {
	withLabels bool
}

// NewPackedAssembler creates the packed-layout assembler
func NewPackedAssembler(withLabels bool) training.BatchAssembler {
	return &packedAssembler{withLabels: withLabels}
}

func (a *packedAssembler) Kind() training.BatchKind { return training.BatchKindPacked }

func (a *packedAssembler) Assemble(pairs []training.PreferencePair) (*training.ModelBatch, error) {
	if err := checkPairs(pairs); err != nil {
		return nil, err
	}

	n := len(pairs)
	batch := &training.ModelBatch{
		Kind:         training.BatchKindPacked,
		SeqLens:      make([]int, 0, 2*n),
		Margins:      make([]float64, n),
		PromptIDLens: make([]int, n),
	}

	seq := 0
	appendSeq := func(ids []int64, mask []float64) int {
		seq++
		length := 0
		for j := range ids {
			if mask[j] == 0 {
				continue
			}
			batch.PackedIDs = append(batch.PackedIDs, ids[j])
			batch.PackedPositions = append(batch.PackedPositions, float64(seq))
			length++
		}
		batch.SeqLens = append(batch.SeqLens, length)
		return length
	}

	for i, p := range pairs {
		length := appendSeq(p.ChosenIDs, p.ChosenMask)
		batch.Margins[i] = p.Margin
		batch.PromptIDLens[i] = length - p.ChosenResponseLen - 1
	}
	for _, p := range pairs {
		appendSeq(p.RejectedIDs, p.RejectedMask)
	}

	split, err := SplitPacked(batch.SeqLens)
	if err != nil {
		return nil, err
	}
	batch.SplitIndex = split

	if a.withLabels {
		batch.PackedLabels = make([]int64, len(batch.PackedIDs))
		copy(batch.PackedLabels, batch.PackedIDs)
	}

	return batch, nil
}

// SplitPacked returns the chosen/rejected boundary of a packed
// sequence-length list: the first half is chosen, the second rejected.
// The boundary depends only on the count, never on the lengths.
func SplitPacked(seqLens []int) (int, error) {
	if len(seqLens)%2 != 0 {
		return 0, errors.New(errors.ErrDataOddPackedLens, "").
			WithDetails("seq_count", len(seqLens))
	}
	return len(seqLens) / 2, nil
}

// checkPairs validates a raw micro-batch before assembly
func checkPairs(pairs []training.PreferencePair) error {
	if len(pairs) == 0 {
		return errors.New(errors.ErrDataBatchShape, "empty micro-batch")
	}
	for i, p := range pairs {
		if len(p.ChosenIDs) != len(p.ChosenMask) || len(p.RejectedIDs) != len(p.RejectedMask) {
			return errors.Newf(errors.ErrDataBatchShape, "ids/mask length mismatch at pair %d", i)
		}
		if len(p.ChosenIDs) == 0 || len(p.RejectedIDs) == 0 {
			return errors.Newf(errors.ErrDataBatchShape, "empty sequence at pair %d", i)
		}
	}
	return nil
}

// GatherPromptHidden selects the hidden row for pair i, broadcasting a
// single-row matrix to every pair.
func GatherPromptHidden(hidden [][]float64, i int) []float64 {
	if len(hidden) == 1 {
		return hidden[0]
	}
	return hidden[i]
}
