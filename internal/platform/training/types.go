// Package training defines the contracts shared by the preference-model
// training core: batch layouts, model forward surfaces, the distributed
// runtime boundary, and metric sinks.
package training

// ============================================================================
// Batch Layouts
// ============================================================================

// BatchKind identifies the physical layout of an assembled batch
type BatchKind int

const (
	// BatchKindConcatenated stacks left-padded chosen then rejected rows
	BatchKindConcatenated BatchKind = iota

	// BatchKindPacked flattens all sequences into one row without padding
	BatchKindPacked
)

// String returns the layout name
func (k BatchKind) String() string {
	switch k {
	case BatchKindConcatenated:
		return "concatenated"
	case BatchKindPacked:
		return "packed"
	default:
		return "unknown"
	}
}

// PreferencePair is one raw training sample: a shared prompt with a
// preferred and a dispreferred completion, already tokenized.
type PreferencePair struct {
	// ChosenIDs are the prompt+chosen-response token ids
	ChosenIDs []int64

	// ChosenMask marks real tokens in ChosenIDs (1) versus padding (0)
	ChosenMask []float64

	// RejectedIDs are the prompt+rejected-response token ids
	RejectedIDs []int64

	// RejectedMask marks real tokens in RejectedIDs
	RejectedMask []float64

	// Margin is an optional per-pair preference strength
	Margin float64

	// ChosenResponseLen counts response tokens in the chosen sequence,
	// used to locate the last prompt token
	ChosenResponseLen int
}

// ModelBatch is an assembled micro-batch in one of the two layouts.
// Rows [0, SplitIndex) hold chosen sequences, [SplitIndex, n) rejected.
type ModelBatch struct {
	// Kind selects which layout fields are populated
	Kind BatchKind

	// InputIDs and AttentionMask are set for the concatenated layout,
	// one row per sequence
	InputIDs      [][]int64
	AttentionMask [][]float64

	// PackedIDs, PackedPositions and SeqLens are set for the packed
	// layout. PackedPositions carries the 1-based sequence index of each
	// token so the model can separate sequences without padding.
	PackedIDs       []int64
	PackedPositions []float64
	SeqLens         []int

	// Labels mark auxiliary language-model targets; prompt and padding
	// positions hold IgnoreIndex. Populated only when the auxiliary loss
	// is enabled.
	Labels       [][]int64
	PackedLabels []int64

	// SplitIndex is the number of chosen sequences
	SplitIndex int

	// Margins holds one margin per preference pair
	Margins []float64

	// PromptIDLens holds, per pair, the index of the last prompt token
	// in the chosen sequence
	PromptIDLens []int
}

// PairCount returns the number of preference pairs in the batch
func (b *ModelBatch) PairCount() int {
	return b.SplitIndex
}

// SequenceCount returns the total number of sequences in the batch
func (b *ModelBatch) SequenceCount() int {
	if b.Kind == BatchKindPacked {
		return len(b.SeqLens)
	}
	return len(b.InputIDs)
}

// IgnoreIndex marks label positions excluded from the auxiliary
// language-model loss.
const IgnoreIndex int64 = -100

// ============================================================================
// Forward Surface
// ============================================================================

// ForwardOptions controls a reward-model forward pass
type ForwardOptions struct {
	// ReturnLogProbs requests per-token log-probabilities for the
	// auxiliary language-model loss
	ReturnLogProbs bool

	// ReturnPromptHidden requests the hidden states at the last prompt
	// token for prompt-conditioned gating
	ReturnPromptHidden bool
}

// ForwardOutput is the result of one reward-model forward pass over an
// assembled batch.
type ForwardOutput struct {
	// ChosenValues and RejectedValues hold one reward vector per pair,
	// each of length value-head-dim (1 for scalar reward models)
	ChosenValues   [][]float64
	RejectedValues [][]float64

	// PromptHidden holds the backbone hidden state at the last prompt
	// token, one row per pair, or a single row broadcast to all pairs.
	// Nil unless requested.
	PromptHidden [][]float64

	// ChosenLogProbs and RejectedLogProbs hold per-token
	// log-probabilities aligned with the label positions of each
	// sequence. Nil unless requested.
	ChosenLogProbs   [][]float64
	RejectedLogProbs [][]float64
}

// ============================================================================
// Metric Snapshots
// ============================================================================

// StepMetrics is the per-micro-batch metric snapshot emitted to sinks
type StepMetrics struct {
	Loss         float64
	LossMean     float64
	Acc          float64
	AccMean      float64
	Prob         float64
	ProbMean     float64
	LearningRate float64
	AuxLoss      float64
}

// Map renders the snapshot with the wire metric names
func (m StepMetrics) Map() map[string]float64 {
	return map[string]float64{
		"loss":      m.Loss,
		"loss_mean": m.LossMean,
		"acc":       m.Acc,
		"acc_mean":  m.AccMean,
		"probs":     m.Prob,
		"prob_mean": m.ProbMean,
		"lr":        m.LearningRate,
	}
}

// EvalMetrics is the evaluation-pass metric snapshot
type EvalMetrics struct {
	LossMean float64
	ProbMean float64
}

// Map renders the snapshot with the wire metric names
func (m EvalMetrics) Map() map[string]float64 {
	return map[string]float64{
		"eval_loss_mean": m.LossMean,
		"prob_mean":      m.ProbMean,
	}
}
