package local

import (
	"context"
	"math"
	"math/rand"

	"github.com/deep-alignment/OpenRLHF/internal/platform/training"
	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

// ============================================================================
// Linear Preference Model
// ============================================================================

// LinearPreferenceModel is a lightweight reward model over hashed
// bag-of-token features: a value head of valueHeadDim rows and an
// optional prompt gating head of valueHeadDim/2 rows, all linear in a
// hiddenSize feature space. It stands in for a transformer backbone so
// the training core can run end to end in one process.
type LinearPreferenceModel struct {
	hiddenSize   int
	valueHeadDim int
	promptHead   bool

	// params holds the value head followed by the prompt head, flat
	params []float64
	grads  []float64

	// last forward's mean feature vectors, consumed by Backward
	lastFeatures       []float64
	lastPromptFeatures []float64
}

// NewLinearPreferenceModel initializes parameters with a small
// deterministic spread
func NewLinearPreferenceModel(hiddenSize, valueHeadDim int, promptHead bool, seed int64) (*LinearPreferenceModel, error) {
	if hiddenSize < 1 || valueHeadDim < 1 {
		return nil, errors.Newf(errors.ErrTrainInvalidConfig, "model dims must be positive, got hidden=%d value=%d", hiddenSize, valueHeadDim)
	}
	if promptHead && valueHeadDim%2 != 0 {
		return nil, errors.New(errors.ErrLossOddValueHead, "").
			WithDetails("value_head_dim", valueHeadDim)
	}

	size := valueHeadDim * hiddenSize
	if promptHead {
		size += (valueHeadDim / 2) * hiddenSize
	}

	rng := rand.New(rand.NewSource(seed))
	params := make([]float64, size)
	scale := 1 / math.Sqrt(float64(hiddenSize))
	for i := range params {
		params[i] = rng.NormFloat64() * scale
	}

	return &LinearPreferenceModel{
		hiddenSize:   hiddenSize,
		valueHeadDim: valueHeadDim,
		promptHead:   promptHead,
		params:       params,
		grads:        make([]float64, size),
	}, nil
}

// ValueHeadDim reports the reward vector length
func (m *LinearPreferenceModel) ValueHeadDim() int { return m.valueHeadDim }

// HasPromptHead reports whether the gating projection exists
func (m *LinearPreferenceModel) HasPromptHead() bool { return m.promptHead }

// ============================================================================
// Forward
// ============================================================================

// Forward scores an assembled batch
func (m *LinearPreferenceModel) Forward(ctx context.Context, batch *training.ModelBatch, opts training.ForwardOptions) (*training.ForwardOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	sequences, err := extractSequences(batch)
	if err != nil {
		return nil, err
	}
	split := batch.SplitIndex
	if len(sequences) != 2*split {
		return nil, errors.Newf(errors.ErrDataBatchShape, "batch holds %d sequences for %d pairs", len(sequences), split)
	}

	values := make([][]float64, len(sequences))
	meanFeat := make([]float64, m.hiddenSize)
	for s, ids := range sequences {
		feat := m.featurize(ids)
		values[s] = m.valueProject(feat)
		for h := range feat {
			meanFeat[h] += feat[h] / float64(len(sequences))
		}
	}
	m.lastFeatures = meanFeat

	out := &training.ForwardOutput{
		ChosenValues:   values[:split],
		RejectedValues: values[split:],
	}

	if opts.ReturnPromptHidden {
		out.PromptHidden = make([][]float64, split)
		promptMean := make([]float64, m.hiddenSize)
		for i := 0; i < split; i++ {
			hidden := m.featurize(promptTokens(batch, sequences, i))
			out.PromptHidden[i] = hidden
			for h := range hidden {
				promptMean[h] += hidden[h] / float64(split)
			}
		}
		m.lastPromptFeatures = promptMean
	}

	if opts.ReturnLogProbs {
		// log-prob rows must line up position for position with the label
		// rows: padded width in the concatenated layout, segment length in
		// the packed layout. Ignore-index labels cover the pad positions.
		lpRows := sequences
		if batch.Kind == training.BatchKindConcatenated {
			lpRows = batch.InputIDs
		}
		out.ChosenLogProbs = m.tokenLogProbs(lpRows[:split])
		out.RejectedLogProbs = m.tokenLogProbs(lpRows[split:])
	}

	return out, nil
}

// featurize hashes token ids into a normalized bag-of-tokens vector
func (m *LinearPreferenceModel) featurize(ids []int64) []float64 {
	feat := make([]float64, m.hiddenSize)
	if len(ids) == 0 {
		return feat
	}
	for _, id := range ids {
		idx := int(id % int64(m.hiddenSize))
		if idx < 0 {
			idx += m.hiddenSize
		}
		feat[idx]++
	}
	norm := math.Sqrt(float64(len(ids)))
	for h := range feat {
		feat[h] /= norm
	}
	return feat
}

// valueProject applies the value head to one feature vector
func (m *LinearPreferenceModel) valueProject(feat []float64) []float64 {
	out := make([]float64, m.valueHeadDim)
	for d := 0; d < m.valueHeadDim; d++ {
		row := m.params[d*m.hiddenSize : (d+1)*m.hiddenSize]
		var v float64
		for h := range feat {
			v += row[h] * feat[h]
		}
		out[d] = v
	}
	return out
}

// GateLogits applies the prompt head to one hidden vector
func (m *LinearPreferenceModel) GateLogits(hidden []float64) ([]float64, error) {
	if !m.promptHead {
		return nil, errors.New(errors.ErrLossMissingPromptHead, "")
	}
	if len(hidden) != m.hiddenSize {
		return nil, errors.Newf(errors.ErrLossShape, "hidden width %d, want %d", len(hidden), m.hiddenSize)
	}
	base := m.valueHeadDim * m.hiddenSize
	blocks := m.valueHeadDim / 2
	logits := make([]float64, blocks)
	for k := 0; k < blocks; k++ {
		row := m.params[base+k*m.hiddenSize : base+(k+1)*m.hiddenSize]
		var v float64
		for h := range hidden {
			v += row[h] * hidden[h]
		}
		logits[k] = v
	}
	return logits, nil
}

// tokenLogProbs emits one pseudo log-probability per token, driven by
// the first value-head row so the auxiliary loss moves real parameters
func (m *LinearPreferenceModel) tokenLogProbs(sequences [][]int64) [][]float64 {
	row := m.params[:m.hiddenSize]
	out := make([][]float64, len(sequences))
	for s, ids := range sequences {
		lps := make([]float64, len(ids))
		for j, id := range ids {
			idx := int(id % int64(m.hiddenSize))
			if idx < 0 {
				idx += m.hiddenSize
			}
			x := row[idx]
			// log(sigmoid(x)), always negative
			if x >= 0 {
				lps[j] = -math.Log1p(math.Exp(-x))
			} else {
				lps[j] = x - math.Log1p(math.Exp(x))
			}
		}
		out[s] = lps
	}
	return out
}

// ============================================================================
// Trainable Surface
// ============================================================================

// Backward accumulates a first-order surrogate gradient from the last
// forward's mean features, scaled by the loss
func (m *LinearPreferenceModel) Backward(loss float64) {
	if m.lastFeatures == nil {
		return
	}
	for d := 0; d < m.valueHeadDim; d++ {
		for h := 0; h < m.hiddenSize; h++ {
			m.grads[d*m.hiddenSize+h] += loss * m.lastFeatures[h]
		}
	}
	if m.promptHead && m.lastPromptFeatures != nil {
		base := m.valueHeadDim * m.hiddenSize
		for k := 0; k < m.valueHeadDim/2; k++ {
			for h := 0; h < m.hiddenSize; h++ {
				m.grads[base+k*m.hiddenSize+h] += loss * m.lastPromptFeatures[h]
			}
		}
	}
}

// Parameters returns the live flat parameter vector
func (m *LinearPreferenceModel) Parameters() []float64 { return m.params }

// Gradients returns the live flat gradient vector
func (m *LinearPreferenceModel) Gradients() []float64 { return m.grads }

// ZeroGrad clears accumulated gradients
func (m *LinearPreferenceModel) ZeroGrad() {
	for i := range m.grads {
		m.grads[i] = 0
	}
}

// LoadParameters copies a checkpointed parameter vector into the model
func (m *LinearPreferenceModel) LoadParameters(params []float64) error {
	if len(params) != len(m.params) {
		return errors.Newf(errors.ErrCheckpointLoad, "parameter count %d, want %d", len(params), len(m.params))
	}
	copy(m.params, params)
	return nil
}

// promptTokens gathers the prompt tokens of pair i up to the last
// prompt index. PromptIDLens indexes the padded row in the concatenated
// layout and the unpadded sequence in the packed layout.
func promptTokens(batch *training.ModelBatch, sequences [][]int64, i int) []int64 {
	end := batch.PromptIDLens[i]

	if batch.Kind == training.BatchKindConcatenated {
		row := batch.InputIDs[i]
		mask := batch.AttentionMask[i]
		if end < 0 {
			end = 0
		}
		if end >= len(row) {
			end = len(row) - 1
		}
		ids := make([]int64, 0, end+1)
		for j := 0; j <= end; j++ {
			if mask[j] != 0 {
				ids = append(ids, row[j])
			}
		}
		return ids
	}

	seq := sequences[i]
	if end < 0 {
		end = 0
	}
	if end >= len(seq) {
		end = len(seq) - 1
	}
	return seq[:end+1]
}

// extractSequences returns the unpadded token rows of a batch, chosen
// rows first
func extractSequences(batch *training.ModelBatch) ([][]int64, error) {
	switch batch.Kind {
	case training.BatchKindConcatenated:
		rows := make([][]int64, len(batch.InputIDs))
		for r := range batch.InputIDs {
			ids := make([]int64, 0, len(batch.InputIDs[r]))
			for j := range batch.InputIDs[r] {
				if batch.AttentionMask[r][j] != 0 {
					ids = append(ids, batch.InputIDs[r][j])
				}
			}
			rows[r] = ids
		}
		return rows, nil

	case training.BatchKindPacked:
		rows := make([][]int64, 0, len(batch.SeqLens))
		pos := 0
		for _, length := range batch.SeqLens {
			if pos+length > len(batch.PackedIDs) {
				return nil, errors.New(errors.ErrDataBatchShape, "packed ids shorter than sequence lengths")
			}
			rows = append(rows, batch.PackedIDs[pos:pos+length])
			pos += length
		}
		return rows, nil

	default:
		return nil, errors.Newf(errors.ErrDataBatchKind, "unknown batch kind %d", batch.Kind)
	}
}
