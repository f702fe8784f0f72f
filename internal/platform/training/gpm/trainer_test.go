package gpm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-alignment/OpenRLHF/internal/platform/training"
	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

// ============================================================================
// Test Doubles
// ============================================================================

type stubLoader struct {
	batches   [][]training.PreferencePair
	setEpochs [][2]int
}

func (l *stubLoader) Len() int { return len(l.batches) }

func (l *stubLoader) Batch(i int) ([]training.PreferencePair, error) {
	return l.batches[i], nil
}

func (l *stubLoader) SetEpoch(epoch, consumedSamples int) {
	l.setEpochs = append(l.setEpochs, [2]int{epoch, consumedSamples})
}

// stubModel scores every chosen sequence with a fixed value above the
// rejected one, so the preference loss is a known constant.
type stubModel struct {
	chosenValue   float64
	rejectedValue float64
	params        []float64
	grads         []float64
}

func newStubModel() *stubModel {
	return &stubModel{chosenValue: 1, rejectedValue: 0, params: make([]float64, 4), grads: make([]float64, 4)}
}

func (m *stubModel) Forward(ctx context.Context, batch *training.ModelBatch, opts training.ForwardOptions) (*training.ForwardOutput, error) {
	n := batch.PairCount()
	out := &training.ForwardOutput{
		ChosenValues:   make([][]float64, n),
		RejectedValues: make([][]float64, n),
	}
	for i := 0; i < n; i++ {
		out.ChosenValues[i] = []float64{m.chosenValue}
		out.RejectedValues[i] = []float64{m.rejectedValue}
	}
	if opts.ReturnLogProbs && batch.Kind == training.BatchKindConcatenated {
		out.ChosenLogProbs = constantLogProbs(batch.InputIDs[:batch.SplitIndex])
		out.RejectedLogProbs = constantLogProbs(batch.InputIDs[batch.SplitIndex:])
	}
	return out, nil
}

func constantLogProbs(rows [][]int64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		lp := make([]float64, len(row))
		for j := range lp {
			lp[j] = -1
		}
		out[i] = lp
	}
	return out
}

func (m *stubModel) ValueHeadDim() int     { return 1 }
func (m *stubModel) Parameters() []float64 { return m.params }
func (m *stubModel) Gradients() []float64  { return m.grads }
func (m *stubModel) ZeroGrad()             {}

// stubRuntime records every backward loss and saved checkpoint
type stubRuntime struct {
	backward []float64
	saved    []*training.Checkpoint
	updates  int
	lr       float64
}

func (r *stubRuntime) Rank() int        { return 0 }
func (r *stubRuntime) WorldSize() int   { return 1 }
func (r *stubRuntime) IsRankZero() bool { return true }

func (r *stubRuntime) Backward(ctx context.Context, loss float64, model training.TrainableModel) error {
	r.backward = append(r.backward, loss)
	return nil
}

func (r *stubRuntime) OptimizerStep(ctx context.Context, model training.TrainableModel) error {
	r.updates++
	return nil
}

func (r *stubRuntime) AllReduceMean(ctx context.Context, values map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func (r *stubRuntime) Barrier(ctx context.Context) error { return nil }

func (r *stubRuntime) SaveCheckpoint(ctx context.Context, ckpt *training.Checkpoint) error {
	r.saved = append(r.saved, ckpt)
	return nil
}

func (r *stubRuntime) LoadCheckpoint(ctx context.Context) (*training.Checkpoint, error) {
	return nil, nil
}

func (r *stubRuntime) LearningRate() float64 { return r.lr }
func (r *stubRuntime) SchedulerStep() int    { return r.updates }

// ============================================================================
// Fixtures
// ============================================================================

func testPair() training.PreferencePair {
	return training.PreferencePair{
		ChosenIDs:         []int64{5, 6},
		ChosenMask:        []float64{1, 1},
		RejectedIDs:       []int64{5, 7},
		RejectedMask:      []float64{1, 1},
		ChosenResponseLen: 1,
	}
}

func microBatches(n int) [][]training.PreferencePair {
	out := make([][]training.PreferencePair, n)
	for i := range out {
		out[i] = []training.PreferencePair{testPair()}
	}
	return out
}

func mustLoss(t *testing.T) PreferenceLoss {
	t.Helper()
	loss, err := ResolveLoss(LossConfig{ValueHeadDim: 1, Tau: 1, ComputeFP32: true}, nil)
	require.NoError(t, err)
	return loss
}

// the stub model with chosen=1, rejected=0 and tau=1 scores s=1 per pair
func expectedPairLoss() float64 {
	return -logSigmoid(1)
}

// ============================================================================
// Construction
// ============================================================================

func TestNewTrainer(t *testing.T) {
	model := newStubModel()
	deps := TrainerDeps{
		Model:     model,
		Trainable: model,
		Loss:      mustLoss(t),
		Assembler: NewConcatAssembler(0, false),
		Runtime:   &stubRuntime{},
		TrainData: &stubLoader{batches: microBatches(1)},
	}
	cfg := TrainerConfig{MaxEpochs: 1, TrainBatchSize: 1, AccumulatedGradient: 1, LoggingSteps: 1, EvalSteps: -1, SaveSteps: -1}

	t.Run("valid wiring", func(t *testing.T) {
		_, err := NewTrainer(cfg, deps)
		require.NoError(t, err)
	})

	t.Run("missing collaborator rejected", func(t *testing.T) {
		broken := deps
		broken.Runtime = nil
		_, err := NewTrainer(cfg, broken)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTrainInvalidConfig))
	})

	t.Run("aux coefficient without aux loss rejected", func(t *testing.T) {
		bad := cfg
		bad.AuxLossCoef = 0.5
		_, err := NewTrainer(bad, deps)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTrainInvalidConfig))
	})

	t.Run("invalid shape rejected", func(t *testing.T) {
		bad := cfg
		bad.MaxEpochs = 0
		_, err := NewTrainer(bad, deps)
		require.Error(t, err)
	})
}

// ============================================================================
// Fit
// ============================================================================

func TestTrainerEMA(t *testing.T) {
	model := newStubModel()
	runtime := &stubRuntime{lr: 1e-5}
	sink := training.NewMemorySink()
	loader := &stubLoader{batches: microBatches(2)}

	trainer, err := NewTrainer(TrainerConfig{
		MaxEpochs:           1,
		TrainBatchSize:      1,
		AccumulatedGradient: 1,
		LoggingSteps:        1,
		EvalSteps:           -1,
		SaveSteps:           -1,
	}, TrainerDeps{
		Model:     model,
		Trainable: model,
		Loss:      mustLoss(t),
		Assembler: NewConcatAssembler(0, false),
		Runtime:   runtime,
		TrainData: loader,
		Sink:      sink,
	})
	require.NoError(t, err)

	require.NoError(t, trainer.Fit(context.Background(), 0, 0))
	require.Len(t, sink.Train, 2)

	pairLoss := expectedPairLoss()

	t.Run("running means start at zero", func(t *testing.T) {
		first := sink.Train[0]
		assert.Equal(t, 1, first.GlobalStep)
		assert.InDelta(t, pairLoss, first.Metrics["loss"], 1e-9)
		assert.InDelta(t, 0.1*pairLoss, first.Metrics["loss_mean"], 1e-9)
		assert.InDelta(t, 1.0, first.Metrics["acc"], 1e-9)
		assert.InDelta(t, 0.1, first.Metrics["acc_mean"], 1e-9)
		assert.InDelta(t, 0.1*sigmoid(1), first.Metrics["prob_mean"], 1e-9)
		assert.InDelta(t, 1e-5, first.Metrics["lr"], 1e-12)
	})

	t.Run("second step decays the first", func(t *testing.T) {
		second := sink.Train[1]
		assert.Equal(t, 2, second.GlobalStep)
		assert.InDelta(t, 0.9*0.1*pairLoss+0.1*pairLoss, second.Metrics["loss_mean"], 1e-9)
		assert.InDelta(t, 0.19, second.Metrics["acc_mean"], 1e-9)
	})
}

func TestTrainerResume(t *testing.T) {
	model := newStubModel()
	runtime := &stubRuntime{}
	sink := training.NewMemorySink()
	loader := &stubLoader{batches: microBatches(5)}

	trainer, err := NewTrainer(TrainerConfig{
		MaxEpochs:           1,
		TrainBatchSize:      128,
		AccumulatedGradient: 5,
		LoggingSteps:        1,
		EvalSteps:           -1,
		SaveSteps:           1,
	}, TrainerDeps{
		Model:     model,
		Trainable: model,
		Loss:      mustLoss(t),
		Assembler: NewConcatAssembler(0, false),
		Runtime:   runtime,
		TrainData: loader,
		Sink:      sink,
	})
	require.NoError(t, err)

	// 5 prior optimizer updates at batch size 128
	require.NoError(t, trainer.Fit(context.Background(), 640, 50))

	t.Run("loader resumes mid-epoch", func(t *testing.T) {
		require.Len(t, loader.setEpochs, 1)
		assert.Equal(t, [2]int{0, 640}, loader.setEpochs[0])
	})

	t.Run("global step continues from the checkpoint", func(t *testing.T) {
		// micro-steps 26..30; only step 30 completes update 6
		require.Len(t, sink.Train, 1)
		assert.Equal(t, 6, sink.Train[0].GlobalStep)
	})

	t.Run("checkpoint carries derived consumed samples", func(t *testing.T) {
		require.Len(t, runtime.saved, 1)
		ckpt := runtime.saved[0]
		assert.Equal(t, "global_step6", ckpt.Tag)
		assert.Equal(t, 6, ckpt.GlobalStep)
		assert.Equal(t, 768, ckpt.ConsumedSamples)
		assert.Equal(t, 768, ckpt.ClientState["consumed_samples"])
	})
}

func TestTrainerCadence(t *testing.T) {
	t.Run("logging waits for a completed optimizer update", func(t *testing.T) {
		model := newStubModel()
		sink := training.NewMemorySink()
		loader := &stubLoader{batches: microBatches(4)}

		trainer, err := NewTrainer(TrainerConfig{
			MaxEpochs:           1,
			TrainBatchSize:      2,
			AccumulatedGradient: 2,
			LoggingSteps:        1,
			EvalSteps:           -1,
			SaveSteps:           -1,
		}, TrainerDeps{
			Model:     model,
			Trainable: model,
			Loss:      mustLoss(t),
			Assembler: NewConcatAssembler(0, false),
			Runtime:   &stubRuntime{},
			TrainData: loader,
			Sink:      sink,
		})
		require.NoError(t, err)

		require.NoError(t, trainer.Fit(context.Background(), 0, 0))

		// 4 micro-steps with accumulation 2 complete updates 1 and 2
		require.Len(t, sink.Train, 2)
		assert.Equal(t, 1, sink.Train[0].GlobalStep)
		assert.Equal(t, 2, sink.Train[1].GlobalStep)
	})

	t.Run("disabled checkpoints never fire", func(t *testing.T) {
		model := newStubModel()
		runtime := &stubRuntime{}
		loader := &stubLoader{batches: microBatches(3)}

		trainer, err := NewTrainer(TrainerConfig{
			MaxEpochs:           1,
			TrainBatchSize:      1,
			AccumulatedGradient: 1,
			LoggingSteps:        1,
			EvalSteps:           -1,
			SaveSteps:           -1,
		}, TrainerDeps{
			Model:     model,
			Trainable: model,
			Loss:      mustLoss(t),
			Assembler: NewConcatAssembler(0, false),
			Runtime:   runtime,
			TrainData: loader,
		})
		require.NoError(t, err)

		require.NoError(t, trainer.Fit(context.Background(), 0, 0))
		assert.Empty(t, runtime.saved)
	})

	t.Run("eval once per epoch by default", func(t *testing.T) {
		model := newStubModel()
		runtime := &stubRuntime{}
		sink := training.NewMemorySink()
		loss := mustLoss(t)
		assembler := NewConcatAssembler(0, false)

		evaluator, err := NewEvaluator(EvaluatorDeps{
			Model:     model,
			Loss:      loss,
			Assembler: assembler,
			Runtime:   runtime,
			EvalData:  &stubLoader{batches: microBatches(1)},
			Sink:      sink,
		})
		require.NoError(t, err)

		trainer, err := NewTrainer(TrainerConfig{
			MaxEpochs:           1,
			TrainBatchSize:      1,
			AccumulatedGradient: 1,
			LoggingSteps:        1,
			EvalSteps:           -1,
			SaveSteps:           -1,
		}, TrainerDeps{
			Model:     model,
			Trainable: model,
			Loss:      loss,
			Assembler: assembler,
			Runtime:   runtime,
			TrainData: &stubLoader{batches: microBatches(3)},
			Evaluator: evaluator,
			Sink:      sink,
		})
		require.NoError(t, err)

		require.NoError(t, trainer.Fit(context.Background(), 0, 0))

		require.Len(t, sink.Eval, 1)
		assert.Equal(t, 3, sink.Eval[0].GlobalStep)
		assert.InDelta(t, expectedPairLoss(), sink.Eval[0].Metrics["eval_loss_mean"], 1e-9)
	})
}

func TestTrainerAuxBlend(t *testing.T) {
	model := newStubModel()
	runtime := &stubRuntime{}
	auxLoss, err := ResolveAuxLoss("sft", 1.0, 0, false)
	require.NoError(t, err)

	trainer, err := NewTrainer(TrainerConfig{
		MaxEpochs:           1,
		TrainBatchSize:      1,
		AccumulatedGradient: 1,
		LoggingSteps:        1,
		EvalSteps:           -1,
		SaveSteps:           -1,
		AuxLossCoef:         0.5,
	}, TrainerDeps{
		Model:     model,
		Trainable: model,
		Loss:      mustLoss(t),
		AuxLoss:   auxLoss,
		Assembler: NewConcatAssembler(0, true),
		Runtime:   runtime,
		TrainData: &stubLoader{batches: microBatches(1)},
	})
	require.NoError(t, err)

	require.NoError(t, trainer.Fit(context.Background(), 0, 0))

	// the stub scores -1 per token; both chosen tokens count, so the
	// auxiliary loss is 2 and the blend is half of each term
	require.Len(t, runtime.backward, 1)
	assert.InDelta(t, 0.5*expectedPairLoss()+0.5*2.0, runtime.backward[0], 1e-9)
}

func TestTrainerCancellation(t *testing.T) {
	model := newStubModel()

	trainer, err := NewTrainer(TrainerConfig{
		MaxEpochs:           1,
		TrainBatchSize:      1,
		AccumulatedGradient: 1,
		LoggingSteps:        1,
		EvalSteps:           -1,
		SaveSteps:           -1,
	}, TrainerDeps{
		Model:     model,
		Trainable: model,
		Loss:      mustLoss(t),
		Assembler: NewConcatAssembler(0, false),
		Runtime:   &stubRuntime{},
		TrainData: &stubLoader{batches: microBatches(1)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = trainer.Fit(ctx, 0, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTrainRuntime))
}

// ============================================================================
// Helpers
// ============================================================================

func TestEffectiveMargins(t *testing.T) {
	batch := &training.ModelBatch{SplitIndex: 3, Margins: []float64{0.5, 0, 0.2}}

	t.Run("nil when margin loss is off", func(t *testing.T) {
		assert.Nil(t, effectiveMargins(batch, false, 1.0))
	})

	t.Run("fallback fills unset margins only", func(t *testing.T) {
		assert.Equal(t, []float64{0.5, 1.0, 0.2}, effectiveMargins(batch, true, 1.0))
	})

	t.Run("zero fallback keeps batch margins", func(t *testing.T) {
		assert.Equal(t, []float64{0.5, 0, 0.2}, effectiveMargins(batch, true, 0))
	})
}

func TestSplitLabels(t *testing.T) {
	t.Run("concatenated layout splits rows", func(t *testing.T) {
		batch := &training.ModelBatch{
			Kind:       training.BatchKindConcatenated,
			SplitIndex: 1,
			Labels:     [][]int64{{1, 2}, {3, 4}},
		}
		chosen, rejected, err := SplitLabels(batch)
		require.NoError(t, err)
		assert.Equal(t, [][]int64{{1, 2}}, chosen)
		assert.Equal(t, [][]int64{{3, 4}}, rejected)
	})

	t.Run("packed layout segments by sequence length", func(t *testing.T) {
		batch := &training.ModelBatch{
			Kind:         training.BatchKindPacked,
			SeqLens:      []int{2, 3},
			PackedLabels: []int64{1, 2, 3, 4, 5},
		}
		chosen, rejected, err := SplitLabels(batch)
		require.NoError(t, err)
		assert.Equal(t, [][]int64{{1, 2}}, chosen)
		assert.Equal(t, [][]int64{{3, 4, 5}}, rejected)
	})

	t.Run("unknown layout rejected", func(t *testing.T) {
		_, _, err := SplitLabels(&training.ModelBatch{Kind: training.BatchKind(99)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrDataBatchKind))
	})
}
