package gpm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/deep-alignment/OpenRLHF/internal/observability/logging"
	"github.com/deep-alignment/OpenRLHF/internal/observability/metrics"
	"github.com/deep-alignment/OpenRLHF/internal/observability/trace"
	"github.com/deep-alignment/OpenRLHF/internal/platform/training"
	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

// emaDecay smooths the running loss/acc/prob means: m = 0.9m + 0.1x.
const emaDecay = 0.9

// ============================================================================
// Trainer Configuration
// ============================================================================

// TrainerConfig fixes the training loop shape at construction
type TrainerConfig struct {
	// MaxEpochs is the number of passes over the training set
	MaxEpochs int

	// TrainBatchSize is the global batch size per optimizer update
	TrainBatchSize int

	// AccumulatedGradient is the number of micro-batches per update
	AccumulatedGradient int

	// LoggingSteps is the global-step interval between metric emissions
	LoggingSteps int

	// EvalSteps is the global-step interval between evaluation passes;
	// -1 evaluates once per epoch
	EvalSteps int

	// SaveSteps is the global-step interval between checkpoints;
	// -1 disables mid-run checkpoints
	SaveSteps int

	// AuxLossCoef blends the auxiliary loss; zero skips the aux pass
	AuxLossCoef float64

	// MarginLoss enables per-pair margins in the preference loss
	MarginLoss bool

	// RewardMargin is the fallback margin when pairs carry none
	RewardMargin float64

	// SaveBestModel retains the checkpoint with the lowest eval loss
	SaveBestModel bool

	// JobID labels metrics
	JobID string
}

func (c TrainerConfig) validate() error {
	if c.MaxEpochs < 1 {
		return errors.Newf(errors.ErrTrainInvalidConfig, "max epochs must be >= 1, got %d", c.MaxEpochs)
	}
	if c.TrainBatchSize < 1 {
		return errors.Newf(errors.ErrTrainInvalidConfig, "train batch size must be >= 1, got %d", c.TrainBatchSize)
	}
	if c.AccumulatedGradient < 1 {
		return errors.Newf(errors.ErrTrainInvalidConfig, "accumulated gradient must be >= 1, got %d", c.AccumulatedGradient)
	}
	if c.LoggingSteps < 1 {
		return errors.Newf(errors.ErrTrainInvalidConfig, "logging steps must be >= 1, got %d", c.LoggingSteps)
	}
	if c.AuxLossCoef < 0 || c.AuxLossCoef > 1 {
		return errors.Newf(errors.ErrTrainInvalidConfig, "aux loss coefficient must be in [0,1], got %v", c.AuxLossCoef)
	}
	return nil
}

// ============================================================================
// Trainer
// ============================================================================

// Trainer runs the preference-model training loop. It owns the mutable
// step/EMA state; collaborators are injected and never re-dispatched.
type Trainer struct {
	cfg TrainerConfig

	model     training.RewardModel
	trainable training.TrainableModel
	loss      PreferenceLoss
	auxLoss   AuxLoss
	assembler training.BatchAssembler
	runtime   training.DistributedRuntime
	loader    training.DataLoader
	evaluator *Evaluator
	sink      training.TrackerSink

	logger    logging.Logger
	tracer    trace.Tracer
	collector *metrics.Collector

	// EMA state, reset only at process start
	lossMean float64
	accMean  float64
	probMean float64

	bestEvalLoss float64
	hasBestEval  bool
}

// TrainerDeps carries the trainer's collaborators
type TrainerDeps struct {
	Model     training.RewardModel
	Trainable training.TrainableModel
	Loss      PreferenceLoss
	AuxLoss   AuxLoss
	Assembler training.BatchAssembler
	Runtime   training.DistributedRuntime
	TrainData training.DataLoader
	Evaluator *Evaluator
	Sink      training.TrackerSink
	Logger    logging.Logger
	Tracer    trace.Tracer
	Collector *metrics.Collector
}

// NewTrainer validates the configuration and wires the loop. Preference
// and auxiliary losses are resolved before this point; construction
// fails rather than deferring errors into the loop.
func NewTrainer(cfg TrainerConfig, deps TrainerDeps) (*Trainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Model == nil || deps.Trainable == nil || deps.Loss == nil ||
		deps.Assembler == nil || deps.Runtime == nil || deps.TrainData == nil {
		return nil, errors.New(errors.ErrTrainInvalidConfig, "missing trainer collaborator")
	}
	if cfg.AuxLossCoef > 0 && deps.AuxLoss == nil {
		return nil, errors.New(errors.ErrTrainInvalidConfig, "auxiliary loss coefficient set without an auxiliary loss")
	}

	sink := deps.Sink
	if sink == nil {
		sink = training.NewNoopSink()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}

	auxLoss := deps.AuxLoss
	if cfg.AuxLossCoef == 0 {
		auxLoss = nil
	}

	return &Trainer{
		cfg:       cfg,
		model:     deps.Model,
		trainable: deps.Trainable,
		loss:      deps.Loss,
		auxLoss:   auxLoss,
		assembler: deps.Assembler,
		runtime:   deps.Runtime,
		loader:    deps.TrainData,
		evaluator: deps.Evaluator,
		sink:      sink,
		logger:    logger,
		tracer:    tracer,
		collector: deps.Collector,
	}, nil
}

// ============================================================================
// Fit
// ============================================================================

// Fit runs the training loop. consumedSamples resumes from a prior
// checkpoint (0 for a fresh run); numUpdateStepsPerEpoch may be 0 to
// derive it from the loader length.
func (t *Trainer) Fit(ctx context.Context, consumedSamples int, numUpdateStepsPerEpoch int) error {
	ctx, span := t.tracer.Start(ctx, "Trainer.Fit")
	defer span.End()

	if numUpdateStepsPerEpoch <= 0 {
		t.loader.SetEpoch(0, 0)
		numUpdateStepsPerEpoch = t.loader.Len() / t.cfg.AccumulatedGradient
		if numUpdateStepsPerEpoch < 1 {
			numUpdateStepsPerEpoch = 1
		}
	}

	evalSteps := t.cfg.EvalSteps
	if evalSteps == -1 {
		evalSteps = numUpdateStepsPerEpoch
	}
	saveSteps := t.cfg.SaveSteps
	if saveSteps == -1 {
		saveSteps = math.MaxInt
	}

	batchSize := t.cfg.TrainBatchSize
	accum := t.cfg.AccumulatedGradient
	step := consumedSamples/batchSize*accum + 1
	startEpoch := consumedSamples / batchSize / numUpdateStepsPerEpoch

	t.logger.WithContext(ctx).Info("starting training",
		logging.Int("start_epoch", startEpoch),
		logging.Int("max_epochs", t.cfg.MaxEpochs),
		logging.Int("consumed_samples", consumedSamples),
		logging.Int("updates_per_epoch", numUpdateStepsPerEpoch),
		logging.String("loss", t.loss.Kind().String()),
		logging.String("layout", t.assembler.Kind().String()),
	)

	for epoch := startEpoch; epoch < t.cfg.MaxEpochs; epoch++ {
		offset := 0
		if epoch == startEpoch {
			offset = consumedSamples % (numUpdateStepsPerEpoch * batchSize)
		}
		t.loader.SetEpoch(epoch, offset)

		n := t.loader.Len()
		for i := 0; i < n; i++ {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.ErrTrainRuntime, "training interrupted")
			default:
			}

			start := time.Now()
			snapshot, err := t.trainStep(ctx, i, epoch)
			if err != nil {
				return err
			}
			t.observeStepDuration(time.Since(start))

			if err := t.stepCadence(ctx, step, snapshot, evalSteps, saveSteps); err != nil {
				return err
			}
			step++
		}

		t.countEpoch()
		t.logger.WithContext(ctx).Info("epoch finished", logging.Int("epoch", epoch))
	}

	return nil
}

// trainStep consumes one micro-batch: assemble, forward, loss, EMA,
// backward, optimizer.
func (t *Trainer) trainStep(ctx context.Context, batchIndex, epoch int) (training.StepMetrics, error) {
	var zero training.StepMetrics

	pairs, err := t.loader.Batch(batchIndex)
	if err != nil {
		return zero, errors.Wrap(err, errors.ErrDataBatchShape, "failed to load micro-batch")
	}
	batch, err := t.assembler.Assemble(pairs)
	if err != nil {
		return zero, err
	}

	out, err := t.model.Forward(ctx, batch, training.ForwardOptions{
		ReturnPromptHidden: t.loss.NeedsPromptHidden(),
		ReturnLogProbs:     t.auxLoss != nil,
	})
	if err != nil {
		return zero, errors.Wrap(err, errors.ErrTrainForward, "")
	}

	prefLoss, probs, err := t.loss.Compute(out.ChosenValues, out.RejectedValues, out.PromptHidden, effectiveMargins(batch, t.cfg.MarginLoss, t.cfg.RewardMargin))
	if err != nil {
		return zero, err
	}

	var aux float64
	if t.auxLoss != nil {
		aux, err = t.computeAuxLoss(batch, out)
		if err != nil {
			return zero, err
		}
	}
	total := Blend(prefLoss, aux, t.cfg.AuxLossCoef)

	if err := t.runtime.Backward(ctx, total, t.trainable); err != nil {
		return zero, errors.Wrap(err, errors.ErrTrainRuntime, "backward failed")
	}
	if err := t.runtime.OptimizerStep(ctx, t.trainable); err != nil {
		return zero, errors.Wrap(err, errors.ErrTrainRuntime, "optimizer step failed")
	}

	acc := Accuracy(probs)
	prob := MeanProb(probs)
	t.lossMean = emaDecay*t.lossMean + (1-emaDecay)*prefLoss
	t.accMean = emaDecay*t.accMean + (1-emaDecay)*acc
	t.probMean = emaDecay*t.probMean + (1-emaDecay)*prob

	return training.StepMetrics{
		Loss:         prefLoss,
		LossMean:     t.lossMean,
		Acc:          acc,
		AccMean:      t.accMean,
		Prob:         prob,
		ProbMean:     t.probMean,
		LearningRate: t.runtime.LearningRate(),
		AuxLoss:      aux,
	}, nil
}

// computeAuxLoss splits labels and log-probs into chosen/rejected halves
// and scores the auxiliary objective
func (t *Trainer) computeAuxLoss(batch *training.ModelBatch, out *training.ForwardOutput) (float64, error) {
	chosenLabels, rejectedLabels, err := SplitLabels(batch)
	if err != nil {
		return 0, err
	}
	if !t.auxLoss.NeedsRejected() {
		return t.auxLoss.Compute(out.ChosenLogProbs, chosenLabels, nil, nil)
	}
	return t.auxLoss.Compute(out.ChosenLogProbs, chosenLabels, out.RejectedLogProbs, rejectedLabels)
}

// ============================================================================
// Cadence: Logging, Evaluation, Checkpointing
// ============================================================================

// stepCadence fires logging, evaluation and checkpointing when a
// micro-batch step completes an optimizer update.
func (t *Trainer) stepCadence(ctx context.Context, step int, snapshot training.StepMetrics, evalSteps, saveSteps int) error {
	if step%t.cfg.AccumulatedGradient != 0 {
		return nil
	}
	globalStep := step / t.cfg.AccumulatedGradient

	if globalStep%t.cfg.LoggingSteps == 0 {
		reduced, err := t.runtime.AllReduceMean(ctx, snapshot.Map())
		if err != nil {
			return errors.Wrap(err, errors.ErrTrainRuntime, "metric reduction failed")
		}
		if err := t.sink.LogTrain(globalStep, reduced); err != nil {
			t.logger.Warn("tracker emit failed", logging.Error(err), logging.Int("global_step", globalStep))
		}
		t.publishTrainMetrics(globalStep, reduced)
	}

	if evalSteps > 0 && globalStep%evalSteps == 0 && t.evaluator != nil {
		evalLoss, err := t.evaluator.Run(ctx, globalStep)
		if err != nil {
			return err
		}
		t.trackBestEval(ctx, globalStep, evalLoss)
	}

	if globalStep%saveSteps == 0 {
		if err := t.saveCheckpoint(ctx, globalStep); err != nil {
			return err
		}
	}
	return nil
}

// saveCheckpoint persists state under the global-step tag. Consumed
// samples are derived from the step so resume arithmetic is exact.
func (t *Trainer) saveCheckpoint(ctx context.Context, globalStep int) error {
	ctx, span := t.tracer.Start(ctx, "Trainer.SaveCheckpoint")
	defer span.End()
	trace.SetStep(span, globalStep, 0)

	consumed := globalStep * t.cfg.TrainBatchSize
	start := time.Now()

	ckpt := &training.Checkpoint{
		Tag:             fmt.Sprintf("global_step%d", globalStep),
		GlobalStep:      globalStep,
		ConsumedSamples: consumed,
		Parameters:      t.trainable.Parameters(),
		SchedulerStep:   t.runtime.SchedulerStep(),
		ClientState:     map[string]int{"consumed_samples": consumed},
	}
	if err := t.runtime.SaveCheckpoint(ctx, ckpt); err != nil {
		trace.RecordError(span, err)
		return errors.Wrap(err, errors.ErrCheckpointSave, "").WithDetails("tag", ckpt.Tag)
	}

	t.logger.Info("checkpoint saved",
		logging.String("tag", ckpt.Tag),
		logging.Int("consumed_samples", consumed),
		logging.Duration("elapsed", time.Since(start)),
	)
	if t.collector != nil {
		t.collector.Increment("checkpoints_saved_total", map[string]string{"job_id": t.cfg.JobID})
		t.collector.Observe("checkpoint_save_duration_seconds", time.Since(start).Seconds(), map[string]string{"job_id": t.cfg.JobID})
	}
	return nil
}

// trackBestEval keeps the lowest eval loss and re-saves its checkpoint
// when best-model retention is on
func (t *Trainer) trackBestEval(ctx context.Context, globalStep int, evalLoss float64) {
	if !t.hasBestEval || evalLoss < t.bestEvalLoss {
		t.bestEvalLoss = evalLoss
		t.hasBestEval = true
		if t.cfg.SaveBestModel && t.runtime.IsRankZero() {
			t.logger.Info("new best eval loss",
				logging.Float64("eval_loss", evalLoss),
				logging.Int("global_step", globalStep),
			)
			if err := t.saveCheckpoint(ctx, globalStep); err != nil {
				t.logger.Warn("best-model checkpoint failed", logging.Error(err))
			}
		}
	}
}

// ============================================================================
// Prometheus Publication
// ============================================================================

func (t *Trainer) publishTrainMetrics(globalStep int, reduced map[string]float64) {
	if t.collector == nil {
		return
	}
	labels := map[string]string{"job_id": t.cfg.JobID}
	t.collector.Set("train_loss", reduced["loss"], labels)
	t.collector.Set("train_loss_mean", reduced["loss_mean"], labels)
	t.collector.Set("train_acc", reduced["acc"], labels)
	t.collector.Set("train_acc_mean", reduced["acc_mean"], labels)
	t.collector.Set("train_prob_mean", reduced["prob_mean"], labels)
	t.collector.Set("train_learning_rate", reduced["lr"], labels)
	t.collector.Set("train_global_step", float64(globalStep), labels)
}

func (t *Trainer) observeStepDuration(d time.Duration) {
	if t.collector == nil {
		return
	}
	t.collector.Observe("train_step_duration_seconds", d.Seconds(), map[string]string{"job_id": t.cfg.JobID})
	t.collector.Increment("micro_batches_total", map[string]string{"job_id": t.cfg.JobID})
}

func (t *Trainer) countEpoch() {
	if t.collector == nil {
		return
	}
	t.collector.Increment("epochs_completed_total", map[string]string{"job_id": t.cfg.JobID})
}

// ============================================================================
// Helpers
// ============================================================================

// effectiveMargins returns the margins fed to the preference loss: nil
// when margin loss is off, the batch margins otherwise, with the
// constant fallback filling pairs that carry none.
func effectiveMargins(batch *training.ModelBatch, marginLoss bool, fallback float64) []float64 {
	if !marginLoss {
		return nil
	}
	margins := make([]float64, batch.PairCount())
	copy(margins, batch.Margins)
	if fallback != 0 {
		for i := range margins {
			if margins[i] == 0 {
				margins[i] = fallback
			}
		}
	}
	return margins
}

// SplitLabels returns per-sequence label rows for the chosen and
// rejected halves of an assembled batch, segmenting packed labels by
// sequence length.
func SplitLabels(batch *training.ModelBatch) ([][]int64, [][]int64, error) {
	switch batch.Kind {
	case training.BatchKindConcatenated:
		if len(batch.Labels) < 2*batch.SplitIndex {
			return nil, nil, errors.Newf(errors.ErrDataBatchShape, "label rows %d, want %d", len(batch.Labels), 2*batch.SplitIndex)
		}
		return batch.Labels[:batch.SplitIndex], batch.Labels[batch.SplitIndex : 2*batch.SplitIndex], nil

	case training.BatchKindPacked:
		split, err := SplitPacked(batch.SeqLens)
		if err != nil {
			return nil, nil, err
		}
		rows := make([][]int64, 0, len(batch.SeqLens))
		pos := 0
		for _, length := range batch.SeqLens {
			if pos+length > len(batch.PackedLabels) {
				return nil, nil, errors.New(errors.ErrDataBatchShape, "packed labels shorter than sequence lengths")
			}
			rows = append(rows, batch.PackedLabels[pos:pos+length])
			pos += length
		}
		return rows[:split], rows[split:], nil

	default:
		return nil, nil, errors.Newf(errors.ErrDataBatchKind, "unknown batch kind %d", batch.Kind)
	}
}
