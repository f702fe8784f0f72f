package gpm

import (
	"context"
	"time"

	"github.com/deep-alignment/OpenRLHF/internal/observability/logging"
	"github.com/deep-alignment/OpenRLHF/internal/observability/metrics"
	"github.com/deep-alignment/OpenRLHF/internal/observability/trace"
	"github.com/deep-alignment/OpenRLHF/internal/platform/training"
	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

// ============================================================================
// Evaluator
// ============================================================================

// Evaluator runs gradient-free passes over the evaluation set with the
// same loss and batch layout as training.
type Evaluator struct {
	model     training.RewardModel
	loss      PreferenceLoss
	assembler training.BatchAssembler
	runtime   training.DistributedRuntime
	loader    training.DataLoader
	sink      training.TrackerSink

	marginLoss   bool
	rewardMargin float64
	jobID        string

	logger    logging.Logger
	tracer    trace.Tracer
	collector *metrics.Collector
}

// EvaluatorDeps carries the evaluator's collaborators
type EvaluatorDeps struct {
	Model     training.RewardModel
	Loss      PreferenceLoss
	Assembler training.BatchAssembler
	Runtime   training.DistributedRuntime
	EvalData  training.DataLoader
	Sink      training.TrackerSink
	Logger    logging.Logger
	Tracer    trace.Tracer
	Collector *metrics.Collector

	MarginLoss   bool
	RewardMargin float64
	JobID        string
}

// NewEvaluator wires an evaluator
func NewEvaluator(deps EvaluatorDeps) (*Evaluator, error) {
	if deps.Model == nil || deps.Loss == nil || deps.Assembler == nil ||
		deps.Runtime == nil || deps.EvalData == nil {
		return nil, errors.New(errors.ErrTrainInvalidConfig, "missing evaluator collaborator")
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

	return &Evaluator{
		model:        deps.Model,
		loss:         deps.Loss,
		assembler:    deps.Assembler,
		runtime:      deps.Runtime,
		loader:       deps.EvalData,
		sink:         sink,
		marginLoss:   deps.MarginLoss,
		rewardMargin: deps.RewardMargin,
		jobID:        deps.JobID,
		logger:       logger,
		tracer:       tracer,
		collector:    deps.Collector,
	}, nil
}

// Run evaluates the full eval set and ships the metrics. It returns the
// all-reduced mean eval loss. An empty eval set is an error; callers
// decide whether to evaluate, the evaluator never divides by zero.
func (e *Evaluator) Run(ctx context.Context, globalStep int) (float64, error) {
	ctx, span := e.tracer.Start(ctx, "Evaluator.Run")
	defer span.End()
	trace.SetStep(span, globalStep, 0)

	n := e.loader.Len()
	if n == 0 {
		err := errors.New(errors.ErrDataEmptyEvalSet, "")
		trace.RecordError(span, err)
		return 0, err
	}

	start := time.Now()
	var lossSum, probSum float64
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), errors.ErrTrainRuntime, "evaluation interrupted")
		default:
		}

		pairs, err := e.loader.Batch(i)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrDataBatchShape, "failed to load eval micro-batch")
		}
		batch, err := e.assembler.Assemble(pairs)
		if err != nil {
			return 0, err
		}

		out, err := e.model.Forward(ctx, batch, training.ForwardOptions{
			ReturnPromptHidden: e.loss.NeedsPromptHidden(),
		})
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrTrainForward, "")
		}

		batchLoss, probs, err := e.loss.Compute(out.ChosenValues, out.RejectedValues, out.PromptHidden, effectiveMargins(batch, e.marginLoss, e.rewardMargin))
		if err != nil {
			return 0, err
		}

		lossSum += batchLoss
		probSum += MeanProb(probs)
	}

	local := training.EvalMetrics{
		LossMean: lossSum / float64(n),
		ProbMean: probSum / float64(n),
	}
	reduced, err := e.runtime.AllReduceMean(ctx, local.Map())
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrTrainRuntime, "eval metric reduction failed")
	}

	if err := e.sink.LogEval(globalStep, reduced); err != nil {
		e.logger.Warn("tracker emit failed", logging.Error(err), logging.Int("global_step", globalStep))
	}
	if e.collector != nil {
		labels := map[string]string{"job_id": e.jobID}
		e.collector.Set("eval_loss_mean", reduced["eval_loss_mean"], labels)
		e.collector.Set("eval_prob_mean", reduced["prob_mean"], labels)
		e.collector.Observe("eval_duration_seconds", time.Since(start).Seconds(), labels)
	}

	e.logger.Info("evaluation finished",
		logging.Int("global_step", globalStep),
		logging.Float64("eval_loss_mean", reduced["eval_loss_mean"]),
		logging.Float64("prob_mean", reduced["prob_mean"]),
		logging.Duration("elapsed", time.Since(start)),
	)

	return reduced["eval_loss_mean"], nil
}
