package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deep-alignment/OpenRLHF/internal/infrastructure/storage"
	"github.com/deep-alignment/OpenRLHF/internal/observability/logging"
	"github.com/deep-alignment/OpenRLHF/internal/platform/training"
	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

const checkpointTagPrefix = "global_step"

// ============================================================================
// Runtime Configuration
// ============================================================================

// RuntimeConfig shapes the in-process runtime
type RuntimeConfig struct {
	// Rank and WorldSize describe the (single-process) group
	Rank      int
	WorldSize int

	// AccumulatedGradient is the number of micro-batches per update
	AccumulatedGradient int

	// Optimizer settings
	LearningRate float64
	AdamBetas    [2]float64
	L2           float64
	MaxNorm      float64

	// Scheduler settings
	TotalSteps  int
	WarmupRatio float64
	MinLRRatio  float64

	// CkptDir is the local checkpoint directory
	CkptDir string

	// MaxCkptNum bounds retained checkpoints; older tags are pruned
	MaxCkptNum int

	// Store optionally mirrors checkpoints to object storage
	Store         storage.ObjectStore
	Bucket        string
	UploadTimeout time.Duration
}

// ============================================================================
// Local Runtime
// ============================================================================

// backpropagator is the gradient surface the local runtime drives; the
// in-process models compute their own gradients
type backpropagator interface {
	Backward(loss float64)
}

// Runtime is a single-rank DistributedRuntime: AdamW over flat
// parameters, identity collectives, JSON checkpoints on disk with an
// optional object-storage mirror.
type Runtime struct {
	cfg       RuntimeConfig
	optimizer *AdamW
	scheduler *CosineScheduler
	logger    logging.Logger

	microStep int
}

// NewRuntime wires the optimizer and scheduler
func NewRuntime(cfg RuntimeConfig, logger logging.Logger) (*Runtime, error) {
	if cfg.WorldSize < 1 {
		cfg.WorldSize = 1
	}
	if cfg.AccumulatedGradient < 1 {
		cfg.AccumulatedGradient = 1
	}
	if cfg.LearningRate <= 0 {
		return nil, errors.Newf(errors.ErrTrainInvalidConfig, "learning rate must be positive, got %v", cfg.LearningRate)
	}
	if cfg.TotalSteps < 1 {
		cfg.TotalSteps = 1
	}
	if cfg.MinLRRatio == 0 {
		cfg.MinLRRatio = 0.1
	}
	if cfg.MaxCkptNum < 1 {
		cfg.MaxCkptNum = 3
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	return &Runtime{
		cfg:       cfg,
		optimizer: NewAdamW(cfg.AdamBetas, 0, cfg.L2),
		scheduler: NewCosineScheduler(cfg.LearningRate, cfg.TotalSteps, cfg.WarmupRatio, cfg.MinLRRatio),
		logger:    logger,
	}, nil
}

// Rank returns this process's rank
func (r *Runtime) Rank() int { return r.cfg.Rank }

// WorldSize returns the process group size
func (r *Runtime) WorldSize() int { return r.cfg.WorldSize }

// IsRankZero reports whether this process handles logging and saving
func (r *Runtime) IsRankZero() bool { return r.cfg.Rank == 0 }

// Backward delegates gradient computation to the model
func (r *Runtime) Backward(ctx context.Context, loss float64, model training.TrainableModel) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	bp, ok := model.(backpropagator)
	if !ok {
		return errors.New(errors.ErrTrainRuntime, "model does not expose a backward pass")
	}
	bp.Backward(loss)
	return nil
}

// OptimizerStep counts micro-batches and applies one AdamW update with
// gradient clipping every AccumulatedGradient calls
func (r *Runtime) OptimizerStep(ctx context.Context, model training.TrainableModel) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.microStep++
	if r.microStep%r.cfg.AccumulatedGradient != 0 {
		return nil
	}

	grads := model.Gradients()
	if r.cfg.AccumulatedGradient > 1 {
		scale := 1 / float64(r.cfg.AccumulatedGradient)
		for i := range grads {
			grads[i] *= scale
		}
	}
	ClipGradNorm(grads, r.cfg.MaxNorm)

	lr := r.scheduler.Step()
	r.optimizer.Step(model.Parameters(), grads, lr)
	model.ZeroGrad()
	return nil
}

// AllReduceMean is the identity for a single-rank group
func (r *Runtime) AllReduceMean(ctx context.Context, values map[string]float64) (map[string]float64, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	out := make(map[string]float64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

// Barrier is a no-op for a single-rank group
func (r *Runtime) Barrier(ctx context.Context) error {
	return ctx.Err()
}

// LearningRate returns the scheduler's current learning rate
func (r *Runtime) LearningRate() float64 { return r.scheduler.LR() }

// SchedulerStep returns the scheduler's step counter
func (r *Runtime) SchedulerStep() int { return r.scheduler.StepCount() }

// ============================================================================
// Checkpoints
// ============================================================================

// checkpointMeta is the human-readable sidecar written next to the state
type checkpointMeta struct {
	Tag             string    `yaml:"tag"`
	GlobalStep      int       `yaml:"global_step"`
	ConsumedSamples int       `yaml:"consumed_samples"`
	SchedulerStep   int       `yaml:"scheduler_step"`
	SavedAt         time.Time `yaml:"saved_at"`
}

// SaveCheckpoint writes state.json and metadata.yaml under the tag
// directory, prunes old tags, and mirrors to object storage when
// configured. Only rank zero writes.
func (r *Runtime) SaveCheckpoint(ctx context.Context, ckpt *training.Checkpoint) error {
	if !r.IsRankZero() {
		return nil
	}

	ckpt.OptimizerState = r.optimizer.State()

	dir := filepath.Join(r.cfg.CkptDir, ckpt.Tag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrCheckpointSave, "failed to create checkpoint directory")
	}

	stateData, err := json.Marshal(ckpt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCheckpointSave, "failed to encode checkpoint")
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), stateData, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrCheckpointSave, "failed to write checkpoint state")
	}

	meta := checkpointMeta{
		Tag:             ckpt.Tag,
		GlobalStep:      ckpt.GlobalStep,
		ConsumedSamples: ckpt.ConsumedSamples,
		SchedulerStep:   ckpt.SchedulerStep,
		SavedAt:         time.Now().UTC(),
	}
	metaData, err := yaml.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrCheckpointSave, "failed to encode checkpoint metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.yaml"), metaData, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrCheckpointSave, "failed to write checkpoint metadata")
	}

	if err := r.pruneCheckpoints(); err != nil {
		r.logger.Warn("checkpoint pruning failed", logging.Error(err))
	}

	if r.cfg.Store != nil {
		if err := r.uploadCheckpoint(ctx, ckpt.Tag, stateData, metaData); err != nil {
			r.logger.Warn("checkpoint upload failed", logging.Error(err), logging.String("tag", ckpt.Tag))
		}
	}
	return nil
}

// LoadCheckpoint restores the highest-step checkpoint under CkptDir,
// rehydrating optimizer and scheduler state. (nil, nil) when none exist.
func (r *Runtime) LoadCheckpoint(ctx context.Context) (*training.Checkpoint, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	tags, err := r.listCheckpointTags()
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, nil
	}
	latest := tags[len(tags)-1]

	data, err := os.ReadFile(filepath.Join(r.cfg.CkptDir, latest, "state.json"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCheckpointLoad, "failed to read checkpoint state").WithDetails("tag", latest)
	}
	var ckpt training.Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, errors.Wrap(err, errors.ErrCheckpointLoad, "failed to decode checkpoint").WithDetails("tag", latest)
	}

	if ckpt.OptimizerState != nil {
		r.optimizer.LoadState(ckpt.OptimizerState)
	}
	r.scheduler.SetStep(ckpt.SchedulerStep)
	r.microStep = ckpt.SchedulerStep * r.cfg.AccumulatedGradient

	r.logger.Info("checkpoint loaded",
		logging.String("tag", ckpt.Tag),
		logging.Int("consumed_samples", ckpt.ClientState["consumed_samples"]),
	)
	return &ckpt, nil
}

// listCheckpointTags returns the tag directories sorted by global step
func (r *Runtime) listCheckpointTags() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.CkptDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrCheckpointLoad, "failed to list checkpoint directory")
	}

	type tagged struct {
		name string
		step int
	}
	var tags []tagged
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), checkpointTagPrefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), checkpointTagPrefix))
		if err != nil {
			continue
		}
		tags = append(tags, tagged{name: entry.Name(), step: step})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].step < tags[j].step })

	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.name
	}
	return names, nil
}

// pruneCheckpoints removes the oldest tags beyond MaxCkptNum
func (r *Runtime) pruneCheckpoints() error {
	tags, err := r.listCheckpointTags()
	if err != nil {
		return err
	}
	for len(tags) > r.cfg.MaxCkptNum {
		victim := tags[0]
		tags = tags[1:]
		if err := os.RemoveAll(filepath.Join(r.cfg.CkptDir, victim)); err != nil {
			return err
		}
		r.logger.Debug("pruned checkpoint", logging.String("tag", victim))
	}
	return nil
}

// uploadCheckpoint mirrors the tag's files to object storage
func (r *Runtime) uploadCheckpoint(ctx context.Context, tag string, stateData, metaData []byte) error {
	uploadCtx, cancel := context.WithTimeout(ctx, r.cfg.UploadTimeout)
	defer cancel()

	for name, data := range map[string][]byte{
		"state.json":    stateData,
		"metadata.yaml": metaData,
	} {
		_, err := r.cfg.Store.PutObject(uploadCtx, &storage.PutObjectRequest{
			Bucket:      r.cfg.Bucket,
			Key:         fmt.Sprintf("checkpoints/%s/%s", tag, name),
			Body:        bytes.NewReader(data),
			Size:        int64(len(data)),
			ContentType: "application/octet-stream",
		})
		if err != nil {
			return err
		}
	}
	return nil
}
