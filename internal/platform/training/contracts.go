package training

import (
	"context"
)

// ============================================================================
// Model Contracts
// ============================================================================

// RewardModel scores assembled batches. Implementations own the backbone
// and the value head; the trainer only sees reward vectors.
type RewardModel interface {
	// Forward scores one assembled batch
	Forward(ctx context.Context, batch *ModelBatch, opts ForwardOptions) (*ForwardOutput, error)

	// ValueHeadDim reports the reward vector length per sequence
	ValueHeadDim() int
}

// PromptGater projects prompt hidden states to gating coefficients for
// the mixture-of-experts preference loss. Models without a prompt head
// return false from HasPromptHead.
type PromptGater interface {
	// HasPromptHead reports whether the gating projection exists
	HasPromptHead() bool

	// GateLogits projects a prompt hidden state to one logit per
	// 2-D reward sub-block
	GateLogits(hidden []float64) ([]float64, error)
}

// TrainableModel exposes the parameter surface the local runtime
// optimizes. Parameters and gradients are flat float64 vectors.
type TrainableModel interface {
	// Parameters returns the flat parameter vector (live, not a copy)
	Parameters() []float64

	// Gradients returns the flat gradient vector accumulated since the
	// last ZeroGrad (live, not a copy)
	Gradients() []float64

	// ZeroGrad clears accumulated gradients
	ZeroGrad()
}

// Tokenizer converts between text and token ids
type Tokenizer interface {
	// Encode tokenizes text, optionally appending the end-of-sequence token
	Encode(text string, addEOS bool) []int64

	// Decode renders token ids back to text
	Decode(ids []int64) string

	// PadID returns the padding token id
	PadID() int64

	// EOSID returns the end-of-sequence token id
	EOSID() int64
}

// ============================================================================
// Distributed Runtime
// ============================================================================

// Checkpoint is the durable training state written at save boundaries
type Checkpoint struct {
	// Tag names the checkpoint directory (e.g. "global_step40")
	Tag string `json:"tag"`

	// GlobalStep is the number of completed optimizer updates
	GlobalStep int `json:"global_step"`

	// ConsumedSamples counts globally consumed training samples
	ConsumedSamples int `json:"consumed_samples"`

	// Parameters is the flat model parameter vector
	Parameters []float64 `json:"parameters"`

	// OptimizerState carries optimizer moment vectors
	OptimizerState map[string][]float64 `json:"optimizer_state,omitempty"`

	// SchedulerStep is the scheduler's step counter
	SchedulerStep int `json:"scheduler_step"`

	// ClientState carries opaque trainer state (consumed_samples lives
	// here for resume arithmetic)
	ClientState map[string]int `json:"client_state"`
}

// DistributedRuntime is the boundary between the training loop and the
// execution engine. The loop never touches gradients, collectives, or
// checkpoint files directly.
type DistributedRuntime interface {
	// Rank returns this process's rank
	Rank() int

	// WorldSize returns the process group size
	WorldSize() int

	// IsRankZero reports whether this process handles logging and saving
	IsRankZero() bool

	// Backward computes gradients of the scalar loss
	Backward(ctx context.Context, loss float64, model TrainableModel) error

	// OptimizerStep applies one optimizer update with gradient clipping,
	// advances the scheduler, and zeroes gradients
	OptimizerStep(ctx context.Context, model TrainableModel) error

	// AllReduceMean averages metric values across the process group
	AllReduceMean(ctx context.Context, values map[string]float64) (map[string]float64, error)

	// Barrier blocks until all processes arrive
	Barrier(ctx context.Context) error

	// SaveCheckpoint persists training state under the given tag
	SaveCheckpoint(ctx context.Context, ckpt *Checkpoint) error

	// LoadCheckpoint restores the most recent checkpoint, or returns
	// (nil, nil) when none exists
	LoadCheckpoint(ctx context.Context) (*Checkpoint, error)

	// LearningRate returns the scheduler's current learning rate
	LearningRate() float64

	// SchedulerStep returns the scheduler's step counter
	SchedulerStep() int
}

// ============================================================================
// Data Contracts
// ============================================================================

// DataLoader yields preference pairs in micro-batches. Iteration order
// is the loader's contract; the trainer consumes batches as given.
type DataLoader interface {
	// Len returns the number of micro-batches per epoch
	Len() int

	// Batch returns the i-th micro-batch of the current epoch
	Batch(i int) ([]PreferencePair, error)

	// SetEpoch reshuffles for the given epoch. consumedSamples skips
	// already-consumed samples when resuming mid-epoch; Len reflects
	// the remaining batches.
	SetEpoch(epoch int, consumedSamples int)
}

// BatchAssembler turns raw preference pairs into a model batch in one
// fixed layout, chosen at construction.
type BatchAssembler interface {
	// Assemble builds one model batch from a micro-batch of pairs
	Assemble(pairs []PreferencePair) (*ModelBatch, error)

	// Kind reports the layout this assembler produces
	Kind() BatchKind
}

// ============================================================================
// Tracker Sink
// ============================================================================

// TrackerSink receives metric snapshots. The trainer logs through the
// sink unconditionally; rank gating is the sink's concern, decided when
// the sink is constructed.
type TrackerSink interface {
	// LogTrain records train-loop metrics at a global step
	LogTrain(globalStep int, metrics map[string]float64) error

	// LogEval records evaluation metrics at a global step
	LogEval(globalStep int, metrics map[string]float64) error

	// Close flushes and releases the sink
	Close() error
}
