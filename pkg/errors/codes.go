// Package errors defines error code constants for the trainer.
// Each error code includes a unique identifier, an error type, and a
// message template for consistent error handling across the training core.
package errors

// ErrorCode represents a structured error code definition
type ErrorCode struct {
	Code    string
	Type    ErrorType
	Message string
}

// ============================================================================
// Training configuration errors (TRAIN_xxx)
// ============================================================================

var (
	// ErrTrainInvalidConfig indicates an invalid trainer configuration.
	// Construction must fail before any training step runs.
	ErrTrainInvalidConfig = ErrorCode{
		Code:    "TRAIN_001",
		Type:    ErrorTypeValidation,
		Message: "Invalid trainer configuration",
	}

	// ErrTrainForward indicates a model forward pass failure
	ErrTrainForward = ErrorCode{
		Code:    "TRAIN_002",
		Type:    ErrorTypeTraining,
		Message: "Model forward pass failed",
	}

	// ErrTrainRuntime indicates a distributed runtime operation failure
	// (backward, optimizer step, collective reduction)
	ErrTrainRuntime = ErrorCode{
		Code:    "TRAIN_003",
		Type:    ErrorTypeTraining,
		Message: "Distributed runtime operation failed",
	}
)

// ============================================================================
// Loss errors (LOSS_xxx)
// ============================================================================

var (
	// ErrLossOddValueHead indicates an odd value head dimension for a
	// general preference loss, which requires paired 2-D sub-blocks
	ErrLossOddValueHead = ErrorCode{
		Code:    "LOSS_001",
		Type:    ErrorTypeValidation,
		Message: "Value head dimension for general preference model cannot be odd",
	}

	// ErrLossMissingPromptHead indicates the MoE loss was selected but the
	// model exposes no prompt head projection
	ErrLossMissingPromptHead = ErrorCode{
		Code:    "LOSS_002",
		Type:    ErrorTypeValidation,
		Message: "Prompt head projection required by the MoE preference loss",
	}

	// ErrLossShape indicates mismatched score shapes fed to a loss
	ErrLossShape = ErrorCode{
		Code:    "LOSS_003",
		Type:    ErrorTypeData,
		Message: "Mismatched reward shapes in preference loss",
	}
)

// ============================================================================
// Data errors (DATA_xxx)
// ============================================================================

var (
	// ErrDataBatchShape indicates inconsistent chosen/rejected batch sizes
	ErrDataBatchShape = ErrorCode{
		Code:    "DATA_001",
		Type:    ErrorTypeData,
		Message: "Chosen and rejected batches must have equal batch size",
	}

	// ErrDataEmptyEvalSet indicates an empty evaluation loader
	ErrDataEmptyEvalSet = ErrorCode{
		Code:    "DATA_002",
		Type:    ErrorTypeData,
		Message: "Evaluation dataset is empty",
	}

	// ErrDataOddPackedLens indicates an odd packed sequence-length count;
	// the first half must be chosen sequences, the second half rejected
	ErrDataOddPackedLens = ErrorCode{
		Code:    "DATA_003",
		Type:    ErrorTypeData,
		Message: "Packed sequence-length list must have an even count",
	}

	// ErrDataBatchKind indicates a batch kind the assembler cannot consume
	ErrDataBatchKind = ErrorCode{
		Code:    "DATA_004",
		Type:    ErrorTypeData,
		Message: "Batch kind does not match the configured packing mode",
	}
)

// ============================================================================
// Checkpoint errors (CKPT_xxx)
// ============================================================================

var (
	// ErrCheckpointSave indicates a checkpoint write failure
	ErrCheckpointSave = ErrorCode{
		Code:    "CKPT_001",
		Type:    ErrorTypeCheckpoint,
		Message: "Failed to save checkpoint",
	}

	// ErrCheckpointLoad indicates a checkpoint read failure
	ErrCheckpointLoad = ErrorCode{
		Code:    "CKPT_002",
		Type:    ErrorTypeCheckpoint,
		Message: "Failed to load checkpoint",
	}
)

// ============================================================================
// Generic errors
// ============================================================================

var (
	// ErrInternal indicates an unexpected internal error
	ErrInternal = ErrorCode{
		Code:    "INTERNAL_ERROR",
		Type:    ErrorTypeInternal,
		Message: "Internal error",
	}

	// ErrInfrastructure indicates an external service failure
	ErrInfrastructure = ErrorCode{
		Code:    "INFRASTRUCTURE_ERROR",
		Type:    ErrorTypeInfrastructure,
		Message: "Infrastructure service error",
	}
)
