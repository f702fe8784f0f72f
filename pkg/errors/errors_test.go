package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError(t *testing.T) {
	t.Run("empty message falls back to the code template", func(t *testing.T) {
		err := New(ErrDataEmptyEvalSet, "")
		assert.Equal(t, "DATA_002", err.Code)
		assert.Equal(t, ErrDataEmptyEvalSet.Message, err.Message)
		assert.Contains(t, err.Error(), "DATA_002")
	})

	t.Run("formatted construction", func(t *testing.T) {
		err := Newf(ErrLossShape, "chosen %d, rejected %d", 2, 3)
		assert.Equal(t, "LOSS_003", err.Code)
		assert.Contains(t, err.Message, "chosen 2, rejected 3")
	})

	t.Run("wrap keeps the cause in the chain", func(t *testing.T) {
		cause := fmt.Errorf("disk full")
		err := Wrap(cause, ErrCheckpointSave, "")
		require.NotNil(t, err)
		assert.Equal(t, cause, err.Unwrap())
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("wrapping nil yields nil", func(t *testing.T) {
		assert.Nil(t, Wrap(nil, ErrCheckpointSave, ""))
	})

	t.Run("details accumulate", func(t *testing.T) {
		err := New(ErrLossOddValueHead, "").WithDetails("value_head_dim", 5)
		assert.Equal(t, 5, err.Details["value_head_dim"])
	})
}

func TestErrorPredicates(t *testing.T) {
	err := New(ErrTrainInvalidConfig, "bad shape")

	t.Run("code match", func(t *testing.T) {
		assert.True(t, Is(err, ErrTrainInvalidConfig))
		assert.False(t, Is(err, ErrTrainRuntime))
		assert.False(t, Is(fmt.Errorf("plain"), ErrTrainInvalidConfig))
	})

	t.Run("type match", func(t *testing.T) {
		assert.True(t, IsType(err, ErrorTypeValidation))
		assert.False(t, IsType(err, ErrorTypeTraining))
	})

	t.Run("code extraction", func(t *testing.T) {
		assert.Equal(t, "TRAIN_001", GetCode(err))
		assert.Equal(t, "UNKNOWN", GetCode(fmt.Errorf("plain")))
		assert.Equal(t, "", GetCode(nil))
	})
}

func TestHelpers(t *testing.T) {
	t.Run("validation helper uses the config code", func(t *testing.T) {
		err := ValidationErrorf("batch size %d", 0)
		assert.True(t, Is(err, ErrTrainInvalidConfig))
	})

	t.Run("internal helper captures a stack", func(t *testing.T) {
		err := InternalError("unreachable branch")
		assert.NotEmpty(t, err.Stack)
	})

	t.Run("infrastructure helper names the service", func(t *testing.T) {
		err := InfrastructureError("minio", fmt.Errorf("connection refused"))
		assert.True(t, Is(err, ErrInfrastructure))
		assert.Contains(t, err.Message, "minio")
	})
}
