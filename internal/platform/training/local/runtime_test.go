package local

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-alignment/OpenRLHF/internal/platform/training"
	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

// inertModel satisfies TrainableModel without a backward pass
type inertModel struct {
	params []float64
	grads  []float64
}

func (m *inertModel) Parameters() []float64 { return m.params }
func (m *inertModel) Gradients() []float64  { return m.grads }
func (m *inertModel) ZeroGrad() {
	for i := range m.grads {
		m.grads[i] = 0
	}
}

func newRuntime(t *testing.T, cfg RuntimeConfig) *Runtime {
	t.Helper()
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.01
	}
	if cfg.TotalSteps == 0 {
		cfg.TotalSteps = 100
	}
	rt, err := NewRuntime(cfg, nil)
	require.NoError(t, err)
	return rt
}

func TestNewRuntime(t *testing.T) {
	t.Run("non-positive learning rate rejected", func(t *testing.T) {
		_, err := NewRuntime(RuntimeConfig{LearningRate: 0}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTrainInvalidConfig))
	})

	t.Run("single rank defaults", func(t *testing.T) {
		rt := newRuntime(t, RuntimeConfig{})
		assert.Equal(t, 0, rt.Rank())
		assert.Equal(t, 1, rt.WorldSize())
		assert.True(t, rt.IsRankZero())
	})
}

func TestRuntimeBackward(t *testing.T) {
	ctx := context.Background()

	t.Run("delegates to the model", func(t *testing.T) {
		rt := newRuntime(t, RuntimeConfig{})
		model, err := NewLinearPreferenceModel(4, 1, false, 1)
		require.NoError(t, err)

		_, err = model.Forward(ctx, concatBatch(), training.ForwardOptions{})
		require.NoError(t, err)
		require.NoError(t, rt.Backward(ctx, 0.5, model))

		var nonzero bool
		for _, g := range model.Gradients() {
			if g != 0 {
				nonzero = true
			}
		}
		assert.True(t, nonzero)
	})

	t.Run("model without a backward pass rejected", func(t *testing.T) {
		rt := newRuntime(t, RuntimeConfig{})
		err := rt.Backward(ctx, 0.5, &inertModel{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTrainRuntime))
	})
}

func TestRuntimeOptimizerStep(t *testing.T) {
	ctx := context.Background()

	t.Run("accumulation defers the update", func(t *testing.T) {
		rt := newRuntime(t, RuntimeConfig{AccumulatedGradient: 2})
		model := &inertModel{params: []float64{1, 1}, grads: []float64{1, 1}}
		before := append([]float64(nil), model.params...)

		require.NoError(t, rt.OptimizerStep(ctx, model))
		assert.Equal(t, before, model.params)
		assert.Equal(t, 0, rt.SchedulerStep())

		require.NoError(t, rt.OptimizerStep(ctx, model))
		assert.NotEqual(t, before, model.params)
		assert.Equal(t, 1, rt.SchedulerStep())
	})

	t.Run("update zeroes gradients", func(t *testing.T) {
		rt := newRuntime(t, RuntimeConfig{})
		model := &inertModel{params: []float64{1}, grads: []float64{1}}

		require.NoError(t, rt.OptimizerStep(ctx, model))
		assert.Equal(t, []float64{0}, model.grads)
	})
}

func TestRuntimeAllReduce(t *testing.T) {
	rt := newRuntime(t, RuntimeConfig{})

	in := map[string]float64{"loss": 0.5}
	out, err := rt.AllReduceMean(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// the result is a copy
	out["loss"] = 99
	assert.Equal(t, 0.5, in["loss"])
}

func TestRuntimeCheckpoints(t *testing.T) {
	ctx := context.Background()

	newCkpt := func(step int) *training.Checkpoint {
		return &training.Checkpoint{
			Tag:             checkpointTagPrefix + strconv.Itoa(step),
			GlobalStep:      step,
			ConsumedSamples: step * 128,
			Parameters:      []float64{float64(step), 2, 3},
			SchedulerStep:   step,
			ClientState:     map[string]int{"consumed_samples": step * 128},
		}
	}

	t.Run("round trip", func(t *testing.T) {
		dir := t.TempDir()
		rt := newRuntime(t, RuntimeConfig{CkptDir: dir})

		require.NoError(t, rt.SaveCheckpoint(ctx, newCkpt(4)))

		restored := newRuntime(t, RuntimeConfig{CkptDir: dir})
		ckpt, err := restored.LoadCheckpoint(ctx)
		require.NoError(t, err)
		require.NotNil(t, ckpt)

		assert.Equal(t, "global_step4", ckpt.Tag)
		assert.Equal(t, 512, ckpt.ClientState["consumed_samples"])
		assert.Equal(t, []float64{4, 2, 3}, ckpt.Parameters)
		assert.Equal(t, 4, restored.SchedulerStep())
	})

	t.Run("metadata sidecar written", func(t *testing.T) {
		dir := t.TempDir()
		rt := newRuntime(t, RuntimeConfig{CkptDir: dir})

		require.NoError(t, rt.SaveCheckpoint(ctx, newCkpt(1)))
		_, err := os.Stat(filepath.Join(dir, "global_step1", "metadata.yaml"))
		require.NoError(t, err)
	})

	t.Run("no checkpoint yields nil", func(t *testing.T) {
		rt := newRuntime(t, RuntimeConfig{CkptDir: t.TempDir()})
		ckpt, err := rt.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.Nil(t, ckpt)
	})

	t.Run("latest tag wins", func(t *testing.T) {
		dir := t.TempDir()
		rt := newRuntime(t, RuntimeConfig{CkptDir: dir, MaxCkptNum: 10})

		require.NoError(t, rt.SaveCheckpoint(ctx, newCkpt(2)))
		require.NoError(t, rt.SaveCheckpoint(ctx, newCkpt(10)))

		ckpt, err := rt.LoadCheckpoint(ctx)
		require.NoError(t, err)
		require.NotNil(t, ckpt)
		assert.Equal(t, 10, ckpt.GlobalStep)
	})

	t.Run("old tags pruned", func(t *testing.T) {
		dir := t.TempDir()
		rt := newRuntime(t, RuntimeConfig{CkptDir: dir, MaxCkptNum: 2})

		for _, step := range []int{1, 2, 3} {
			require.NoError(t, rt.SaveCheckpoint(ctx, newCkpt(step)))
		}

		_, err := os.Stat(filepath.Join(dir, "global_step1"))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(filepath.Join(dir, "global_step3"))
		assert.NoError(t, err)
	})
}
