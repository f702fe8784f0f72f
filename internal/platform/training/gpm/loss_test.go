package gpm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

type fakeGater struct {
	logits []float64
	has    bool
}

func (g *fakeGater) HasPromptHead() bool { return g.has }
func (g *fakeGater) GateLogits(hidden []float64) ([]float64, error) {
	return g.logits, nil
}

func TestResolveLoss(t *testing.T) {
	t.Run("dispatch covers the whole family", func(t *testing.T) {
		tests := []struct {
			name  string
			cfg   LossConfig
			gater *fakeGater
			want  LossKind
		}{
			{
				name: "scalar rewards select bradley-terry",
				cfg:  LossConfig{IsGeneralPreference: false, ValueHeadDim: 1, Tau: 0.1},
				want: LossKindBradleyTerry,
			},
			{
				name: "dim two selects the 2-d preference loss",
				cfg:  LossConfig{IsGeneralPreference: true, ValueHeadDim: 2, Tau: 0.1},
				want: LossKindGeneralPreference,
			},
			{
				name: "higher even dims select the block-sum loss",
				cfg:  LossConfig{IsGeneralPreference: true, ValueHeadDim: 6, Tau: 0.1},
				want: LossKindHighDim,
			},
			{
				name:  "prompt head selects the gated mixture",
				cfg:   LossConfig{IsGeneralPreference: true, ValueHeadDim: 4, AddPromptHead: true, Tau: 0.1},
				gater: &fakeGater{has: true, logits: []float64{0, 0}},
				want:  LossKindHighDimMoE,
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				var gater *fakeGater
				if tt.gater != nil {
					gater = tt.gater
				}
				loss, err := ResolveLoss(tt.cfg, gater)
				require.NoError(t, err)
				assert.Equal(t, tt.want, loss.Kind())
			})
		}
	})

	t.Run("odd value head dim fails construction", func(t *testing.T) {
		_, err := ResolveLoss(LossConfig{IsGeneralPreference: true, ValueHeadDim: 3, Tau: 0.1}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrLossOddValueHead))
	})

	t.Run("prompt head variant requires a gater", func(t *testing.T) {
		_, err := ResolveLoss(LossConfig{IsGeneralPreference: true, ValueHeadDim: 4, AddPromptHead: true, Tau: 0.1}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrLossMissingPromptHead))
	})

	t.Run("non-positive tau fails construction", func(t *testing.T) {
		_, err := ResolveLoss(LossConfig{Tau: 0}, nil)
		require.Error(t, err)
	})
}

func TestBradleyTerryLoss(t *testing.T) {
	loss, err := ResolveLoss(LossConfig{ValueHeadDim: 1, Tau: 1, ComputeFP32: true}, nil)
	require.NoError(t, err)

	t.Run("known values", func(t *testing.T) {
		got, probs, err := loss.Compute([][]float64{{1}}, [][]float64{{0}}, nil, nil)
		require.NoError(t, err)

		want := -math.Log(1 / (1 + math.Exp(-1)))
		assert.InDelta(t, want, got, 1e-12)
		require.Len(t, probs, 1)
		assert.InDelta(t, 1/(1+math.Exp(-1)), probs[0], 1e-12)
	})

	t.Run("margin shifts the score", func(t *testing.T) {
		noMargin, _, err := loss.Compute([][]float64{{1}}, [][]float64{{0}}, nil, nil)
		require.NoError(t, err)
		withMargin, _, err := loss.Compute([][]float64{{1}}, [][]float64{{0}}, nil, []float64{0.5})
		require.NoError(t, err)
		assert.Greater(t, withMargin, noMargin)
	})

	t.Run("probs stay within the unit interval", func(t *testing.T) {
		_, probs, err := loss.Compute(
			[][]float64{{100}, {-100}, {0}},
			[][]float64{{-100}, {100}, {0}},
			nil, nil,
		)
		require.NoError(t, err)
		for _, p := range probs {
			assert.GreaterOrEqual(t, p, 0.0)
			assert.LessOrEqual(t, p, 1.0)
		}
	})

	t.Run("shape mismatch rejected", func(t *testing.T) {
		_, _, err := loss.Compute([][]float64{{1}}, [][]float64{{1}, {2}}, nil, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrLossShape))
	})
}

func TestGeneralPreferenceLoss(t *testing.T) {
	loss, err := ResolveLoss(LossConfig{IsGeneralPreference: true, ValueHeadDim: 2, Tau: 0.1, ComputeFP32: true}, nil)
	require.NoError(t, err)

	t.Run("skew-symmetric score", func(t *testing.T) {
		// s = (c0*r1 - c1*r0) / tau
		chosen := [][]float64{{0.3, 0.1}}
		rejected := [][]float64{{0.2, 0.4}}
		s := (0.3*0.4 - 0.1*0.2) / 0.1

		got, probs, err := loss.Compute(chosen, rejected, nil, nil)
		require.NoError(t, err)
		assert.InDelta(t, -logSigmoid(s), got, 1e-12)
		assert.InDelta(t, sigmoid(s), probs[0], 1e-12)
	})

	t.Run("swapping the pair flips the score", func(t *testing.T) {
		chosen := [][]float64{{0.5, -0.2}}
		rejected := [][]float64{{-0.1, 0.7}}

		_, forward, err := loss.Compute(chosen, rejected, nil, nil)
		require.NoError(t, err)
		_, backward, err := loss.Compute(rejected, chosen, nil, nil)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, forward[0]+backward[0], 1e-9)
	})
}

func TestHighDimLoss(t *testing.T) {
	loss, err := ResolveLoss(LossConfig{IsGeneralPreference: true, ValueHeadDim: 4, Tau: 0.1, ComputeFP32: true}, nil)
	require.NoError(t, err)

	t.Run("blocks sum before the temperature", func(t *testing.T) {
		chosen := [][]float64{{1, 0, 1, 0}}
		rejected := [][]float64{{0, 1, 0, 1}}
		// each block scores 1*1 - 0*0 = 1
		s := (1.0 + 1.0) / 0.1

		got, probs, err := loss.Compute(chosen, rejected, nil, nil)
		require.NoError(t, err)
		assert.InDelta(t, -logSigmoid(s), got, 1e-9)
		assert.InDelta(t, sigmoid(s), probs[0], 1e-12)
	})

	t.Run("width mismatch rejected", func(t *testing.T) {
		_, _, err := loss.Compute([][]float64{{1, 2}}, [][]float64{{1, 2}}, nil, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrLossShape))
	})
}

func TestHighDimMoELoss(t *testing.T) {
	gater := &fakeGater{has: true, logits: []float64{0, 0}}
	loss, err := ResolveLoss(LossConfig{IsGeneralPreference: true, ValueHeadDim: 4, AddPromptHead: true, Tau: 0.1, ComputeFP32: true}, gater)
	require.NoError(t, err)
	require.True(t, loss.NeedsPromptHidden())

	hidden := [][]float64{{0.1, 0.2}}

	t.Run("uniform gates average the blocks", func(t *testing.T) {
		chosen := [][]float64{{1, 0, 1, 0}}
		rejected := [][]float64{{0, 1, 0, 1}}
		// equal logits weight both blocks 0.5; each block scores 1
		s := 0.5*1.0 + 0.5*1.0

		got, probs, err := loss.Compute(chosen, rejected, hidden, nil)
		require.NoError(t, err)
		assert.InDelta(t, -logSigmoid(s), got, 1e-9)
		assert.InDelta(t, sigmoid(s), probs[0], 1e-12)
	})

	t.Run("single hidden row broadcasts across pairs", func(t *testing.T) {
		chosen := [][]float64{{1, 0, 1, 0}, {1, 0, 1, 0}}
		rejected := [][]float64{{0, 1, 0, 1}, {0, 1, 0, 1}}

		_, probs, err := loss.Compute(chosen, rejected, hidden, nil)
		require.NoError(t, err)
		require.Len(t, probs, 2)
		assert.Equal(t, probs[0], probs[1])
	})

	t.Run("missing hidden states rejected", func(t *testing.T) {
		_, _, err := loss.Compute([][]float64{{1, 0, 1, 0}}, [][]float64{{0, 1, 0, 1}}, nil, nil)
		require.Error(t, err)
	})
}

func TestSoftmaxScaled(t *testing.T) {
	t.Run("temperature sharpens the distribution", func(t *testing.T) {
		soft := softmaxScaled([]float64{1, 0}, 1.0)
		sharp := softmaxScaled([]float64{1, 0}, 0.1)
		assert.Greater(t, sharp[0], soft[0])

		var sum float64
		for _, w := range sharp {
			sum += w
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	})
}

func TestAccuracyAndMeanProb(t *testing.T) {
	probs := []float64{0.9, 0.4, 0.6, 0.5}
	assert.InDelta(t, 0.5, Accuracy(probs), 1e-12)
	assert.InDelta(t, 0.6, MeanProb(probs), 1e-12)
	assert.Zero(t, Accuracy(nil))
	assert.Zero(t, MeanProb(nil))
}

func TestFP32Truncation(t *testing.T) {
	// the compact path loses float64 precision
	x := 1.0 + 1e-12
	assert.Equal(t, float64(float32(x)), maybeTruncate(x, false))
	assert.Equal(t, x, maybeTruncate(x, true))
}
