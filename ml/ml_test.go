package ml

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravix-labs/confluxbot/types"
)

func writeArtifacts(t *testing.T, dir string) (modelPath, normPath string) {
	t.Helper()
	modelPath = filepath.Join(dir, "trade_predictor.json")
	normPath = filepath.Join(dir, "normalization.json")

	model := map[string]any{
		"weights": map[string]float64{"strength": 2.0, "confidence": 1.0},
		"bias":    0.0,
		"version": "test-1",
	}
	norm := map[string]any{
		"feature_names": []string{"strength", "confidence"},
		"mean":          []float64{0.5, 0.5},
		"std":           []float64{0.2, 0.2},
		"seed":          42,
	}
	for path, v := range map[string]any{modelPath: model, normPath: norm} {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
	return modelPath, normPath
}

func TestBatchPredictorAbsentModelIsNeutral(t *testing.T) {
	p := LoadBatchPredictor("/nonexistent/model.json", "/nonexistent/norm.json")
	assert.False(t, p.Loaded())
	assert.Equal(t, 0.5, p.Predict(map[string]float64{"strength": 0.9}))
}

func TestBatchPredictorScoresAboveMeanPositive(t *testing.T) {
	modelPath, normPath := writeArtifacts(t, t.TempDir())
	p := LoadBatchPredictor(modelPath, normPath)
	require.True(t, p.Loaded())

	high := p.Predict(map[string]float64{"strength": 0.9, "confidence": 0.8})
	low := p.Predict(map[string]float64{"strength": 0.1, "confidence": 0.2})
	atMean := p.Predict(map[string]float64{"strength": 0.5, "confidence": 0.5})

	assert.Greater(t, high, 0.5)
	assert.Less(t, low, 0.5)
	assert.InDelta(t, 0.5, atMean, 1e-9)
}

func TestOnlineLearnerRefusesUndertrained(t *testing.T) {
	l := NewOnlineLearner(filepath.Join(t.TempDir(), "online.json"), 50)
	f := map[string]float64{"strength": 0.7}
	for i := 0; i < 49; i++ {
		l.Learn(f, 1)
	}
	assert.Nil(t, l.PredictProba(f))

	l.Learn(f, 1)
	p := l.PredictProba(f)
	require.NotNil(t, p)
	assert.Greater(t, *p, 0.5, "learned from all-win labels")
}

func TestOnlineLearnerSaveRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "online.json")
	l := NewOnlineLearner(path, 10)
	f := map[string]float64{"strength": 0.7, "confidence": 0.6}
	for i := 0; i < 20; i++ {
		l.Learn(f, 1)
	}
	require.NoError(t, l.Save())
	before := l.PredictProba(f)
	require.NotNil(t, before)

	restored := NewOnlineLearner(path, 10)
	assert.Equal(t, 20, restored.Updates())
	after := restored.PredictProba(f)
	require.NotNil(t, after)
	assert.InDelta(t, *before, *after, 1e-12)

	// Saving again keeps a backup of the previous artifact.
	require.NoError(t, restored.Save())
	_, err := os.Stat(path + ".bak")
	assert.NoError(t, err)
}

func TestGateBlending(t *testing.T) {
	dir := t.TempDir()
	modelPath, normPath := writeArtifacts(t, dir)
	batch := LoadBatchPredictor(modelPath, normPath)

	// Zero online updates: batch only.
	online := NewOnlineLearner(filepath.Join(dir, "online.json"), 50)
	g := NewGate(batch, online)
	f := map[string]float64{"strength": 0.9, "confidence": 0.8}
	assert.Equal(t, batch.Predict(f), g.Probability(f))

	// Trained online learner: 0.6 batch + 0.4 online.
	for i := 0; i < 50; i++ {
		online.Learn(f, 1)
	}
	op := online.PredictProba(f)
	require.NotNil(t, op)
	assert.InDelta(t, 0.6*batch.Predict(f)+0.4**op, g.Probability(f), 1e-12)

	// No batch model: online alone.
	g = NewGate(LoadBatchPredictor("/none", "/none"), online)
	assert.InDelta(t, *op, g.Probability(f), 1e-12)
}

func TestBlendConfidence(t *testing.T) {
	// Thin consensus leans on the model.
	assert.InDelta(t, 0.7*0.6+0.3*0.4, BlendConfidence(0.6, 0.4, 1), 1e-12)
	// Strong consensus: model cannot veto below the 0.85 floor.
	assert.InDelta(t, 0.85*0.8, BlendConfidence(0.8, 0.1, 3), 1e-12)
	// Midpoint wins when it exceeds the floor.
	assert.InDelta(t, (0.6+0.9)/2, BlendConfidence(0.6, 0.9, 3), 1e-12)
}

func TestBuildFeatures(t *testing.T) {
	sig := &types.ConfluenceSignal{
		Pair:            "BTC/USD",
		Direction:       types.DirectionLong,
		Strength:        0.7,
		Confidence:      0.65,
		ConfluenceCount: 3,
		RealVotes:       2,
		OBI:             0.3,
		BookScore:       0.4,
		OBIAgrees:       true,
		EntryPrice:      100,
		StopLoss:        98,
		TakeProfit:      105,
		TrendRegime:     types.RegimeTrend,
		VolRegime:       types.VolMid,
		Timestamp:       time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC),
		Metadata:        map[string]float64{"adx": 31},
	}
	f := BuildFeatures(sig, 0.05, 1.4, 0.8)
	assert.Equal(t, 1.0, f["is_long"])
	assert.Equal(t, 2.0, f["real_votes"])
	assert.Equal(t, 31.0, f["adx"])
	assert.Equal(t, 14.0, f["hour_utc"])
	assert.InDelta(t, 0.02, f["sl_dist_pct"], 1e-12)
	assert.InDelta(t, 0.05, f["tp_dist_pct"], 1e-12)
	assert.Equal(t, 1.4, f["volume_ratio"])
}
