package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog/log"
)

// batchModel is the serialized logistic model published by the out-of-band
// retrainer: one weight per feature name, plus a bias.
type batchModel struct {
	Weights map[string]float64 `json:"weights"`
	Bias    float64            `json:"bias"`
	Version string             `json:"version,omitempty"`
}

// normalization pins the feature order and the z-score parameters the model
// was trained with. Seed identifies the training run.
type normalization struct {
	FeatureNames []string  `json:"feature_names"`
	Mean         []float64 `json:"mean"`
	Std          []float64 `json:"std"`
	Seed         int64     `json:"seed,omitempty"`
}

// BatchPredictor scores features with the offline-trained logistic model.
// Absent or unreadable artifacts degrade to a constant 0.5 (no opinion),
// never an error on the hot path.
type BatchPredictor struct {
	model *batchModel
	norm  *normalization
}

// LoadBatchPredictor reads the model + normalization artifacts. Missing
// files are not an error: the predictor simply stays unloaded.
func LoadBatchPredictor(modelPath, normPath string) *BatchPredictor {
	p := &BatchPredictor{}

	m := &batchModel{}
	if err := readJSON(modelPath, m); err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", modelPath).Msg("Batch model unreadable, predicting 0.5")
		}
		return p
	}
	n := &normalization{}
	if err := readJSON(normPath, n); err != nil {
		log.Warn().Err(err).Str("path", normPath).Msg("Normalization unreadable, predicting 0.5")
		return p
	}
	if len(n.FeatureNames) != len(n.Mean) || len(n.FeatureNames) != len(n.Std) {
		log.Warn().Str("path", normPath).Msg("Normalization arrays inconsistent, predicting 0.5")
		return p
	}

	p.model = m
	p.norm = n
	log.Info().Str("version", m.Version).Int("features", len(n.FeatureNames)).Msg("🧠 Batch model loaded")
	return p
}

// Loaded reports whether a usable model is in memory.
func (p *BatchPredictor) Loaded() bool { return p.model != nil && p.norm != nil }

// Predict returns P(win) for the feature dict, 0.5 when no model is loaded.
// Missing features are treated as the training mean (z-score 0).
func (p *BatchPredictor) Predict(features map[string]float64) float64 {
	if !p.Loaded() {
		return 0.5
	}
	z := p.model.Bias
	for i, name := range p.norm.FeatureNames {
		v, ok := features[name]
		if !ok {
			continue
		}
		std := p.norm.Std[i]
		if std <= 0 {
			continue
		}
		z += p.model.Weights[name] * (v - p.norm.Mean[i]) / std
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
