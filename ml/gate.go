package ml

import "math"

// Gate blends the batch and online predictors into one trade probability
// and folds that probability into the strategy-side confidence.
type Gate struct {
	batch  *BatchPredictor
	online *OnlineLearner
}

func NewGate(batch *BatchPredictor, online *OnlineLearner) *Gate {
	return &Gate{batch: batch, online: online}
}

// Probability returns the blended P(win) for a feature dict.
// Both models available: 0.6·batch + 0.4·online. Only one: that one.
// Neither: 0.5.
func (g *Gate) Probability(features map[string]float64) float64 {
	base := 0.5
	batchLoaded := false
	if g.batch != nil {
		base = g.batch.Predict(features)
		batchLoaded = g.batch.Loaded()
	}
	if g.online == nil {
		return base
	}
	online := g.online.PredictProba(features)
	if online == nil {
		return base
	}
	if batchLoaded {
		return 0.6*base + 0.4**online
	}
	return *online
}

// Learn forwards a labeled outcome to the online learner.
func (g *Gate) Learn(features map[string]float64, label int) {
	if g.online != nil {
		g.online.Learn(features, label)
	}
}

// BlendConfidence folds the model probability into the confluence
// confidence. Thin consensus (≤1 real vote) leans on the model; a strong
// consensus cannot be fully vetoed by it.
func BlendConfidence(old, ai float64, realVotes int) float64 {
	var blended float64
	if realVotes <= 1 {
		blended = 0.7*old + 0.3*ai
	} else {
		blended = math.Max((old+ai)/2, 0.85*old)
	}
	if blended < 0 {
		return 0
	}
	if blended > 1 {
		return 1
	}
	return blended
}
