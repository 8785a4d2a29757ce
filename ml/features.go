// Package ml is the probability gate: a batch-trained logistic model plus an
// online SGD learner, blended into a single trade probability. Model
// artifacts are produced out-of-process; this package only consumes and
// incrementally updates them.
package ml

import (
	"github.com/gravix-labs/confluxbot/types"
)

// BuildFeatures flattens a confluence signal plus the market snapshot into
// the feature dict both predictors consume. Keys must stay stable: the batch
// model's normalization file addresses features by name.
func BuildFeatures(sig *types.ConfluenceSignal, spreadPct, volumeRatio, momentum float64) map[string]float64 {
	f := map[string]float64{
		"strength":         sig.Strength,
		"confidence":       sig.Confidence,
		"confluence_count": float64(sig.ConfluenceCount),
		"real_votes":       float64(sig.RealVotes),
		"obi":              sig.OBI,
		"book_score":       sig.BookScore,
		"obi_agrees":       boolToFloat(sig.OBIAgrees),
		"sure_fire":        boolToFloat(sig.IsSureFire),
		"is_long":          boolToFloat(sig.Direction == types.DirectionLong),
		"trend_regime":     boolToFloat(sig.TrendRegime == types.RegimeTrend),
		"high_vol":         boolToFloat(sig.VolRegime == types.VolHigh),
		"low_vol":          boolToFloat(sig.VolRegime == types.VolLow),
		"spread_pct":       spreadPct,
		"volume_ratio":     volumeRatio,
		"momentum":         momentum,
		"hour_utc":         float64(sig.Timestamp.UTC().Hour()),
	}
	// Detector metadata (adx, atr_pct, vol_level, ...) rides along.
	for k, v := range sig.Metadata {
		if _, exists := f[k]; !exists {
			f[k] = v
		}
	}
	// Risk geometry relative to entry.
	if sig.EntryPrice > 0 {
		if sig.StopLoss > 0 {
			f["sl_dist_pct"] = absf(sig.EntryPrice-sig.StopLoss) / sig.EntryPrice
		}
		if sig.TakeProfit > 0 {
			f["tp_dist_pct"] = absf(sig.TakeProfit-sig.EntryPrice) / sig.EntryPrice
		}
	}
	return f
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
