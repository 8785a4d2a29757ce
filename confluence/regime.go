package confluence

import (
	"github.com/gravix-labs/confluxbot/indicators"
	"github.com/gravix-labs/confluxbot/types"
)

const (
	adxTrendThreshold = 25.0
	highVolATRPct     = 0.02
	lowVolATRPct      = 0.008
	volLookback       = 100
)

// DetectRegime classifies the market for one timeframe: trend vs range from
// ADX, a volatility bucket from ATR/price, plus a 0..1 percentile of the
// current ATR% against recent history and an expansion flag.
func DetectRegime(highs, lows, closes []float64) types.RegimeInfo {
	info := types.RegimeInfo{Trend: types.RegimeRange, Vol: types.VolMid}

	adx := indicators.ADX(highs, lows, closes, 14)
	atr := indicators.ATR(highs, lows, closes, 14)
	price := indicators.Last(closes)
	if atr == nil || price <= 0 {
		return info
	}
	lastATR := indicators.Last(atr)
	if lastATR <= 0 {
		return info
	}

	if adx != nil {
		info.ADX = indicators.Last(adx)
		if !indicators.IsNaN(info.ADX) && info.ADX >= adxTrendThreshold {
			info.Trend = types.RegimeTrend
		}
	}

	info.ATRPct = lastATR / price
	switch {
	case info.ATRPct >= highVolATRPct:
		info.Vol = types.VolHigh
	case info.ATRPct <= lowVolATRPct:
		info.Vol = types.VolLow
	}

	// Percentile of the current ATR% within the recent window.
	start := len(atr) - volLookback
	if start < 0 {
		start = 0
	}
	below, total := 0, 0
	for i := start; i < len(atr); i++ {
		if closes[i] <= 0 || indicators.IsNaN(atr[i]) || atr[i] <= 0 {
			continue
		}
		total++
		if atr[i]/closes[i] <= info.ATRPct {
			below++
		}
	}
	if total > 0 {
		info.VolLevel = float64(below) / float64(total)
	}

	if len(atr) >= 6 {
		info.VolExpanding = lastATR > atr[len(atr)-6]
	}
	return info
}
