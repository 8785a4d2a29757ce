package indicators

import "math"

// Ichimoku holds the current values of the Ichimoku Kinko Hyo system.
// SenkouA/SenkouB are the cloud edges as projected for the current bar
// (i.e. computed from data kijun periods back). ChikouAbovePrice compares
// the current close against the close chikou periods ago.
type Ichimoku struct {
	Tenkan           float64
	Kijun            float64
	SenkouA          float64
	SenkouB          float64
	ChikouAbovePrice bool
}

// midpoint of the high/low range over the trailing period ending at idx.
func midpoint(highs, lows []float64, idx, period int) float64 {
	if idx+1 < period {
		return math.NaN()
	}
	hi := highs[idx]
	lo := lows[idx]
	for i := idx - period + 1; i <= idx; i++ {
		if highs[i] > hi {
			hi = highs[i]
		}
		if lows[i] < lo {
			lo = lows[i]
		}
	}
	return (hi + lo) / 2
}

// ComputeIchimoku computes the Ichimoku values for the latest bar using the
// standard 9/26/52 periods (configurable). Returns nil when the series is
// too short.
func ComputeIchimoku(highs, lows, closes []float64, tenkan, kijun, senkouB int) *Ichimoku {
	n := len(closes)
	need := senkouB + kijun // cloud is displaced kijun bars forward
	if n < need || len(highs) != n || len(lows) != n {
		return nil
	}

	last := n - 1
	shifted := last - kijun // bar whose cloud projects onto the current bar

	ich := &Ichimoku{
		Tenkan:  midpoint(highs, lows, last, tenkan),
		Kijun:   midpoint(highs, lows, last, kijun),
		SenkouA: (midpoint(highs, lows, shifted, tenkan) + midpoint(highs, lows, shifted, kijun)) / 2,
		SenkouB: midpoint(highs, lows, shifted, senkouB),
	}
	if IsNaN(ich.Tenkan) || IsNaN(ich.Kijun) || IsNaN(ich.SenkouA) || IsNaN(ich.SenkouB) {
		return nil
	}
	// Chikou span: current close plotted kijun bars back vs price then.
	ich.ChikouAbovePrice = closes[last] > closes[shifted]
	return ich
}

// CloudTop returns the upper edge of the cloud.
func (i *Ichimoku) CloudTop() float64 { return math.Max(i.SenkouA, i.SenkouB) }

// CloudBottom returns the lower edge of the cloud.
func (i *Ichimoku) CloudBottom() float64 { return math.Min(i.SenkouA, i.SenkouB) }
