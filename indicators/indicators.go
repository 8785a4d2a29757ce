// Package indicators provides pure, deterministic functions over numeric
// price/volume arrays. Heavy lifting (EMA/RSI/ATR/ADX/BB/MACD/Stoch) is
// delegated to go-talib; composite indicators are built on top of it.
// Given identical inputs every function returns identical outputs.
package indicators

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// IsNaN reports whether f is NaN without importing math at call sites.
func IsNaN(f float64) bool { return f != f }

// Last returns the final element of a series, or NaN when empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// EMA returns the exponential moving average series.
func EMA(closes []float64, period int) []float64 {
	if len(closes) < period {
		return nil
	}
	return talib.Ema(closes, period)
}

// SMA returns the simple moving average series.
func SMA(closes []float64, period int) []float64 {
	if len(closes) < period {
		return nil
	}
	return talib.Sma(closes, period)
}

// RSI returns the relative strength index series (0-100).
func RSI(closes []float64, period int) []float64 {
	if len(closes) < period+1 {
		return nil
	}
	return talib.Rsi(closes, period)
}

// ATR returns the average true range series.
func ATR(highs, lows, closes []float64, period int) []float64 {
	if len(closes) < period+1 || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	return talib.Atr(highs, lows, closes, period)
}

// ADX returns the average directional index series (0-100).
func ADX(highs, lows, closes []float64, period int) []float64 {
	if len(closes) < 2*period || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	return talib.Adx(highs, lows, closes, period)
}

// BollingerBands returns upper/middle/lower band series.
func BollingerBands(closes []float64, period int, stdDev float64) (upper, middle, lower []float64) {
	if len(closes) < period {
		return nil, nil, nil
	}
	return talib.BBands(closes, period, stdDev, stdDev, talib.SMA)
}

// MACD returns macd/signal/histogram series.
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	if len(closes) < slow+signal {
		return nil, nil, nil
	}
	return talib.Macd(closes, fast, slow, signal)
}

// Stochastic returns smoothed %K and %D series.
func Stochastic(highs, lows, closes []float64, fastK, slowK, slowD int) (k, d []float64) {
	if len(closes) < fastK+slowK+slowD {
		return nil, nil
	}
	return talib.Stoch(highs, lows, closes, fastK, slowK, talib.SMA, slowD, talib.SMA)
}

// KeltnerChannels returns upper/middle/lower channel series:
// EMA(close, period) ± mult × ATR(period).
func KeltnerChannels(highs, lows, closes []float64, period int, mult float64) (upper, middle, lower []float64) {
	if len(closes) < period+1 {
		return nil, nil, nil
	}
	middle = talib.Ema(closes, period)
	atr := talib.Atr(highs, lows, closes, period)
	upper = make([]float64, len(closes))
	lower = make([]float64, len(closes))
	for i := range closes {
		upper[i] = middle[i] + mult*atr[i]
		lower[i] = middle[i] - mult*atr[i]
	}
	return upper, middle, lower
}

// Momentum returns the percentage change over period bars.
func Momentum(closes []float64, period int) float64 {
	if len(closes) <= period {
		return 0
	}
	prev := closes[len(closes)-1-period]
	if prev == 0 {
		return 0
	}
	return (closes[len(closes)-1] - prev) / prev * 100
}

// VolumeRatio returns last volume over the average of the preceding period
// volumes. 1.0 when insufficient data.
func VolumeRatio(volumes []float64, period int) float64 {
	if len(volumes) < period+1 {
		return 1
	}
	window := volumes[len(volumes)-1-period : len(volumes)-1]
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	avg := sum / float64(period)
	if avg == 0 {
		return 1
	}
	return volumes[len(volumes)-1] / avg
}

// GarmanKlass returns the Garman-Klass volatility estimate over the window,
// using per-bar OHLC. Returns 0 when inputs are too short or malformed.
func GarmanKlass(opens, highs, lows, closes []float64, window int) float64 {
	n := len(closes)
	if n < window || len(opens) != n || len(highs) != n || len(lows) != n {
		return 0
	}
	sum := 0.0
	count := 0
	for i := n - window; i < n; i++ {
		if opens[i] <= 0 || highs[i] <= 0 || lows[i] <= 0 || closes[i] <= 0 {
			continue
		}
		hl := math.Log(highs[i] / lows[i])
		co := math.Log(closes[i] / opens[i])
		sum += 0.5*hl*hl - (2*math.Log(2)-1)*co*co
		count++
	}
	if count == 0 {
		return 0
	}
	v := sum / float64(count)
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// OrderBookImbalance computes (bidVol - askVol) / (bidVol + askVol).
// Returns 0 when the book is empty.
func OrderBookImbalance(bidVol, askVol float64) float64 {
	total := bidVol + askVol
	if total <= 0 {
		return 0
	}
	return (bidVol - askVol) / total
}
