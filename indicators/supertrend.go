package indicators

import talib "github.com/markcheno/go-talib"

// Supertrend computes the supertrend line and per-bar direction.
// Direction is +1 when price rides above the line (uptrend), -1 below.
// Returns nil series when inputs are too short.
func Supertrend(highs, lows, closes []float64, period int, mult float64) (line []float64, dir []int) {
	n := len(closes)
	if n < period+1 || len(highs) != n || len(lows) != n {
		return nil, nil
	}

	atr := talib.Atr(highs, lows, closes, period)
	upper := make([]float64, n)
	lower := make([]float64, n)
	line = make([]float64, n)
	dir = make([]int, n)

	for i := 0; i < n; i++ {
		mid := (highs[i] + lows[i]) / 2
		basicUpper := mid + mult*atr[i]
		basicLower := mid - mult*atr[i]

		if i == 0 {
			upper[i] = basicUpper
			lower[i] = basicLower
			dir[i] = 1
			line[i] = basicLower
			continue
		}

		// Bands ratchet: upper only moves down, lower only moves up,
		// unless price closed through the prior band.
		if basicUpper < upper[i-1] || closes[i-1] > upper[i-1] {
			upper[i] = basicUpper
		} else {
			upper[i] = upper[i-1]
		}
		if basicLower > lower[i-1] || closes[i-1] < lower[i-1] {
			lower[i] = basicLower
		} else {
			lower[i] = lower[i-1]
		}

		dir[i] = dir[i-1]
		if dir[i-1] == 1 && closes[i] < lower[i] {
			dir[i] = -1
		} else if dir[i-1] == -1 && closes[i] > upper[i] {
			dir[i] = 1
		}

		if dir[i] == 1 {
			line[i] = lower[i]
		} else {
			line[i] = upper[i]
		}
	}
	return line, dir
}
