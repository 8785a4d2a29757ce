package marketdata

import "github.com/gravix-labs/confluxbot/types"

// Resample aggregates 1m bars into tf-minute bars. Buckets align to
// open_time - open_time % (tf*60). The trailing partial bucket is kept;
// callers that want closed candles only drop it themselves.
func Resample(bars []types.Bar, tf int) []types.Bar {
	if tf <= 1 || len(bars) == 0 {
		out := make([]types.Bar, len(bars))
		copy(out, bars)
		return out
	}

	bucketLen := int64(tf) * 60
	var out []types.Bar
	var cur *types.Bar
	var curBucket int64 = -1
	var volPrice float64 // for vwap

	for _, b := range bars {
		bucket := b.OpenTime - b.OpenTime%bucketLen
		if bucket != curBucket {
			if cur != nil {
				finalizeVWAP(cur, volPrice)
				out = append(out, *cur)
			}
			nb := types.Bar{
				OpenTime: bucket,
				Open:     b.Open,
				High:     b.High,
				Low:      b.Low,
				Close:    b.Close,
				Volume:   b.Volume,
			}
			cur = &nb
			curBucket = bucket
			volPrice = b.Close * b.Volume
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
		volPrice += b.Close * b.Volume
	}
	if cur != nil {
		finalizeVWAP(cur, volPrice)
		out = append(out, *cur)
	}
	return out
}

func finalizeVWAP(b *types.Bar, volPrice float64) {
	if b.Volume > 0 {
		b.VWAP = volPrice / b.Volume
	}
}

// Series unpacks bars into parallel arrays for the indicator library.
func Series(bars []types.Bar) (opens, highs, lows, closes, volumes []float64) {
	opens = make([]float64, len(bars))
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	closes = make([]float64, len(bars))
	volumes = make([]float64, len(bars))
	for i, b := range bars {
		opens[i] = b.Open
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
		volumes[i] = b.Volume
	}
	return
}
