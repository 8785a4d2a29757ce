package marketdata

import (
	"math"
	"time"

	"github.com/gravix-labs/confluxbot/indicators"
	"github.com/gravix-labs/confluxbot/types"
)

// AnalyzeBook derives the microstructure read from a depth snapshot:
// order-book imbalance over the top levels, spread tightness, and a whale
// bias from unusually large resting orders. Score lands in [-1, 1];
// positive favors longs.
func AnalyzeBook(book *types.OrderBookSnapshot, depth int, whaleThresholdUSD float64) types.BookAnalysis {
	ba := types.BookAnalysis{Pair: book.Pair, UpdatedAt: time.Now().UTC()}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return ba
	}

	bidVol, askVol := 0.0, 0.0
	whaleBid, whaleAsk := 0.0, 0.0
	for i, lvl := range book.Bids {
		if i >= depth {
			break
		}
		bidVol += lvl.Size
		if notional := lvl.Price * lvl.Size; whaleThresholdUSD > 0 && notional >= whaleThresholdUSD {
			whaleBid += notional
		}
	}
	for i, lvl := range book.Asks {
		if i >= depth {
			break
		}
		askVol += lvl.Size
		if notional := lvl.Price * lvl.Size; whaleThresholdUSD > 0 && notional >= whaleThresholdUSD {
			whaleAsk += notional
		}
	}

	ba.OBI = indicators.OrderBookImbalance(bidVol, askVol)
	ba.SpreadPct = book.SpreadPct()

	if whaleBid+whaleAsk > 0 {
		ba.WhaleBias = (whaleBid - whaleAsk) / (whaleBid + whaleAsk)
	}

	// Tight spreads mean the book read is trustworthy; wide spreads dilute it.
	tightness := 1.0 - math.Min(ba.SpreadPct/0.5, 1.0)

	score := 0.6*ba.OBI + 0.25*ba.WhaleBias
	score *= 0.5 + 0.5*tightness
	ba.Score = math.Max(-1, math.Min(1, score))
	return ba
}
