package risk

import (
	"github.com/rs/zerolog/log"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/types"
)

// StopEngine advances per-trade stop-loss state machines:
// INITIAL → BREAKEVEN → TRAILING. A stop only ever moves favorably (up for
// longs, down for shorts); an adverse price tick never widens it.
type StopEngine struct {
	breakevenActivationPct float64
	trailingActivationPct  float64
	trailingStepPct        float64
	roundTripFeePct        float64
}

func NewStopEngine(cfg *config.Config) *StopEngine {
	return &StopEngine{
		breakevenActivationPct: cfg.Risk.BreakevenActivationPct,
		trailingActivationPct:  cfg.Risk.TrailingActivationPct,
		trailingStepPct:        cfg.Risk.TrailingStepPct,
		roundTripFeePct:        cfg.Exchange.RoundTripFeePct(),
	}
}

// NewState initializes the machine for a fresh trade.
func NewState(tradeID string, entry, initialSL float64) *types.StopLossState {
	return &types.StopLossState{
		TradeID:   tradeID,
		CurrentSL: initialSL,
		PeakPrice: entry,
	}
}

// Update advances the machine for the latest price and returns the new stop.
// Transitions are one-way: once breakeven or trailing activates it stays on.
func (e *StopEngine) Update(st *types.StopLossState, side types.Side, entry, price float64) float64 {
	if st == nil || entry <= 0 || price <= 0 {
		return 0
	}

	long := side == types.SideBuy

	// Peak is the most favorable price seen since entry.
	if long && price > st.PeakPrice {
		st.PeakPrice = price
	} else if !long && (st.PeakPrice == 0 || price < st.PeakPrice) {
		st.PeakPrice = price
	}

	unrealized := (price - entry) / entry
	if !long {
		unrealized = -unrealized
	}

	if !st.BreakevenActivated && unrealized >= e.breakevenActivationPct {
		st.BreakevenActivated = true
		// Breakeven covers fees, not just the raw entry.
		be := entry * (1 + e.roundTripFeePct)
		if !long {
			be = entry * (1 - e.roundTripFeePct)
		}
		e.tighten(st, long, be)
		log.Info().Str("trade_id", st.TradeID).Float64("sl", st.CurrentSL).Msg("🔒 Stop moved to breakeven")
	}

	if !st.TrailingActivated && unrealized >= e.trailingActivationPct {
		st.TrailingActivated = true
		log.Info().Str("trade_id", st.TradeID).Msg("📈 Trailing stop activated")
	}

	if st.TrailingActivated {
		trail := st.PeakPrice * (1 - e.trailingStepPct)
		if !long {
			trail = st.PeakPrice * (1 + e.trailingStepPct)
		}
		e.tighten(st, long, trail)
	}

	return st.CurrentSL
}

// tighten moves the stop only in the favorable direction.
func (e *StopEngine) tighten(st *types.StopLossState, long bool, candidate float64) {
	if long {
		if candidate > st.CurrentSL {
			st.CurrentSL = candidate
		}
	} else {
		if st.CurrentSL == 0 || candidate < st.CurrentSL {
			st.CurrentSL = candidate
		}
	}
}

// Stopped reports whether price has crossed the current stop.
func Stopped(st *types.StopLossState, side types.Side, price float64) bool {
	if st == nil || st.CurrentSL <= 0 {
		return false
	}
	if side == types.SideBuy {
		return price <= st.CurrentSL
	}
	return price >= st.CurrentSL
}
