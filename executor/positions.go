package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/risk"
	"github.com/gravix-labs/confluxbot/storage"
	"github.com/gravix-labs/confluxbot/types"
)

// PriceSource supplies the freshest known price, typically the market-data
// cache. A zero return means unknown; the venue ticker is the fallback.
type PriceSource interface {
	LatestPrice(pair string) float64
}

// SetPriceSource installs the cache-backed price lookup.
func (e *Executor) SetPriceSource(src PriceSource) { e.prices = src }

func (e *Executor) priceOf(ctx context.Context, pair string) (float64, error) {
	if e.prices != nil {
		if px := e.prices.LatestPrice(pair); px > 0 {
			return px, nil
		}
	}
	tk, err := e.venue.GetTicker(ctx, pair)
	if err != nil {
		return 0, err
	}
	return tk.Price, nil
}

// ManagePositions runs one tick over all open trades: update stops, check
// exits, close what triggered. Errors on one trade never block the rest.
func (e *Executor) ManagePositions(ctx context.Context) error {
	open, err := e.db.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}
	for i := range open {
		tr := &open[i]
		price, err := e.priceOf(ctx, tr.Pair)
		if err != nil || price <= 0 {
			e.lg.Debug().Str("pair", tr.Pair).Msg("No price for position check, skipping")
			continue
		}
		if err := e.manageOne(ctx, tr, price); err != nil {
			e.lg.Error().Err(err).Str("trade_id", tr.TradeID).Msg("Position management failed")
		}
	}
	return nil
}

func (e *Executor) manageOne(ctx context.Context, tr *storage.TradeRecord, price float64) error {
	side := types.Side(tr.Side)
	st := e.stopState(tr)

	prevSL := st.CurrentSL
	newSL := e.stops.Update(st, side, tr.EntryPrice, price)
	if newSL != prevSL {
		if err := e.db.UpdateTrade(ctx, tr.TradeID, map[string]any{"trailing_stop": newSL, "stop_loss": newSL}); err != nil {
			e.lg.Warn().Err(err).Str("trade_id", tr.TradeID).Msg("Stop update not persisted")
		}
	}

	reason := e.exitReason(tr, st, side, price)
	if reason == "" {
		return nil
	}
	return e.Close(ctx, tr, price, reason, false)
}

// stopState returns the live stop machine for a trade, rebuilding it from
// the persisted stop after a restart.
func (e *Executor) stopState(tr *storage.TradeRecord) *types.StopLossState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.stopsMap[tr.TradeID]; ok {
		return st
	}
	sl := tr.TrailingStop
	if sl == 0 {
		sl = tr.StopLoss
	}
	st := risk.NewState(tr.TradeID, tr.EntryPrice, sl)
	e.stopsMap[tr.TradeID] = st
	return st
}

func (e *Executor) exitReason(tr *storage.TradeRecord, st *types.StopLossState, side types.Side, price float64) string {
	if risk.Stopped(st, side, price) {
		return "stop_loss"
	}
	if tr.TakeProfit > 0 {
		if side == types.SideBuy && price >= tr.TakeProfit {
			return "take_profit"
		}
		if side == types.SideSell && price <= tr.TakeProfit {
			return "take_profit"
		}
	}
	if e.cfg.Trading.MaxHoldSeconds > 0 {
		held := e.now().Sub(tr.EntryTime)
		if held >= time.Duration(e.cfg.Trading.MaxHoldSeconds)*time.Second {
			return "max_hold"
		}
	}
	return ""
}

// Close exits one trade. Idempotent: a second close of the same trade is a
// no-op because the ledger refuses to close a non-open row.
func (e *Executor) Close(ctx context.Context, tr *storage.TradeRecord, price float64, reason string, force bool) error {
	exit := price
	if e.cfg.App.Mode == config.ModeLive {
		order, err := e.venue.ClosePosition(ctx, tr.Pair, tr.Quantity)
		if err != nil {
			if force {
				e.lg.Error().Err(err).Str("trade_id", tr.TradeID).Msg("Forced close: venue exit failed, closing on book price")
			} else {
				return fmt.Errorf("venue close %s: %w", tr.Pair, err)
			}
		} else if order.AvgFillPrice > 0 {
			exit = order.AvgFillPrice
		}
	} else {
		// Keep the simulated position book consistent. The pnl below already
		// models slippage, so the paper fill price is not taken as exit.
		if _, err := e.venue.ClosePosition(ctx, tr.Pair, tr.Quantity); err != nil {
			e.lg.Debug().Err(err).Str("pair", tr.Pair).Msg("Paper book close skipped")
		}
	}

	side := types.Side(tr.Side)
	sign := 1.0
	if side == types.SideSell {
		sign = -1
	}
	entryNotional := tr.EntryPrice * tr.Quantity
	exitNotional := exit * tr.Quantity
	fees := (entryNotional + exitNotional) * e.cfg.Exchange.TakerFee
	slip := (entryNotional + exitNotional) * e.cfg.Exchange.SlippagePct
	pnl := (exit-tr.EntryPrice)*tr.Quantity*sign - fees - slip
	pnlPct := 0.0
	if entryNotional > 0 {
		pnlPct = pnl / entryNotional * 100
	}

	label := 0
	if pnl > 0 {
		label = 1
	}
	exitTime := e.now().UTC()
	err := e.db.CloseTradeWithLabel(ctx, tr.TradeID, map[string]any{
		"exit_price":       exit,
		"pnl":              pnl,
		"pnl_pct":          pnlPct,
		"fees":             fees,
		"slippage":         slip,
		"exit_reason":      reason,
		"exit_time":        exitTime,
		"duration_seconds": int64(exitTime.Sub(tr.EntryTime).Seconds()),
	}, label)
	if err != nil {
		if strings.Contains(err.Error(), "not open") {
			e.lg.Debug().Str("trade_id", tr.TradeID).Msg("Close skipped: trade already closed")
			return nil
		}
		return fmt.Errorf("persist close: %w", err)
	}
	e.db.InvalidateStats()

	e.risk.RecordClose(tr.TradeID, tr.Pair, pnl)
	e.mu.Lock()
	delete(e.stopsMap, tr.TradeID)
	e.mu.Unlock()

	if e.hook != nil {
		e.hook(tr.Pair, tr.Strategy, pnl, tr.TrendRegime, tr.VolRegime)
	}
	if e.learn != nil {
		if features, _, ferr := e.db.GetMLFeatures(ctx, tr.TradeID); ferr == nil && len(features) > 0 {
			go e.learn(features, label)
		}
	}

	e.publish("trades", map[string]any{
		"event":    "closed",
		"trade_id": tr.TradeID,
		"pair":     tr.Pair,
		"exit":     exit,
		"pnl":      pnl,
		"reason":   reason,
	})
	e.lg.Info().
		Str("trade_id", tr.TradeID).
		Str("pair", tr.Pair).
		Str("reason", reason).
		Float64("exit", exit).
		Float64("pnl", pnl).
		Msg("💰 Position closed")
	return nil
}

// CloseAll force-closes every open trade. Used by the kill path and by
// emergency auto-pause.
func (e *Executor) CloseAll(ctx context.Context, reason string) (int, error) {
	open, err := e.db.OpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open trades: %w", err)
	}
	closed := 0
	for i := range open {
		tr := &open[i]
		price, perr := e.priceOf(ctx, tr.Pair)
		if perr != nil || price <= 0 {
			price = tr.EntryPrice
		}
		if cerr := e.Close(ctx, tr, price, reason, true); cerr != nil {
			e.lg.Error().Err(cerr).Str("trade_id", tr.TradeID).Msg("Close-all: trade not closed")
			continue
		}
		closed++
	}
	return closed, nil
}
