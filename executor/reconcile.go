package executor

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/types"
)

// ReconcilePending resolves submitted-but-unrecorded opens against broker
// truth. Live mode only; the paper venue fills instantly.
func (e *Executor) ReconcilePending(ctx context.Context) error {
	if e.cfg.App.Mode != config.ModeLive {
		return nil
	}
	e.mu.Lock()
	snapshot := make([]pendingOpen, 0, len(e.pending))
	for _, p := range e.pending {
		snapshot = append(snapshot, p)
	}
	e.mu.Unlock()
	if len(snapshot) == 0 {
		return nil
	}

	brokerPos, err := e.brokerPositionsByPair(ctx)
	if err != nil {
		return fmt.Errorf("list broker positions: %w", err)
	}

	for _, p := range snapshot {
		if _, err := e.db.GetTrade(ctx, p.TradeID); err == nil {
			e.dropPending(p.Pair)
			continue
		}

		// Broker holds the position: the fill happened, only our record is
		// missing. Materialize from broker truth.
		if pos, ok := brokerPos[p.Pair]; ok && pos.Quantity > 0 {
			e.materialize(ctx, p, pos)
			continue
		}

		order, err := e.venue.GetOrder(ctx, p.OrderID)
		if err != nil {
			e.lg.Warn().Err(err).Str("order_id", p.OrderID).Msg("Pending reconcile: order lookup failed")
		} else {
			switch {
			case order.Status == types.OrderFilled:
				fill := order.AvgFillPrice
				if fill <= 0 {
					fill = p.PlannedEntry
				}
				shift := fill - p.PlannedEntry
				if _, rerr := e.recordOpen(ctx, openParams{
					TradeID:     p.TradeID,
					Pair:        p.Pair,
					Side:        p.Side,
					Entry:       fill,
					Quantity:    order.FilledQty,
					StopLoss:    p.StopLoss + shift,
					TakeProfit:  p.TakeProfit + shift,
					Confidence:  p.Confidence,
					Strategy:    p.Strategy,
					TrendRegime: p.TrendRegime,
					VolRegime:   p.VolRegime,
					Features:    p.Features,
					Metadata:    "{}",
				}); rerr != nil {
					e.lg.Error().Err(rerr).Str("trade_id", p.TradeID).Msg("Pending reconcile: fill not persisted")
				}
				continue
			case order.Status.Terminal():
				e.lg.Warn().Str("order_id", p.OrderID).Str("status", string(order.Status)).Msg("Pending open ended terminal without fill")
				e.dropPending(p.Pair)
				e.mu.Lock()
				e.rejected++
				e.mu.Unlock()
				continue
			}
		}

		if e.now().Sub(p.SubmittedAt) > pendingOpenGiveUp {
			e.lg.Warn().Str("order_id", p.OrderID).Str("pair", p.Pair).Msg("Pending open unresolved for 15m with no broker position, giving up")
			e.dropPending(p.Pair)
		}
	}
	return nil
}

// ReconcileStartup aligns the local ledger with broker truth after a
// restart: broker positions without a local open row are materialized, and
// quantity drift is reported.
func (e *Executor) ReconcileStartup(ctx context.Context) error {
	if e.cfg.App.Mode != config.ModeLive {
		return nil
	}
	brokerPos, err := e.brokerPositionsByPair(ctx)
	if err != nil {
		return fmt.Errorf("list broker positions: %w", err)
	}
	open, err := e.db.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}

	localByPair := make(map[string]float64, len(open))
	for _, tr := range open {
		localByPair[tr.Pair] += tr.Quantity
	}

	for pair, pos := range brokerPos {
		localQty, held := localByPair[pair]
		if !held {
			e.lg.Warn().Str("pair", pair).Float64("qty", pos.Quantity).Msg("Broker position without local row, materializing")
			e.materialize(ctx, pendingOpen{
				TradeID:  uuid.NewString(),
				Pair:     pair,
				Side:     types.SideBuy,
				Strategy: "reconciled",
			}, pos)
			continue
		}
		if math.Abs(localQty-pos.Quantity) > 1e-9 {
			e.lg.Warn().
				Str("pair", pair).
				Float64("local_qty", localQty).
				Float64("broker_qty", pos.Quantity).
				Msg("Quantity mismatch between ledger and broker")
		}
	}
	for pair, qty := range localByPair {
		if _, ok := brokerPos[pair]; !ok {
			e.lg.Warn().Str("pair", pair).Float64("local_qty", qty).Msg("Local open trade with no broker position")
		}
	}
	return nil
}

func (e *Executor) brokerPositionsByPair(ctx context.Context) (map[string]types.BrokerPosition, error) {
	list, err := e.venue.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.BrokerPosition, len(list))
	for _, pos := range list {
		out[types.NormalizePair(pos.Pair)] = pos
	}
	return out, nil
}

// materialize creates a local open row from a broker-held position. Stops
// are rebuilt from the broker entry with the configured ATR-free fallback
// of a flat percent distance derived from risk config.
func (e *Executor) materialize(ctx context.Context, p pendingOpen, pos types.BrokerPosition) {
	entry := pos.AvgEntryPrice
	sl, tp := p.StopLoss, p.TakeProfit
	if sl <= 0 {
		sl = entry * (1 - e.cfg.Risk.MaxRiskPerTrade)
	}
	if tp <= 0 {
		tp = entry * (1 + e.cfg.Risk.MaxRiskPerTrade*2)
	}
	if p.StopLoss > 0 {
		shift := entry - p.PlannedEntry
		sl, tp = p.StopLoss+shift, p.TakeProfit+shift
	}
	if _, err := e.recordOpen(ctx, openParams{
		TradeID:     p.TradeID,
		Pair:        p.Pair,
		Side:        types.SideBuy,
		Entry:       entry,
		Quantity:    pos.Quantity,
		StopLoss:    sl,
		TakeProfit:  tp,
		Confidence:  p.Confidence,
		Strategy:    p.Strategy,
		TrendRegime: p.TrendRegime,
		VolRegime:   p.VolRegime,
		Features:    p.Features,
		Metadata:    `{"materialized":true}`,
	}); err != nil {
		e.lg.Error().Err(err).Str("pair", p.Pair).Msg("Materialize from broker truth failed")
	}
}

// PendingCount reports tracked unfilled opens. Exposed for status surfaces.
func (e *Executor) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// HasPending reports whether a pair already has an in-flight open, so the
// scan loop does not stack orders.
func (e *Executor) HasPending(pair string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[pair]
	return ok
}

func (e *Executor) dropPending(pair string) {
	e.mu.Lock()
	delete(e.pending, pair)
	e.mu.Unlock()
}
