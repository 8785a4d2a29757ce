// Package executor turns approved signals into venue orders and owns the
// full trade lifecycle: open, manage, close, reconcile. It is the only
// writer of trade rows and of the risk manager's open-position set.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/exchange"
	"github.com/gravix-labs/confluxbot/mirror"
	"github.com/gravix-labs/confluxbot/risk"
	"github.com/gravix-labs/confluxbot/storage"
	"github.com/gravix-labs/confluxbot/types"
)

const pendingOpenGiveUp = 15 * time.Minute

// LearnFeed receives (features, label) after each close. Called on its own
// goroutine; implementations do their own locking.
type LearnFeed func(features map[string]float64, label int)

// CloseHook observes every close so the engine can route pnl into strategy
// performance trackers, guardrails, and pair cooldowns.
type CloseHook func(pair, strategy string, pnl float64, trendRegime, volRegime string)

type pendingOpen struct {
	TradeID      string
	OrderID      string
	Pair         string
	Side         types.Side
	Quantity     float64
	PlannedEntry float64
	StopLoss     float64
	TakeProfit   float64
	Confidence   float64
	Strategy     string
	TrendRegime  string
	VolRegime    string
	Features     map[string]float64
	SubmittedAt  time.Time
}

// Executor drives trades against a venue and the ledger.
type Executor struct {
	cfg    *config.Config
	venue  exchange.VenueAdapter
	db     *storage.DB
	risk   *risk.Manager
	stops  *risk.StopEngine
	mir    *mirror.Mirror // nil when the mirror is disabled
	learn  LearnFeed
	hook   CloseHook
	prices PriceSource
	lg     zerolog.Logger

	now func() time.Time

	mu       sync.Mutex
	stopsMap map[string]*types.StopLossState
	pending  map[string]pendingOpen // keyed by pair
	rejected int
}

// New builds an executor. mir, learn and hook may be nil.
func New(cfg *config.Config, venue exchange.VenueAdapter, db *storage.DB, rm *risk.Manager, mir *mirror.Mirror) *Executor {
	return &Executor{
		cfg:      cfg,
		venue:    venue,
		db:       db,
		risk:     rm,
		stops:    risk.NewStopEngine(cfg),
		mir:      mir,
		lg:       log.With().Str("component", "executor").Logger(),
		now:      time.Now,
		stopsMap: make(map[string]*types.StopLossState),
		pending:  make(map[string]pendingOpen),
	}
}

// SetLearnFeed installs the online-learner callback.
func (e *Executor) SetLearnFeed(f LearnFeed) { e.learn = f }

// SetCloseHook installs the close observer.
func (e *Executor) SetCloseHook(h CloseHook) { e.hook = h }

// SetClock injects time for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// RejectedOpens reports how many pending opens ended terminal-rejected.
func (e *Executor) RejectedOpens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rejected
}

// Open executes an approved signal with the risk-approved size. A nil trade
// with nil error means the order was submitted but not yet filled and is
// being tracked as a pending open.
func (e *Executor) Open(ctx context.Context, sig *types.ConfluenceSignal, sizeUSD float64, features map[string]float64) (*storage.TradeRecord, error) {
	var side types.Side
	switch sig.Direction {
	case types.DirectionLong:
		side = types.SideBuy
	case types.DirectionShort:
		if !e.cfg.Exchange.SupportsShortSelling {
			return nil, exchange.Permanent("short signals are not executable on a spot venue")
		}
		side = types.SideSell
	default:
		return nil, fmt.Errorf("signal for %s has no direction", sig.Pair)
	}

	entry := sig.EntryPrice
	if entry <= 0 {
		tk, err := e.venue.GetTicker(ctx, sig.Pair)
		if err != nil {
			return nil, fmt.Errorf("entry price lookup: %w", err)
		}
		entry = tk.Price
	}

	qty, err := e.quantize(sizeUSD, entry)
	if err != nil {
		return nil, err
	}

	tradeID := uuid.NewString()
	order, err := e.submitEntry(ctx, sig.Pair, side, entry, qty, tradeID)
	if err != nil {
		return nil, err
	}

	if order.Status != types.OrderFilled {
		e.trackPending(sig, order, side, qty, entry, tradeID, features)
		return nil, nil
	}

	fill := order.AvgFillPrice
	if fill <= 0 {
		fill = entry
	}
	return e.recordOpen(ctx, openParams{
		TradeID:     tradeID,
		Pair:        sig.Pair,
		Side:        side,
		Entry:       fill,
		Quantity:    order.FilledQty,
		StopLoss:    sig.StopLoss + (fill - entry),
		TakeProfit:  sig.TakeProfit + (fill - entry),
		Confidence:  sig.Confidence,
		Strategy:    leadStrategy(sig),
		TrendRegime: sig.TrendRegime,
		VolRegime:   sig.VolRegime,
		Features:    features,
		Metadata:    signalMetadata(sig),
	})
}

// quantize converts size to venue quantity, enforcing precision and the
// minimum order size.
func (e *Executor) quantize(sizeUSD, entry float64) (float64, error) {
	if entry <= 0 {
		return 0, fmt.Errorf("entry price %.4f not positive", entry)
	}
	qty, _ := decimal.NewFromFloat(sizeUSD / entry).
		Round(int32(e.cfg.Exchange.QuantityDecimals)).Float64()
	if qty < e.cfg.Exchange.MinOrderQty {
		return 0, exchange.Permanent("quantity %.8f below venue minimum %.8f", qty, e.cfg.Exchange.MinOrderQty)
	}
	return qty, nil
}

// submitEntry places the entry order. Live mode chases with limit orders
// first when configured; paper mode fills instantly at market.
func (e *Executor) submitEntry(ctx context.Context, pair string, side types.Side, entry, qty float64, tradeID string) (*types.Order, error) {
	if e.cfg.App.Mode == config.ModeLive && e.cfg.Exchange.LimitChaseAttempts > 0 {
		if order, ok := e.limitChase(ctx, pair, side, entry, qty, tradeID); ok {
			return order, nil
		}
		if !e.cfg.Exchange.LimitFallbackToMarket {
			return nil, fmt.Errorf("limit chase for %s exhausted without fill", pair)
		}
		e.lg.Info().Str("pair", pair).Msg("Limit chase exhausted, falling back to market")
	}

	order, err := e.venue.SubmitOrder(ctx, exchange.OrderRequest{
		Pair:          pair,
		Side:          side,
		Type:          "market",
		Quantity:      qty,
		ClientOrderID: tradeID,
	})
	if err != nil {
		return nil, fmt.Errorf("submit market order: %w", err)
	}
	return e.awaitFill(ctx, order)
}

// limitChase tries up to limit_chase_attempts maker orders, shifting the
// price one tick toward the market each attempt. Returns ok=false when no
// attempt filled.
func (e *Executor) limitChase(ctx context.Context, pair string, side types.Side, entry, qty float64, tradeID string) (*types.Order, bool) {
	tick := tickSize(e.cfg.Exchange.PriceDecimals)
	delay := time.Duration(e.cfg.Exchange.LimitChaseDelaySeconds * float64(time.Second))
	price := entry

	for attempt := 0; attempt < e.cfg.Exchange.LimitChaseAttempts; attempt++ {
		if attempt > 0 {
			if side == types.SideBuy {
				price += tick
			} else {
				price -= tick
			}
		}
		order, err := e.venue.SubmitOrder(ctx, exchange.OrderRequest{
			Pair:          pair,
			Side:          side,
			Type:          "limit",
			Price:         price,
			Quantity:      qty,
			ClientOrderID: fmt.Sprintf("%s-c%d", tradeID, attempt),
			PostOnly:      e.cfg.Exchange.PostOnly,
		})
		if err != nil {
			e.lg.Warn().Err(err).Str("pair", pair).Int("attempt", attempt).Msg("Limit chase submit failed")
			continue
		}

		deadline := e.now().Add(delay)
		for e.now().Before(deadline) {
			got, err := e.venue.GetOrder(ctx, order.OrderID)
			if err == nil && got.Status == types.OrderFilled {
				return got, true
			}
			if err == nil && got.Status.Terminal() {
				break
			}
			select {
			case <-ctx.Done():
				return nil, false
			case <-time.After(e.pollInterval()):
			}
		}
		if err := e.venue.CancelOrder(ctx, order.OrderID); err != nil {
			e.lg.Warn().Err(err).Str("order_id", order.OrderID).Msg("Chase cancel failed")
		}
	}
	return nil, false
}

// awaitFill polls until the order is terminal or the fill deadline passes.
// A still-open order is returned as-is so the caller can track it.
func (e *Executor) awaitFill(ctx context.Context, order *types.Order) (*types.Order, error) {
	if order.Status.Terminal() {
		return order, nil
	}
	deadline := e.now().Add(time.Duration(e.cfg.Exchange.FillPollTimeoutSeconds) * time.Second)
	for e.now().Before(deadline) {
		got, err := e.venue.GetOrder(ctx, order.OrderID)
		if err != nil {
			e.lg.Warn().Err(err).Str("order_id", order.OrderID).Msg("Fill poll failed")
		} else {
			order = got
			if order.Status.Terminal() {
				return order, nil
			}
		}
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(e.pollInterval()):
		}
	}
	return order, nil
}

func (e *Executor) pollInterval() time.Duration {
	iv := e.cfg.Exchange.FillPollIntervalSeconds
	if iv <= 0 {
		iv = 0.5
	}
	return time.Duration(iv * float64(time.Second))
}

type openParams struct {
	TradeID     string
	Pair        string
	Side        types.Side
	Entry       float64
	Quantity    float64
	StopLoss    float64
	TakeProfit  float64
	Confidence  float64
	Strategy    string
	TrendRegime string
	VolRegime   string
	Features    map[string]float64
	Metadata    string
}

// recordOpen persists the open row, the feature snapshot, and registers the
// position everywhere that tracks it.
func (e *Executor) recordOpen(ctx context.Context, p openParams) (*storage.TradeRecord, error) {
	sizeUSD := p.Entry * p.Quantity
	tr := &storage.TradeRecord{
		TradeID:     p.TradeID,
		Pair:        p.Pair,
		Side:        string(p.Side),
		Status:      string(types.StatusOpen),
		EntryPrice:  p.Entry,
		Quantity:    p.Quantity,
		SizeUSD:     sizeUSD,
		Strategy:    p.Strategy,
		Confidence:  p.Confidence,
		StopLoss:    p.StopLoss,
		TakeProfit:  p.TakeProfit,
		TrendRegime: p.TrendRegime,
		VolRegime:   p.VolRegime,
		EntryTime:   e.now().UTC(),
		Metadata:    p.Metadata,
	}
	if err := e.db.InsertTrade(ctx, tr); err != nil {
		return nil, fmt.Errorf("persist open trade: %w", err)
	}
	if len(p.Features) > 0 {
		if err := e.db.InsertMLFeatures(ctx, p.TradeID, p.Features); err != nil {
			return nil, fmt.Errorf("persist trade features: %w", err)
		}
	}

	e.risk.RegisterPosition(p.TradeID, p.Pair, sizeUSD)
	e.mu.Lock()
	e.stopsMap[p.TradeID] = risk.NewState(p.TradeID, p.Entry, p.StopLoss)
	delete(e.pending, p.Pair)
	e.mu.Unlock()

	e.publish("trades", map[string]any{
		"event":    "opened",
		"trade_id": p.TradeID,
		"pair":     p.Pair,
		"side":     string(p.Side),
		"entry":    p.Entry,
		"qty":      p.Quantity,
		"size_usd": sizeUSD,
		"strategy": p.Strategy,
	})
	e.lg.Info().
		Str("trade_id", p.TradeID).
		Str("pair", p.Pair).
		Str("side", string(p.Side)).
		Float64("entry", p.Entry).
		Float64("size_usd", sizeUSD).
		Msg("🚀 Position opened")
	return tr, nil
}

// trackPending remembers an unfilled live order so reconciliation can
// resolve it later.
func (e *Executor) trackPending(sig *types.ConfluenceSignal, order *types.Order, side types.Side, qty, entry float64, tradeID string, features map[string]float64) {
	e.mu.Lock()
	e.pending[sig.Pair] = pendingOpen{
		TradeID:      tradeID,
		OrderID:      order.OrderID,
		Pair:         sig.Pair,
		Side:         side,
		Quantity:     qty,
		PlannedEntry: entry,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		Confidence:   sig.Confidence,
		Strategy:     leadStrategy(sig),
		TrendRegime:  sig.TrendRegime,
		VolRegime:    sig.VolRegime,
		Features:     features,
		SubmittedAt:  e.now(),
	}
	e.mu.Unlock()
	e.lg.Info().
		Str("trade_id", tradeID).
		Str("pair", sig.Pair).
		Str("order_id", order.OrderID).
		Msg("⏳ Order submitted, awaiting fill via reconciliation")
}

// publish sends a doc to the analytics mirror when one is attached.
func (e *Executor) publish(docType string, fields map[string]any) {
	if e.mir != nil {
		e.mir.Publish(docType, fields)
	}
}

// leadStrategy names the strongest contributing strategy, for the trade row.
func leadStrategy(sig *types.ConfluenceSignal) string {
	best, bestStrength := "confluence", -1.0
	for _, s := range sig.Signals {
		if s.Direction == sig.Direction && s.Strength > bestStrength {
			best, bestStrength = s.Strategy, s.Strength
		}
	}
	return best
}

// signalMetadata serializes the signal summary stored on the trade row.
func signalMetadata(sig *types.ConfluenceSignal) string {
	names := make([]string, 0, len(sig.Signals))
	for _, s := range sig.Signals {
		names = append(names, s.Strategy)
	}
	meta := map[string]any{
		"strategies":       names,
		"confluence_count": sig.ConfluenceCount,
		"real_votes":       sig.RealVotes,
		"sure_fire":        sig.IsSureFire,
		"obi":              sig.OBI,
		"book_score":       sig.BookScore,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// tickSize is one price increment at the venue's price precision.
func tickSize(priceDecimals int) float64 {
	tick := 1.0
	for i := 0; i < priceDecimals; i++ {
		tick /= 10
	}
	return tick
}
