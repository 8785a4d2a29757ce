// Package engine owns the event loop: warm-up, ingestion, event-driven
// scanning, the pre-trade gate pipeline, position management, circuit
// breakers, and background maintenance. Every long-lived loop runs under a
// restart supervisor; the engine pauses trading instead of crashing.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/confluence"
	"github.com/gravix-labs/confluxbot/exchange"
	"github.com/gravix-labs/confluxbot/executor"
	"github.com/gravix-labs/confluxbot/marketdata"
	"github.com/gravix-labs/confluxbot/mirror"
	"github.com/gravix-labs/confluxbot/ml"
	"github.com/gravix-labs/confluxbot/notify"
	"github.com/gravix-labs/confluxbot/risk"
	"github.com/gravix-labs/confluxbot/storage"
	"github.com/gravix-labs/confluxbot/strategy"
	"github.com/gravix-labs/confluxbot/types"
)

const shutdownSettle = 15 * time.Second

// Engine wires every component and runs the supervised loops.
type Engine struct {
	cfg      *config.Config
	cache    *marketdata.Cache
	queue    *marketdata.ScanQueue
	detector *confluence.Detector
	gate     *ml.Gate
	online   *ml.OnlineLearner
	rm       *risk.Manager
	exec     *executor.Executor
	venue    exchange.VenueAdapter
	db       *storage.DB
	mir      *mirror.Mirror
	notifier notify.Sink
	ws       *exchange.WSClient
	cron     *cron.Cron
	lg       zerolog.Logger

	killFn  context.CancelFunc
	running atomic.Bool

	mu          sync.Mutex
	staleTicks  int
	scanRef     map[string]float64 // last price a pair was scanned at
	lastClose   map[string]time.Time
	startedAt   time.Time
	pauseReason string
}

// New assembles the engine from config. venue is the trading venue (paper
// or live); dataVenue feeds warmup and candle polls and is usually the same
// adapter.
func New(cfg *config.Config, venue exchange.VenueAdapter, db *storage.DB, mir *mirror.Mirror, notifier notify.Sink) *Engine {
	cache := marketdata.NewCache(cfg.Trading.WarmupBars*4, cfg.Trading.WarmupBars)
	queue := marketdata.NewScanQueue(len(cfg.Trading.Pairs) * 4)

	rm := risk.NewManager(cfg, db)

	guardrail := confluence.NewGuardrail(
		cfg.AI.GuardrailWindow,
		cfg.AI.GuardrailMinTrades,
		cfg.AI.GuardrailMinWinRate,
		cfg.AI.GuardrailMinProfitFactor,
		time.Duration(cfg.AI.GuardrailDisableMinutes)*time.Minute,
		nil,
	)
	var session *confluence.SessionAnalyzer
	if cfg.AI.SessionEnabled {
		session = confluence.NewSessionAnalyzer(db, cfg.AI.SessionMinTradesPerHour,
			time.Duration(cfg.AI.SessionCacheSeconds)*time.Second)
	}

	e := &Engine{
		cfg:       cfg,
		cache:     cache,
		queue:     queue,
		rm:        rm,
		venue:     venue,
		db:        db,
		mir:       mir,
		notifier:  notifier,
		cron:      cron.New(),
		lg:        log.With().Str("component", "engine").Logger(),
		scanRef:   make(map[string]float64),
		lastClose: make(map[string]time.Time),
	}

	strategies := strategy.DefaultSet(cfg.AI.DisabledStrategies)
	e.detector = confluence.New(cfg, cache, strategies, guardrail, session, e.cooldownActive)

	batch := ml.LoadBatchPredictor(cfg.ML.BatchModelPath, cfg.ML.NormalizationPath)
	e.online = ml.NewOnlineLearner(cfg.ML.OnlineModelPath, cfg.AI.OnlineMinUpdates)
	e.gate = ml.NewGate(batch, e.online)

	e.exec = executor.New(cfg, venue, db, rm, mir)
	e.exec.SetPriceSource(cache)
	e.exec.SetCloseHook(func(pair, strategyName string, pnl float64, trend, vol string) {
		e.detector.RecordTradePnL(strategyName, pnl, trend, vol)
		e.noteClose(pair)
	})
	e.exec.SetLearnFeed(func(features map[string]float64, label int) {
		e.gate.Learn(features, label)
	})

	if cfg.Exchange.WSURL != "" {
		e.ws = exchange.NewWSClient(cfg.Exchange.WSURL, cfg.Trading.Pairs, exchange.WSHandlers{
			OnTicker: e.onTicker,
			OnOHLC:   e.onBar,
			OnBook:   e.onBook,
		})
	}
	return e
}

// Run starts everything and blocks until ctx is cancelled or startup fails.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.killFn = cancel
	e.startedAt = time.Now().UTC()

	if err := e.warmup(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	if err := e.exec.ReconcileStartup(ctx); err != nil {
		e.lg.Error().Err(err).Msg("Startup reconciliation failed")
		e.thought("reconcile", fmt.Sprintf("startup reconciliation failed: %v", err))
	}
	e.restorePauseState(ctx)

	if e.mir != nil {
		go e.mir.Run(ctx)
	}

	var wg sync.WaitGroup
	start := func(t task) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.supervise(ctx, t)
		}()
	}

	start(task{name: "scan", critical: true, run: e.scanLoop})
	start(task{name: "positions", critical: true, run: e.positionLoop})
	start(task{name: "candlepoll", critical: true, run: e.candlePollLoop})
	start(task{name: "health", critical: true, run: e.healthLoop})
	if e.ws != nil {
		start(task{name: "ws", critical: true, run: e.ws.Run})
	}
	e.startCron()

	e.running.Store(true)
	e.lg.Info().
		Str("mode", e.cfg.App.Mode).
		Strs("pairs", e.cfg.Trading.Pairs).
		Msg("🚀 Engine running")

	<-ctx.Done()
	e.running.Store(false)
	e.lg.Info().Msg("Engine stopping")

	cronCtx := e.cron.Stop()
	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-time.After(shutdownSettle):
		e.lg.Warn().Msg("Tasks did not settle within the shutdown window")
	}
	<-cronCtx.Done()

	if err := e.online.Save(); err != nil {
		e.lg.Warn().Err(err).Msg("Online model not saved at shutdown")
	}
	return nil
}

// warmup seeds the cache with historical bars for every pair. Failing to
// warm any pair is a startup error: trading blind is worse than not
// starting.
func (e *Engine) warmup(ctx context.Context) error {
	for _, pair := range e.cfg.Trading.Pairs {
		bars, err := e.venue.GetOHLC(ctx, pair, 1, e.cfg.Trading.WarmupBars)
		if err != nil {
			return fmt.Errorf("fetch %s history: %w", pair, err)
		}
		e.cache.Warmup(pair, bars)
		if !e.cache.IsWarmedUp(pair) {
			e.lg.Warn().Str("pair", pair).Int("bars", len(bars)).Msg("Pair under-warmed, will fill from live feed")
		}
	}
	e.lg.Info().Int("pairs", len(e.cfg.Trading.Pairs)).Msg("📊 Warmup complete")
	return nil
}

// restorePauseState re-applies a persisted pause across restarts: a breaker
// trip survives the process.
func (e *Engine) restorePauseState(ctx context.Context) {
	val, err := e.db.GetState(ctx, "paused")
	if err != nil {
		e.lg.Warn().Err(err).Msg("Pause state unavailable")
		return
	}
	if val == "true" {
		e.rm.SetPaused(true)
		e.lg.Warn().Msg("⏸️ Restored paused state from ledger")
	}
}

// cooldownActive reports whether a pair/strategy combination must stand
// down after a recent close. Backed by the risk manager's pair cooldowns
// plus per-strategy overrides from config.
func (e *Engine) cooldownActive(pair, strategyName string, _ types.Direction) bool {
	e.mu.Lock()
	last, ok := e.lastClose[pair]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cd := e.cfg.Trading.CooldownSeconds
	if override, has := e.cfg.Trading.StrategyCooldownsSeconds[strategyName]; has {
		cd = override
	}
	if cd <= 0 {
		return false
	}
	return time.Since(last) < time.Duration(cd)*time.Second
}

// noteClose records a pair close time for cooldown purposes. Wired into
// the close hook path.
func (e *Engine) noteClose(pair string) {
	e.mu.Lock()
	e.lastClose[pair] = time.Now()
	e.mu.Unlock()
}

// thought appends to the decision journal, best effort.
func (e *Engine) thought(category, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.db.AddThought(ctx, category, content); err != nil {
		e.lg.Warn().Err(err).Msg("Thought not recorded")
	}
}

// autoPause trips a circuit breaker: idempotent, journaled, notified, and
// optionally flattens the book.
func (e *Engine) autoPause(ctx context.Context, reason, detail string) {
	if e.rm.Paused() {
		return
	}
	e.rm.SetPaused(true)
	e.mu.Lock()
	e.pauseReason = reason
	e.mu.Unlock()

	if err := e.db.SetState(ctx, "paused", "true"); err != nil {
		e.lg.Warn().Err(err).Msg("Pause state not persisted")
	}
	e.thought("auto_pause", fmt.Sprintf("%s: %s", reason, detail))
	e.lg.Error().Str("reason", reason).Str("detail", detail).Msg("🛑 Auto-pause tripped")
	if e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("🛑 Trading paused (%s): %s", reason, detail))
	}

	if e.cfg.Monitoring.EmergencyCloseOnAutoPause {
		if n, err := e.exec.CloseAll(ctx, "emergency_"+reason); err != nil {
			e.lg.Error().Err(err).Msg("Emergency close failed")
		} else if n > 0 {
			e.lg.Warn().Int("closed", n).Msg("Emergency close completed")
		}
	}
}

// ── Controller surface (driven by the HTTP server) ──

// Pause halts new entries. Open positions continue to be managed.
func (e *Engine) Pause(ctx context.Context, reason string) error {
	if e.rm.Paused() {
		return nil
	}
	e.rm.SetPaused(true)
	e.mu.Lock()
	e.pauseReason = reason
	e.mu.Unlock()
	e.thought("pause", reason)
	return e.db.SetState(ctx, "paused", "true")
}

// Resume re-enables trading and clears breaker latches.
func (e *Engine) Resume(ctx context.Context) error {
	e.rm.SetPaused(false)
	e.mu.Lock()
	e.pauseReason = ""
	e.staleTicks = 0
	e.mu.Unlock()
	e.thought("resume", "operator resume")
	e.lg.Info().Msg("▶️ Trading resumed")
	return e.db.SetState(ctx, "paused", "false")
}

// CloseAll flattens every open position.
func (e *Engine) CloseAll(ctx context.Context, reason string) (int, error) {
	return e.exec.CloseAll(ctx, reason)
}

// Kill closes all positions, then stops the engine.
func (e *Engine) Kill(ctx context.Context) error {
	e.thought("kill", "operator kill")
	if _, err := e.exec.CloseAll(ctx, "kill"); err != nil {
		e.lg.Error().Err(err).Msg("Kill: close-all failed, stopping anyway")
	}
	if e.killFn != nil {
		e.killFn()
	}
	return nil
}

// Status is the operator snapshot.
func (e *Engine) Status(ctx context.Context) map[string]any {
	e.mu.Lock()
	reason := e.pauseReason
	started := e.startedAt
	e.mu.Unlock()

	wsUp := false
	if e.ws != nil {
		wsUp = e.ws.Connected()
	}
	open, _ := e.db.OpenTrades(ctx)
	return map[string]any{
		"running":        e.running.Load(),
		"mode":           e.cfg.App.Mode,
		"paused":         e.rm.Paused(),
		"pause_reason":   reason,
		"pairs":          e.cfg.Trading.Pairs,
		"open_positions": len(open),
		"pending_opens":  e.exec.PendingCount(),
		"ws_connected":   wsUp,
		"queue_len":      e.queue.Len(),
		"bankroll":       e.rm.Bankroll(),
		"uptime_seconds": int(time.Since(started).Seconds()),
	}
}

// RiskReport proxies the risk manager's snapshot.
func (e *Engine) RiskReport() types.RiskReport {
	return e.rm.Report()
}

// InjectSignal feeds an external (webhook) signal through the same gate
// pipeline as scan-produced signals. It never bypasses risk.
func (e *Engine) InjectSignal(ctx context.Context, sig *types.ConfluenceSignal) error {
	if sig == nil || sig.Direction == types.DirectionNeutral {
		return fmt.Errorf("signal carries no direction")
	}
	if sig.EntryPrice <= 0 {
		if px := e.cache.LatestPrice(sig.Pair); px > 0 {
			sig.EntryPrice = px
		} else {
			tk, err := e.venue.GetTicker(ctx, sig.Pair)
			if err != nil {
				return fmt.Errorf("no price for %s", sig.Pair)
			}
			sig.EntryPrice = tk.Price
		}
	}
	e.evaluateSignal(ctx, sig, true)
	return nil
}
