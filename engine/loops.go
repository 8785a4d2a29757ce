package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/gravix-labs/confluxbot/confluence"
	"github.com/gravix-labs/confluxbot/marketdata"
	"github.com/gravix-labs/confluxbot/ml"
	"github.com/gravix-labs/confluxbot/storage"
	"github.com/gravix-labs/confluxbot/types"
)

// ── ingestion handlers (WS read loop goroutine) ──

func (e *Engine) onTicker(pair string, price float64) {
	e.cache.UpdateTicker(pair, price)
	e.cache.UpdateLatestClose(pair, price)

	e.mu.Lock()
	ref := e.scanRef[pair]
	moved := ref > 0 && math.Abs(price/ref-1)*100 >= e.cfg.Trading.EventPriceMovePct
	if ref == 0 || moved {
		e.scanRef[pair] = price
	}
	e.mu.Unlock()

	if moved {
		e.queue.Enqueue(pair)
	}
}

func (e *Engine) onBar(pair string, bar types.Bar) {
	if e.cache.UpdateBar(pair, bar) {
		e.queue.Enqueue(pair)
	}
}

func (e *Engine) onBook(pair string, snap types.OrderBookSnapshot) {
	e.cache.UpdateOrderBook(pair, snap)
	ba := marketdata.AnalyzeBook(&snap, 10, e.cfg.AI.WhaleThresholdUSD)
	e.cache.UpdateBookAnalysis(pair, ba)
}

// ── scan loop ──

func (e *Engine) scanLoop(ctx context.Context) error {
	interval := time.Duration(e.cfg.Trading.ScanIntervalSeconds) * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		pair, ok := e.queue.Pop(interval)
		if ctx.Err() != nil {
			return nil
		}
		if ok {
			e.scanPair(ctx, pair)
			continue
		}
		// Quiet market: sweep the full pair list.
		for _, p := range e.cfg.Trading.Pairs {
			if ctx.Err() != nil {
				return nil
			}
			e.scanPair(ctx, p)
		}
	}
}

func (e *Engine) scanPair(ctx context.Context, pair string) {
	if e.rm.Paused() {
		return
	}
	if e.inQuietHours() {
		return
	}

	sig, err := e.detector.Detect(ctx, pair)
	if err != nil {
		e.lg.Error().Err(err).Str("pair", pair).Msg("Scan failed")
		return
	}
	if sig == nil || sig.Direction == types.DirectionNeutral {
		return
	}

	e.mu.Lock()
	e.scanRef[pair] = sig.EntryPrice
	e.mu.Unlock()

	e.evaluateSignal(ctx, sig, false)
}

func (e *Engine) inQuietHours() bool {
	hour := time.Now().UTC().Hour()
	for _, h := range e.cfg.Trading.QuietHoursUTC {
		if h == hour {
			return true
		}
	}
	return false
}

// evaluateSignal is the pre-trade gate pipeline: vote threshold, ML
// probability blend, confidence floor, R:R, microstructure sanity, then
// risk. Every decision, executed or not, lands in the signals table.
func (e *Engine) evaluateSignal(ctx context.Context, sig *types.ConfluenceSignal, injected bool) {
	if e.rm.Paused() {
		return
	}

	if reason := e.voteGate(sig, injected); reason != "" {
		e.recordSignal(ctx, sig, false, reason)
		return
	}

	features := e.buildFeatures(sig)
	ai := e.gate.Probability(features)
	newConf := ml.BlendConfidence(sig.Confidence, ai, sig.RealVotes)
	e.lg.Debug().
		Str("pair", sig.Pair).
		Float64("conf", sig.Confidence).
		Float64("ai", ai).
		Float64("blended", newConf).
		Msg("ML gate")
	sig.Confidence = newConf

	if newConf < e.cfg.AI.ExecConfidence {
		e.recordSignal(ctx, sig, false, fmt.Sprintf("confidence %.3f below exec threshold %.2f", newConf, e.cfg.AI.ExecConfidence))
		return
	}

	rr := riskReward(sig)
	if rr < e.cfg.AI.MinRiskRewardRatio {
		e.recordSignal(ctx, sig, false, fmt.Sprintf("risk/reward %.2f below %.2f", rr, e.cfg.AI.MinRiskRewardRatio))
		return
	}

	if reason := e.bookGate(sig.Pair); reason != "" {
		e.recordSignal(ctx, sig, false, reason)
		return
	}

	if open, err := e.db.OpenTrades(ctx); err == nil {
		for _, tr := range open {
			if tr.Pair == sig.Pair {
				e.recordSignal(ctx, sig, false, "position already open")
				return
			}
		}
	}
	if e.exec.HasPending(sig.Pair) {
		e.recordSignal(ctx, sig, false, "open already pending")
		return
	}

	intent := e.buildIntent(ctx, sig)
	decision := e.rm.Evaluate(ctx, intent)
	if !decision.Allowed {
		e.recordSignal(ctx, sig, false, decision.Reason)
		e.lg.Info().Str("pair", sig.Pair).Str("reason", decision.Reason).Msg("🚫 Risk denied")
		return
	}

	tr, err := e.exec.Open(ctx, sig, decision.SizeUSD, features)
	if err != nil {
		e.recordSignal(ctx, sig, false, "execution failed")
		e.lg.Error().Err(err).Str("pair", sig.Pair).Msg("Open failed")
		return
	}
	e.recordSignal(ctx, sig, true, "")
	if tr != nil && e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("📈 Opened %s %s @ %.4f ($%.0f)", tr.Side, tr.Pair, tr.EntryPrice, tr.SizeUSD))
	}
}

// voteGate enforces the real-vote threshold with the solo-mode escape
// hatches. Returns a reject reason or "".
func (e *Engine) voteGate(sig *types.ConfluenceSignal, injected bool) string {
	if sig.RealVotes >= e.cfg.AI.ConfluenceThreshold {
		return ""
	}
	if sig.RealVotes != 1 {
		return fmt.Sprintf("real votes %d below threshold %d", sig.RealVotes, e.cfg.AI.ConfluenceThreshold)
	}

	solo := soloStrategy(sig)
	if injected {
		// External signals are a single vote by construction; they pass the
		// vote gate and answer to the ML and risk gates instead.
		return ""
	}
	if e.cfg.AI.AllowAnySolo && sig.Confidence >= e.cfg.AI.SoloMinConfidence {
		return ""
	}
	if e.cfg.AI.AllowKeltnerSolo && solo == "keltner" && sig.Confidence >= e.cfg.AI.KeltnerSoloMinConfidence {
		return ""
	}
	return fmt.Sprintf("solo vote from %s not permitted", solo)
}

func soloStrategy(sig *types.ConfluenceSignal) string {
	for _, s := range sig.Signals {
		if s.Direction == sig.Direction && s.Strategy != confluence.SyntheticBookStrategy {
			return s.Strategy
		}
	}
	return "unknown"
}

// bookGate rejects entries into a hostile microstructure: wide spread or a
// stale book. A pair with no book data at all passes; not every venue
// feeds depth.
func (e *Engine) bookGate(pair string) string {
	ba := e.cache.BookAnalysis(pair)
	if ba == nil {
		return ""
	}
	maxAge := time.Duration(e.cfg.AI.BookScoreMaxAgeSeconds) * time.Second
	if time.Since(ba.UpdatedAt) > maxAge {
		return "order book stale"
	}
	if ba.SpreadPct > e.cfg.Trading.MaxSpreadPct {
		return fmt.Sprintf("spread %.3f%% above max %.3f%%", ba.SpreadPct, e.cfg.Trading.MaxSpreadPct)
	}
	return ""
}

func (e *Engine) buildFeatures(sig *types.ConfluenceSignal) map[string]float64 {
	spread, volumeRatio, momentum := 0.0, 1.0, 0.0
	if ba := e.cache.BookAnalysis(sig.Pair); ba != nil {
		spread = ba.SpreadPct
	}
	bars := e.cache.Bars(sig.Pair, false)
	if n := len(bars); n >= 21 {
		var avgVol float64
		for _, b := range bars[n-21 : n-1] {
			avgVol += b.Volume
		}
		avgVol /= 20
		if avgVol > 0 {
			volumeRatio = bars[n-1].Volume / avgVol
		}
		if past := bars[n-11].Close; past > 0 {
			momentum = bars[n-1].Close/past - 1
		}
	}
	return ml.BuildFeatures(sig, spread, volumeRatio, momentum)
}

func (e *Engine) buildIntent(ctx context.Context, sig *types.ConfluenceSignal) types.TradeIntent {
	side := types.SideBuy
	if sig.Direction == types.DirectionShort {
		side = types.SideSell
	}
	// Cold-start prior: a coin-flip win rate would saturate the ruin
	// estimate and latch the risk gate shut before any history exists.
	winRate, avgRatio := 0.55, 1.5
	if stats, err := e.db.Stats(ctx); err == nil && stats.TotalTrades >= 10 {
		winRate = stats.WinRate
		if stats.AvgLoss < 0 {
			avgRatio = stats.AvgWin / -stats.AvgLoss
		}
	}
	return types.TradeIntent{
		Pair:            sig.Pair,
		Side:            side,
		EntryPrice:      sig.EntryPrice,
		StopLoss:        sig.StopLoss,
		TakeProfit:      sig.TakeProfit,
		Confidence:      sig.Confidence,
		WinRate:         winRate,
		AvgWinLossRatio: avgRatio,
		Strategy:        soloStrategy(sig),
	}
}

func riskReward(sig *types.ConfluenceSignal) float64 {
	slDist := math.Abs(sig.EntryPrice - sig.StopLoss)
	if slDist <= 0 {
		return 0
	}
	return math.Abs(sig.TakeProfit-sig.EntryPrice) / slDist
}

// recordSignal persists the decision for audit, best effort.
func (e *Engine) recordSignal(ctx context.Context, sig *types.ConfluenceSignal, executed bool, reason string) {
	rec := &storage.SignalRecord{
		Pair:            sig.Pair,
		Direction:       string(sig.Direction),
		Strength:        sig.Strength,
		Confidence:      sig.Confidence,
		ConfluenceCount: sig.ConfluenceCount,
		RealVotes:       sig.RealVotes,
		SureFire:        sig.IsSureFire,
		Executed:        executed,
		RejectReason:    reason,
	}
	if err := e.db.InsertSignal(ctx, rec); err != nil {
		e.lg.Warn().Err(err).Msg("Signal not recorded")
	}
	if e.mir != nil {
		e.mir.Publish("signals", map[string]any{
			"pair":      sig.Pair,
			"direction": string(sig.Direction),
			"executed":  executed,
			"reason":    reason,
		})
	}
}

// ── position management loop ──

func (e *Engine) positionLoop(ctx context.Context) error {
	interval := time.Duration(e.cfg.Trading.PositionCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.exec.ManagePositions(ctx); err != nil {
				e.lg.Error().Err(err).Msg("Position tick failed")
			}
			if err := e.exec.ReconcilePending(ctx); err != nil {
				e.lg.Warn().Err(err).Msg("Pending reconciliation failed")
			}
		}
	}
}

// ── REST candle poll loop ──

func (e *Engine) candlePollLoop(ctx context.Context) error {
	interval := time.Duration(e.cfg.Trading.CandlePollSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, pair := range e.cfg.Trading.Pairs {
				bars, err := e.venue.GetOHLC(ctx, pair, 1, 5)
				if err != nil {
					e.lg.Warn().Err(err).Str("pair", pair).Msg("Candle poll failed")
					continue
				}
				fresh := false
				for _, bar := range bars {
					if e.cache.UpdateBar(pair, bar) {
						fresh = true
					}
				}
				if fresh {
					e.queue.Enqueue(pair)
				}
			}
		}
	}
}

// ── health monitor ──

func (e *Engine) healthLoop(ctx context.Context) error {
	interval := time.Duration(e.cfg.Monitoring.HealthCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.healthTick(ctx)
		}
	}
}

// healthTick samples process vitals and evaluates the circuit breakers.
func (e *Engine) healthTick(ctx context.Context) {
	e.sampleVitals(ctx)

	mon := e.cfg.Monitoring

	staleAfter := time.Duration(mon.StalePairAfterSeconds) * time.Second
	stale := e.cache.StalePairs(staleAfter)
	e.mu.Lock()
	if len(stale) > 0 {
		e.staleTicks++
	} else {
		e.staleTicks = 0
	}
	staleTicks := e.staleTicks
	e.mu.Unlock()
	if mon.AutoPauseOnStaleData && staleTicks >= mon.StaleDataPauseAfterChecks {
		e.autoPause(ctx, "stale_data", fmt.Sprintf("%d pairs stale for %d checks: %v", len(stale), staleTicks, stale))
	}

	if mon.AutoPauseOnWSDisconnect && e.ws != nil {
		down := e.ws.DisconnectedFor()
		if down >= time.Duration(mon.WSDisconnectPauseAfterSeconds)*time.Second {
			e.autoPause(ctx, "ws_disconnected", fmt.Sprintf("websocket down for %s", down.Round(time.Second)))
		}
	}

	if mon.AutoPauseOnConsecutiveLosses {
		if losses := e.rm.ConsecutiveLosses(); losses >= mon.ConsecutiveLossesPauseThreshold {
			e.autoPause(ctx, "consecutive_losses", fmt.Sprintf("%d consecutive losses", losses))
		}
	}

	if mon.AutoPauseOnDrawdown {
		if dd := e.rm.DrawdownPct(); dd >= mon.DrawdownPausePct {
			e.autoPause(ctx, "drawdown_limit", fmt.Sprintf("drawdown %.2f%% past %.2f%%", dd, mon.DrawdownPausePct))
		}
	}
}

// sampleVitals records process CPU/RSS and book snapshots into metrics,
// best effort.
func (e *Engine) sampleVitals(ctx context.Context) {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		_ = e.db.WriteMetric(ctx, "host_cpu_pct", pcts[0])
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			_ = e.db.WriteMetric(ctx, "rss_mb", float64(mem.RSS)/(1<<20))
		}
	}
	_ = e.db.WriteMetric(ctx, "open_positions", float64(e.rm.OpenPositionCount()))
	_ = e.db.WriteMetric(ctx, "bankroll", e.rm.Bankroll())

	for _, pair := range e.cfg.Trading.Pairs {
		if ba := e.cache.BookAnalysis(pair); ba != nil && time.Since(ba.UpdatedAt) < time.Minute {
			_ = e.db.InsertBookSnapshot(ctx, &storage.OrderBookRecord{
				Pair:      pair,
				OBI:       ba.OBI,
				SpreadPct: ba.SpreadPct,
				Score:     ba.Score,
				WhaleBias: ba.WhaleBias,
			})
		}
	}
}

// ── cron maintenance ──

func (e *Engine) startCron() {
	cleanup := e.cfg.Monitoring.CleanupCron
	if cleanup == "" {
		cleanup = "0 * * * *"
	}
	if _, err := e.cron.AddFunc(cleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		retention := time.Duration(e.cfg.Monitoring.RetentionDays) * 24 * time.Hour
		if err := e.db.PurgeOlderThan(ctx, retention); err != nil {
			e.lg.Warn().Err(err).Msg("Retention purge failed")
		}
		if err := e.online.Save(); err != nil {
			e.lg.Warn().Err(err).Msg("Online model snapshot failed")
		}
	}); err != nil {
		e.lg.Error().Err(err).Msg("Cleanup cron not scheduled")
	}

	daily := e.cfg.Monitoring.DailySummaryCron
	if daily == "" {
		daily = "5 0 * * *"
	}
	if _, err := e.cron.AddFunc(daily, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
		if err := e.db.UpsertDailySummary(ctx, yesterday); err != nil {
			e.lg.Warn().Err(err).Str("date", yesterday).Msg("Daily summary rollup failed")
		}
	}); err != nil {
		e.lg.Error().Err(err).Msg("Daily summary cron not scheduled")
	}

	e.cron.Start()
}
