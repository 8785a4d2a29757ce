// Package confluence aggregates per-strategy votes into a single decision
// per pair. It owns regime detection, the multi-timeframe combiner, the
// per-hour session multiplier, and the runtime strategy guardrail.
package confluence

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/marketdata"
	"github.com/gravix-labs/confluxbot/strategy"
	"github.com/gravix-labs/confluxbot/types"
)

// SyntheticBookStrategy is the name of the injected order-book vote. It is
// never a "real" vote for threshold purposes.
const SyntheticBookStrategy = "order_book"

// CooldownFunc reports whether a (pair, strategy, direction) combination is
// in cooldown; a true return coerces that strategy's vote to NEUTRAL.
type CooldownFunc func(pair, strategyName string, dir types.Direction) bool

// Detector is the per-pair decision brain.
type Detector struct {
	cfg        *config.Config
	cache      *marketdata.Cache
	strategies []strategy.Strategy
	byName     map[string]strategy.Strategy
	guardrail  *Guardrail
	session    *SessionAnalyzer
	cooldown   CooldownFunc
	now        func() time.Time
}

// New wires the detector. cooldown may be nil (no cooldowns), session may
// be nil (multiplier 1.0).
func New(cfg *config.Config, cache *marketdata.Cache, strategies []strategy.Strategy,
	guardrail *Guardrail, session *SessionAnalyzer, cooldown CooldownFunc) *Detector {
	byName := make(map[string]strategy.Strategy, len(strategies))
	for _, s := range strategies {
		byName[s.Name()] = s
	}
	return &Detector{
		cfg:        cfg,
		cache:      cache,
		strategies: strategies,
		byName:     byName,
		guardrail:  guardrail,
		session:    session,
		cooldown:   cooldown,
		now:        time.Now,
	}
}

// Guardrail exposes the runtime guardrail so the executor can feed it
// closed-trade PnL.
func (d *Detector) Guardrail() *Guardrail { return d.guardrail }

// RecordTradePnL routes a closed trade's PnL to the owning strategy's
// performance tracker and the guardrail.
func (d *Detector) RecordTradePnL(strategyName string, pnl float64, trendRegime, volRegime string) {
	if s, ok := d.byName[strategyName]; ok {
		s.RecordTradePnL(pnl, trendRegime, volRegime)
	}
	if d.guardrail != nil {
		d.guardrail.RecordPnL(strategyName, pnl)
	}
}

// Detect runs one full confluence pass for a pair. Returns nil (no error)
// when the pair is not warmed up or its data is stale.
func (d *Detector) Detect(ctx context.Context, pair string) (*types.ConfluenceSignal, error) {
	pair = types.NormalizePair(pair)
	if !d.cache.IsWarmedUp(pair) {
		log.Debug().Str("pair", pair).Msg("Skipping scan, pair not warmed up")
		return nil, nil
	}
	staleAfter := time.Duration(d.cfg.AI.StaleAfterSeconds) * time.Second
	if d.cache.IsStale(pair, staleAfter) {
		log.Warn().Str("pair", pair).Msg("Skipping scan, market data stale")
		return nil, nil
	}

	bars := d.cache.Bars(pair, d.cfg.Trading.UseClosedCandlesOnly)
	if len(bars) == 0 {
		return nil, nil
	}

	perTF := make(map[int]*types.ConfluenceSignal, len(d.cfg.Trading.Timeframes))
	for _, tf := range d.cfg.Trading.Timeframes {
		tfBars := marketdata.Resample(bars, tf)
		sig, err := d.detectTimeframe(ctx, pair, tf, tfBars)
		if err != nil {
			return nil, fmt.Errorf("timeframe %dm: %w", tf, err)
		}
		perTF[tf] = sig
	}

	out := CombineTimeframes(perTF, d.cfg.AI.PrimaryTimeframe, d.cfg.AI.MultiTimeframeMinAgree)
	if out != nil && out.Direction != types.DirectionNeutral {
		log.Info().
			Str("pair", pair).
			Str("direction", string(out.Direction)).
			Float64("strength", out.Strength).
			Float64("confidence", out.Confidence).
			Int("confluence", out.ConfluenceCount).
			Bool("sure_fire", out.IsSureFire).
			Msg("🎯 Confluence signal")
	}
	return out, nil
}

// detectTimeframe builds one timeframe's ConfluenceSignal.
func (d *Detector) detectTimeframe(ctx context.Context, pair string, tf int, bars []types.Bar) (*types.ConfluenceSignal, error) {
	opens, highs, lows, closes, volumes := marketdata.Series(bars)
	regime := DetectRegime(highs, lows, closes)

	in := strategy.Input{
		Pair:            pair,
		Opens:           opens,
		Highs:           highs,
		Lows:            lows,
		Closes:          closes,
		Volumes:         volumes,
		TrendRegime:     regime.Trend,
		VolRegime:       regime.Vol,
		RoundTripFeePct: d.cfg.Exchange.RoundTripFeePct(),
		SLMult:          d.cfg.Risk.ATRMultiplierSL,
		TPMult:          d.cfg.Risk.ATRMultiplierTP,
	}
	if book := d.cache.BookAnalysis(pair); book != nil {
		in.Book = book
	}

	signals := d.fanOut(ctx, in)

	// Cooldown coercion happens after collection so the cooldown predicate
	// sees the direction the strategy actually voted.
	if d.cooldown != nil {
		for i, sig := range signals {
			if sig.Direction != types.DirectionNeutral && d.cooldown(pair, sig.Strategy, sig.Direction) {
				signals[i] = types.Neutral(sig.Strategy, pair)
			}
		}
	}

	return d.buildSignal(ctx, pair, tf, signals, regime, closes)
}

// fanOut runs all enabled strategies in parallel, each with its own timeout.
// A timed-out or guardrail-benched strategy contributes NEUTRAL.
func (d *Detector) fanOut(ctx context.Context, in strategy.Input) []types.StrategySignal {
	timeout := time.Duration(d.cfg.AI.StrategyTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	type result struct {
		idx int
		sig types.StrategySignal
	}
	enabled := make([]strategy.Strategy, 0, len(d.strategies))
	for _, s := range d.strategies {
		if d.guardrail != nil && d.guardrail.IsDisabled(s.Name()) {
			continue
		}
		enabled = append(enabled, s)
	}

	out := make([]types.StrategySignal, len(enabled))
	ch := make(chan result, len(enabled))
	for i, s := range enabled {
		go func(i int, s strategy.Strategy) {
			ch <- result{idx: i, sig: strategy.SafeAnalyze(ctx, s, in)}
		}(i, s)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	received := make([]bool, len(enabled))
	for n := 0; n < len(enabled); {
		select {
		case r := <-ch:
			out[r.idx] = r.sig
			received[r.idx] = true
			n++
		case <-timer.C:
			for i := range received {
				if !received[i] {
					log.Warn().Str("strategy", enabled[i].Name()).Msg("Strategy timed out, voting NEUTRAL")
					out[i] = types.Neutral(enabled[i].Name(), in.Pair)
				}
			}
			return out
		case <-ctx.Done():
			for i := range received {
				if !received[i] {
					out[i] = types.Neutral(enabled[i].Name(), in.Pair)
				}
			}
			return out
		}
	}
	return out
}

// buildSignal turns raw strategy votes into one timeframe's decision.
func (d *Detector) buildSignal(ctx context.Context, pair string, tf int, signals []types.StrategySignal, regime types.RegimeInfo, closes []float64) (*types.ConfluenceSignal, error) {
	price := d.cache.LatestPrice(pair)
	if price <= 0 && len(closes) > 0 {
		price = closes[len(closes)-1]
	}

	out := &types.ConfluenceSignal{
		Pair:        pair,
		Direction:   types.DirectionNeutral,
		EntryPrice:  price,
		TrendRegime: regime.Trend,
		VolRegime:   regime.Vol,
		Timestamp:   time.Now().UTC(),
		Metadata: map[string]float64{
			"timeframe":     float64(tf),
			"adx":           regime.ADX,
			"atr_pct":       regime.ATRPct,
			"vol_level":     regime.VolLevel,
			"vol_expanding": boolToFloat(regime.VolExpanding),
		},
	}

	actionable := make([]types.StrategySignal, 0, len(signals))
	for _, s := range signals {
		if s.IsActionable() {
			actionable = append(actionable, s)
		}
	}

	// Synthetic order-book vote: book score preferred, raw OBI fallback.
	if book := d.cache.BookAnalysis(pair); book != nil {
		age := time.Since(book.UpdatedAt)
		maxAge := time.Duration(d.cfg.AI.BookScoreMaxAgeSeconds) * time.Second
		if age <= maxAge {
			out.OBI = book.OBI
			out.BookScore = book.Score
			metric, threshold := book.Score, d.cfg.AI.BookScoreThreshold
			if metric == 0 {
				metric, threshold = book.OBI, d.cfg.AI.OBIThreshold
			}
			if math.Abs(metric) >= threshold {
				dir := types.DirectionLong
				if metric < 0 {
					dir = types.DirectionShort
				}
				mag := clampUnit(math.Abs(metric))
				actionable = append(actionable, types.StrategySignal{
					Strategy:   SyntheticBookStrategy,
					Pair:       pair,
					Direction:  dir,
					Strength:   0.3 + mag*0.5,
					Confidence: 0.3 + mag*0.4,
					EntryPrice: price,
					Timestamp:  time.Now().UTC(),
				})
			}
		}
	}

	longs, shorts := 0, 0
	for _, s := range actionable {
		real := s.Strategy != SyntheticBookStrategy
		if !real && !d.cfg.AI.OBICountsAsConfluence {
			continue
		}
		switch s.Direction {
		case types.DirectionLong:
			longs++
		case types.DirectionShort:
			shorts++
		}
	}
	if longs == shorts {
		out.Signals = actionable
		return out, nil
	}

	dir := types.DirectionLong
	if shorts > longs {
		dir = types.DirectionShort
	}

	var wSum, strength, confidence float64
	var winning []types.StrategySignal
	realVotes, count, opposingReal := 0, 0, 0
	for _, s := range actionable {
		real := s.Strategy != SyntheticBookStrategy
		if s.Direction == dir.Opposite() && real {
			opposingReal++
		}
		if s.Direction != dir {
			continue
		}
		if !real && !d.cfg.AI.OBICountsAsConfluence {
			continue
		}
		w := d.weight(s.Strategy, regime)
		wSum += w
		strength += s.Strength * w
		confidence += s.Confidence * w
		winning = append(winning, s)
		count++
		if real {
			realVotes++
		}
	}
	if wSum <= 0 {
		out.Signals = actionable
		return out, nil
	}
	strength /= wSum
	confidence /= wSum

	// Confluence bonus rewards independent agreement.
	confidence += math.Min(float64(count-1)*0.1, 0.3)
	// Each real opposing vote erodes confidence, bounded.
	confidence -= math.Min(float64(opposingReal)*0.04, 0.12)
	// Alignment of the dominant strategy family with the regime.
	if d.dominantFamilyMatches(winning, regime) {
		confidence += 0.03
	}
	// Session multiplier per UTC hour.
	if d.cfg.AI.SessionEnabled && d.session != nil {
		confidence *= d.session.Multiplier(ctx, d.now().UTC().Hour())
	}

	// Agreement follows whichever book metric produced the synthetic vote:
	// score when present, raw OBI otherwise.
	bookMetric := out.BookScore
	if bookMetric == 0 {
		bookMetric = out.OBI
	}
	out.OBIAgrees = (bookMetric > 0 && dir == types.DirectionLong) ||
		(bookMetric < 0 && dir == types.DirectionShort)

	if count >= d.cfg.AI.SureFireMinCount && out.OBIAgrees && confidence >= d.cfg.AI.MinConfidence {
		out.IsSureFire = true
		strength += 0.15
		confidence += 0.10
	}

	out.Direction = dir
	out.Strength = clampUnit(strength)
	out.Confidence = clampUnit(confidence)
	out.ConfluenceCount = count
	out.RealVotes = realVotes
	out.Signals = actionable
	out.StopLoss, out.TakeProfit = aggregateSLTP(winning, dir)
	return out, nil
}

// weight = base × adaptive performance × regime multiplier.
func (d *Detector) weight(name string, regime types.RegimeInfo) float64 {
	w := 1.0
	if name == SyntheticBookStrategy {
		w = d.cfg.AI.OBIWeight
	}
	if base, ok := d.cfg.AI.StrategyWeights[name]; ok {
		w = base
	}
	if s, ok := d.byName[name]; ok {
		w *= s.PerformanceFactor(regime.Trend, regime.Vol)
	}
	w *= d.regimeMultiplier(name, regime)
	return w
}

// Families for regime alignment: trend-followers shine in trends, faders in
// ranges. Config regime_multipliers override the defaults per key
// "<strategy>.<regime>".
var trendFamily = map[string]bool{
	"trend": true, "supertrend": true, "ichimoku": true, "keltner": true, "squeeze": true,
}
var rangeFamily = map[string]bool{
	"meanrev": true, "reversal": true, "stoch_div": true,
}

func (d *Detector) regimeMultiplier(name string, regime types.RegimeInfo) float64 {
	for _, key := range []string{name + "." + regime.Trend, name + "." + regime.Vol} {
		if m, ok := d.cfg.AI.RegimeMultipliers[key]; ok {
			return m
		}
	}
	switch {
	case trendFamily[name] && regime.Trend == types.RegimeTrend:
		return 1.15
	case trendFamily[name] && regime.Trend == types.RegimeRange:
		return 0.90
	case rangeFamily[name] && regime.Trend == types.RegimeRange:
		return 1.15
	case rangeFamily[name] && regime.Trend == types.RegimeTrend:
		return 0.90
	}
	return 1.0
}

func (d *Detector) dominantFamilyMatches(winning []types.StrategySignal, regime types.RegimeInfo) bool {
	trendN, rangeN := 0, 0
	for _, s := range winning {
		if trendFamily[s.Strategy] {
			trendN++
		} else if rangeFamily[s.Strategy] {
			rangeN++
		}
	}
	if trendN == rangeN {
		return false
	}
	if trendN > rangeN {
		return regime.Trend == types.RegimeTrend
	}
	return regime.Trend == types.RegimeRange
}

// aggregateSLTP prefers the strongest signal's complete SL/TP pair; absent
// that, it takes the widest stop and the furthest target across the
// winning votes.
func aggregateSLTP(winning []types.StrategySignal, dir types.Direction) (sl, tp float64) {
	var primary *types.StrategySignal
	for i := range winning {
		s := &winning[i]
		if primary == nil || s.Strength > primary.Strength {
			primary = s
		}
	}
	if primary != nil && primary.StopLoss > 0 && primary.TakeProfit > 0 {
		return primary.StopLoss, primary.TakeProfit
	}

	for _, s := range winning {
		if s.StopLoss > 0 {
			if sl == 0 {
				sl = s.StopLoss
			} else if dir == types.DirectionLong && s.StopLoss < sl {
				sl = s.StopLoss
			} else if dir == types.DirectionShort && s.StopLoss > sl {
				sl = s.StopLoss
			}
		}
		if s.TakeProfit > 0 {
			if tp == 0 {
				tp = s.TakeProfit
			} else if dir == types.DirectionLong && s.TakeProfit > tp {
				tp = s.TakeProfit
			} else if dir == types.DirectionShort && s.TakeProfit < tp {
				tp = s.TakeProfit
			}
		}
	}
	return sl, tp
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
