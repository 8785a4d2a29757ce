// Package risk owns capital preservation: the ordered approval gate chain,
// Kelly-scaled position sizing, the per-trade stop-loss state machine, and
// the operator-facing risk report.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/types"
)

// TradeCounter provides the persisted trades-in-window count. Implemented
// by the storage layer; the in-memory counter alone cannot survive restarts.
type TradeCounter interface {
	TradesSince(ctx context.Context, since time.Time) (int, error)
}

type openPosition struct {
	pair    string
	sizeUSD float64
}

// Manager evaluates trade intents and tracks bankroll state. All methods
// are safe for concurrent use.
type Manager struct {
	mu  sync.Mutex
	cfg *config.Config
	db  TradeCounter
	now func() time.Time

	paused bool

	bankroll     float64
	peakBankroll float64
	maxDrawdown  float64

	day         string
	dailyPnL    float64
	dailyTrades int
	hourStart   time.Time
	hourTrades  int

	consecutiveWins   int
	consecutiveLosses int
	lastLossAt        time.Time

	openPositions map[string]openPosition // trade_id -> position
	lastCloseAt   map[string]time.Time    // pair -> close time
	lastLossByPair map[string]time.Time
}

// NewManager builds the manager from config. db may be nil (hour cap then
// relies on the in-memory counter only).
func NewManager(cfg *config.Config, db TradeCounter) *Manager {
	return &Manager{
		cfg:            cfg,
		db:             db,
		now:            time.Now,
		bankroll:       cfg.Risk.InitialBankroll,
		peakBankroll:   cfg.Risk.InitialBankroll,
		openPositions:  make(map[string]openPosition),
		lastCloseAt:    make(map[string]time.Time),
		lastLossByPair: make(map[string]time.Time),
	}
}

// SetClock injects a clock for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetPaused flips the master trading switch consulted by the first gate.
func (m *Manager) SetPaused(p bool) {
	m.mu.Lock()
	m.paused = p
	m.mu.Unlock()
}

// Paused reports the master switch.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func deny(reason string) types.RiskDecision {
	return types.RiskDecision{Allowed: false, Reason: reason}
}

// Evaluate runs the full ordered gate chain and, on approval, sizes the
// position. Rejection short-circuits at the first failing gate.
func (m *Manager) Evaluate(ctx context.Context, intent types.TradeIntent) types.RiskDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollWindowsLocked()

	if m.paused {
		return deny("trading paused")
	}

	if cap := m.cfg.Risk.MaxDailyTrades; cap > 0 && m.dailyTrades >= cap {
		return deny(fmt.Sprintf("daily trade cap reached (%d)", cap))
	}

	if cap := m.cfg.Trading.MaxTradesPerHour; cap > 0 {
		count := m.hourTrades
		if m.db != nil {
			if persisted, err := m.db.TradesSince(ctx, m.now().Add(-time.Hour)); err != nil {
				log.Warn().Err(err).Msg("Hourly trade count query failed, using in-memory counter")
			} else if persisted > count {
				count = persisted
			}
		}
		if count >= cap {
			return deny(fmt.Sprintf("hourly trade cap reached (%d)", cap))
		}
	}

	slDist := math.Abs(intent.EntryPrice - intent.StopLoss)
	tpDist := math.Abs(intent.TakeProfit - intent.EntryPrice)
	if slDist <= 0 || intent.EntryPrice <= 0 {
		return deny("invalid stop geometry")
	}
	rr := tpDist / slDist
	if rr < m.cfg.AI.MinRiskRewardRatio {
		return deny(fmt.Sprintf("risk/reward %.2f below minimum %.2f", rr, m.cfg.AI.MinRiskRewardRatio))
	}

	pair := types.NormalizePair(intent.Pair)
	if cd := time.Duration(m.cfg.Trading.CooldownSeconds) * time.Second; cd > 0 {
		last := m.lastCloseAt[pair]
		if lost := m.lastLossByPair[pair]; lost.After(last) {
			last = lost
		}
		if !last.IsZero() && m.now().Sub(last) < cd {
			return deny("pair in cooldown")
		}
	}

	if streak := m.cfg.Risk.GlobalCooldownLossStreak; streak > 0 && m.consecutiveLosses >= streak {
		cd := time.Duration(m.cfg.Risk.GlobalCooldownSecondsOnLoss) * time.Second
		if m.now().Sub(m.lastLossAt) < cd {
			return deny(fmt.Sprintf("global cooldown after %d consecutive losses", m.consecutiveLosses))
		}
	}

	if m.cfg.Risk.MaxDailyLoss > 0 && m.dailyPnL < 0 &&
		-m.dailyPnL/m.bankroll >= m.cfg.Risk.MaxDailyLoss {
		return deny("daily loss limit hit")
	}

	if ror := m.riskOfRuinLocked(intent.WinRate); ror > m.cfg.Risk.RiskOfRuinThreshold {
		return deny(fmt.Sprintf("risk of ruin %.3f above threshold", ror))
	}

	if cap := m.cfg.Trading.MaxConcurrentPositions; cap > 0 && len(m.openPositions) >= cap {
		return deny(fmt.Sprintf("max concurrent positions (%d)", cap))
	}

	size := m.kellySizeLocked(intent, rr)
	if size <= 0 {
		return deny("kelly size is zero")
	}

	exposure := m.exposureLocked()
	if capUSD := m.cfg.Risk.MaxTotalExposurePct * m.bankroll; exposure+size > capUSD {
		return deny(fmt.Sprintf("exposure cap: %.0f + %.0f > %.0f", exposure, size, capUSD))
	}

	return types.RiskDecision{Allowed: true, SizeUSD: size, RiskRewardRatio: rr, Reason: "approved"}
}

// kellySizeLocked: f* = max(0, w - (1-w)/R), scaled by the kelly fraction,
// the drawdown factor, and a confidence boost, then clamped.
func (m *Manager) kellySizeLocked(intent types.TradeIntent, rr float64) float64 {
	w := intent.WinRate
	if w <= 0 || w >= 1 {
		w = 0.5
	}
	r := intent.AvgWinLossRatio
	if r <= 0 {
		r = rr
	}
	if r <= 0 {
		return 0
	}

	fStar := w - (1-w)/r
	if fStar < 0 {
		fStar = 0
	}

	frac := m.cfg.Risk.KellyFraction * fStar
	if frac > m.cfg.Risk.MaxKellySize {
		frac = m.cfg.Risk.MaxKellySize
	}

	// Confidence nudges size within ±15% around the midpoint.
	boost := 0.85 + 0.3*clampUnit(intent.Confidence)

	size := m.bankroll * frac * m.drawdownFactorLocked() * boost
	if size > m.cfg.Risk.MaxPositionUSD {
		size = m.cfg.Risk.MaxPositionUSD
	}
	return size
}

// drawdownFactorLocked shrinks sizing as drawdown deepens.
func (m *Manager) drawdownFactorLocked() float64 {
	dd := m.drawdownPctLocked()
	switch {
	case dd <= 0:
		return 1.0
	case dd <= 4:
		return 0.8
	case dd <= 8:
		return 0.6
	default:
		return 0.4
	}
}

func (m *Manager) drawdownPctLocked() float64 {
	if m.peakBankroll <= 0 {
		return 0
	}
	return (m.peakBankroll - m.bankroll) / m.peakBankroll * 100
}

// riskOfRuinLocked uses the classic gambler's-ruin estimate with the unit
// count implied by per-trade risk. Win rate at or below coin-flip with
// negative drift saturates to 1.
func (m *Manager) riskOfRuinLocked(winRate float64) float64 {
	if winRate <= 0 || winRate >= 1 {
		return 0 // unknown win rate: defer to the other gates
	}
	edge := 2*winRate - 1
	if edge <= 0 {
		return 1
	}
	riskPer := m.cfg.Risk.MaxRiskPerTrade
	if riskPer <= 0 {
		return 0
	}
	units := 1.0 / riskPer
	return math.Pow((1-edge)/(1+edge), units)
}

func (m *Manager) exposureLocked() float64 {
	total := 0.0
	for _, p := range m.openPositions {
		total += p.sizeUSD
	}
	return total
}

// RegisterPosition records an opened position for exposure accounting.
func (m *Manager) RegisterPosition(tradeID, pair string, sizeUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollWindowsLocked()
	m.openPositions[tradeID] = openPosition{pair: types.NormalizePair(pair), sizeUSD: sizeUSD}
	m.dailyTrades++
	m.hourTrades++
}

// RecordClose settles a closed position into bankroll and streak state.
func (m *Manager) RecordClose(tradeID, pair string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollWindowsLocked()

	delete(m.openPositions, tradeID)
	pair = types.NormalizePair(pair)
	m.lastCloseAt[pair] = m.now()

	m.bankroll += pnl
	m.dailyPnL += pnl
	if m.bankroll > m.peakBankroll {
		m.peakBankroll = m.bankroll
	}
	if dd := m.drawdownPctLocked(); dd > m.maxDrawdown {
		m.maxDrawdown = dd
	}

	if pnl > 0 {
		m.consecutiveWins++
		m.consecutiveLosses = 0
	} else if pnl < 0 {
		m.consecutiveLosses++
		m.consecutiveWins = 0
		m.lastLossAt = m.now()
		m.lastLossByPair[pair] = m.now()
	}
}

// OpenPositionCount returns the number of registered open positions.
func (m *Manager) OpenPositionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.openPositions)
}

// ConsecutiveLosses returns the current loss streak.
func (m *Manager) ConsecutiveLosses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveLosses
}

// Bankroll returns the current bankroll.
func (m *Manager) Bankroll() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bankroll
}

// DrawdownPct returns the current drawdown from peak in percent.
func (m *Manager) DrawdownPct() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdownPctLocked()
}

// Report snapshots the full risk state for operators.
func (m *Manager) Report() types.RiskReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollWindowsLocked()

	exposure := m.exposureLocked()
	capUSD := m.cfg.Risk.MaxTotalExposurePct * m.bankroll
	remaining := capUSD - exposure
	if remaining < 0 {
		remaining = 0
	}
	return types.RiskReport{
		Bankroll:             m.bankroll,
		InitialBankroll:      m.cfg.Risk.InitialBankroll,
		PeakBankroll:         m.peakBankroll,
		CurrentDrawdownPct:   m.drawdownPctLocked(),
		MaxDrawdownPct:       m.maxDrawdown,
		DailyPnL:             m.dailyPnL,
		DailyTrades:          m.dailyTrades,
		OpenPositions:        len(m.openPositions),
		TotalExposureUSD:     exposure,
		RemainingCapacityUSD: remaining,
		RiskOfRuin:           m.riskOfRuinLocked(0.55),
		DrawdownFactor:       m.drawdownFactorLocked(),
		ConsecutiveWins:      m.consecutiveWins,
		ConsecutiveLosses:    m.consecutiveLosses,
	}
}

// rollWindowsLocked resets daily and hourly counters on window boundaries.
func (m *Manager) rollWindowsLocked() {
	now := m.now()
	day := now.UTC().Format("2006-01-02")
	if day != m.day {
		m.day = day
		m.dailyPnL = 0
		m.dailyTrades = 0
	}
	hour := now.Truncate(time.Hour)
	if !hour.Equal(m.hourStart) {
		m.hourStart = hour
		m.hourTrades = 0
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
