package types

import (
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CORE TYPES - Shared across all packages
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a signal. Strategies vote LONG/SHORT/NEUTRAL.
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRAL"
)

// Opposite returns the opposing direction (NEUTRAL maps to itself).
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	}
	return DirectionNeutral
}

// Side of an executed order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buy, -1 for sell.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// TradeStatus lifecycle: open → {closed, cancelled, error}. Never reopens.
type TradeStatus string

const (
	StatusOpen      TradeStatus = "open"
	StatusClosed    TradeStatus = "closed"
	StatusCancelled TradeStatus = "cancelled"
	StatusError     TradeStatus = "error"
)

// CanTransition reports whether a status change is legal.
func (s TradeStatus) CanTransition(to TradeStatus) bool {
	if s != StatusOpen {
		return false
	}
	return to == StatusClosed || to == StatusCancelled || to == StatusError
}

// NormalizePair canonicalizes a pair identifier. Pair equality is
// case-insensitive throughout the system.
func NormalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

// Bar is a single OHLCV candle. OpenTime is unix seconds. The most recent
// bar in a series is in-progress: its Close may still move.
type Bar struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	VWAP     float64 `json:"vwap,omitempty"`
}

// Ticker is the latest trade price for a pair.
type Ticker struct {
	Pair      string
	Price     float64
	UpdatedAt time.Time
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderBookSnapshot is the latest depth snapshot for a pair.
type OrderBookSnapshot struct {
	Pair      string
	Bids      []BookLevel
	Asks      []BookLevel
	UpdatedAt time.Time
}

// BestBid returns the top bid price, or 0 when the book side is empty.
func (ob *OrderBookSnapshot) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 when the book side is empty.
func (ob *OrderBookSnapshot) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// SpreadPct returns (ask-bid)/mid as a percentage, 0 when unavailable.
func (ob *OrderBookSnapshot) SpreadPct() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid * 100
}

// BookAnalysis is the microstructure read derived from an order book snapshot.
// OBI is (bidVol-askVol)/(bidVol+askVol) over the top levels. Score folds OBI,
// spread tightness, and whale bias into a single [-1, 1] scalar.
type BookAnalysis struct {
	Pair      string
	OBI       float64
	SpreadPct float64
	Score     float64
	WhaleBias float64
	UpdatedAt time.Time
}

// StrategySignal is one strategy's vote for one pair on one timeframe.
type StrategySignal struct {
	Strategy   string
	Pair       string
	Direction  Direction
	Strength   float64 // 0..1
	Confidence float64 // 0..1
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Timestamp  time.Time
	Metadata   map[string]float64
}

// IsActionable reports whether the signal carries a tradeable vote.
func (s *StrategySignal) IsActionable() bool {
	return s.Direction != DirectionNeutral && s.Strength >= 0.3 && s.Confidence >= 0.3
}

// Neutral builds a NEUTRAL signal for a strategy/pair. Used by every
// fail-closed path.
func Neutral(strategy, pair string) StrategySignal {
	return StrategySignal{
		Strategy:  strategy,
		Pair:      pair,
		Direction: DirectionNeutral,
		Timestamp: time.Now().UTC(),
	}
}

// Regime tags derived from ADX and ATR/price.
const (
	RegimeTrend = "trend"
	RegimeRange = "range"

	VolLow  = "low_vol"
	VolMid  = "mid_vol"
	VolHigh = "high_vol"
)

// RegimeInfo captures the detected market regime for one timeframe.
type RegimeInfo struct {
	Trend        string // trend | range
	Vol          string // low_vol | mid_vol | high_vol
	ADX          float64
	ATRPct       float64 // ATR / price
	VolLevel     float64 // 0..1 percentile of recent ATR%
	VolExpanding bool
}

// TimeframeVote summarizes one timeframe's contribution to a combined signal.
type TimeframeVote struct {
	Timeframe  int // minutes
	Direction  Direction
	Strength   float64
	Confidence float64
	Count      int
	StopLoss   float64
	TakeProfit float64
}

// ConfluenceSignal is the aggregated decision for one pair.
type ConfluenceSignal struct {
	Pair            string
	Direction       Direction
	Strength        float64
	Confidence      float64
	ConfluenceCount int // actionable votes incl. synthetic order_book when configured
	RealVotes       int // actionable votes excluding the synthetic order_book vote
	Signals         []StrategySignal
	OBI             float64
	BookScore       float64
	OBIAgrees       bool
	IsSureFire      bool
	EntryPrice      float64
	StopLoss        float64
	TakeProfit      float64
	TrendRegime     string
	VolRegime       string
	Timeframes      map[int]TimeframeVote
	Timestamp       time.Time
	Metadata        map[string]float64
}

// Trade is the canonical trade record (in-memory view; storage owns the
// persisted gorm model).
type Trade struct {
	TradeID         string
	TenantID        string
	Pair            string
	Side            Side
	Status          TradeStatus
	EntryPrice      float64
	ExitPrice       float64
	Quantity        float64
	Strategy        string
	Confidence      float64
	StopLoss        float64
	TakeProfit      float64
	TrailingStop    float64
	PnL             float64
	PnLPct          float64
	Fees            float64
	Slippage        float64
	EntryTime       time.Time
	ExitTime        time.Time
	DurationSeconds int64
	Metadata        map[string]any
}

// StopLossState tracks the per-trade stop machine. Owned by the risk
// manager; mutated only by the position-management loop.
type StopLossState struct {
	TradeID            string
	CurrentSL          float64
	PeakPrice          float64
	BreakevenActivated bool
	TrailingActivated  bool
}

// TradeIntent is what the engine hands the risk manager for approval.
type TradeIntent struct {
	Pair            string
	Side            Side
	EntryPrice      float64
	StopLoss        float64
	TakeProfit      float64
	Confidence      float64
	WinRate         float64
	AvgWinLossRatio float64
	Strategy        string
}

// RiskDecision is the risk manager's verdict on an intent.
type RiskDecision struct {
	Allowed         bool
	SizeUSD         float64
	Reason          string
	RiskRewardRatio float64
}

// RiskReport is the operator-facing snapshot of risk state.
type RiskReport struct {
	Bankroll             float64 `json:"bankroll"`
	InitialBankroll      float64 `json:"initial_bankroll"`
	PeakBankroll         float64 `json:"peak_bankroll"`
	CurrentDrawdownPct   float64 `json:"current_drawdown_pct"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`
	DailyPnL             float64 `json:"daily_pnl"`
	DailyTrades          int     `json:"daily_trades"`
	OpenPositions        int     `json:"open_positions"`
	TotalExposureUSD     float64 `json:"total_exposure_usd"`
	RemainingCapacityUSD float64 `json:"remaining_capacity_usd"`
	RiskOfRuin           float64 `json:"risk_of_ruin"`
	DrawdownFactor       float64 `json:"drawdown_factor"`
	ConsecutiveWins      int     `json:"consecutive_wins"`
	ConsecutiveLosses    int     `json:"consecutive_losses"`
}

// OrderStatus of a venue order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Terminal reports whether the order can no longer fill.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Order is a venue order as seen by the executor.
type Order struct {
	OrderID       string
	ClientOrderID string
	Pair          string
	Side          Side
	Type          string // market | limit
	Price         float64
	Quantity      float64
	FilledQty     float64
	AvgFillPrice  float64
	Status        OrderStatus
	SubmittedAt   time.Time
}

// BrokerPosition is venue truth for a held position, used by reconciliation.
type BrokerPosition struct {
	Pair          string
	Quantity      float64
	AvgEntryPrice float64
}
