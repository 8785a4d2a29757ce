package storage

import "time"

// TradeRecord is the canonical trade row. The sqlite ledger is the source
// of truth; every other sink mirrors it.
type TradeRecord struct {
	ID              uint   `gorm:"primaryKey"`
	TradeID         string `gorm:"uniqueIndex;size:64"`
	TenantID        string `gorm:"index;size:64;default:default"`
	Pair            string `gorm:"index;size:32"`
	Side            string `gorm:"size:8"`
	Status          string `gorm:"index;size:16"`
	EntryPrice      float64
	ExitPrice       float64
	Quantity        float64
	SizeUSD         float64
	Strategy        string `gorm:"index;size:32"`
	Confidence      float64
	StopLoss        float64
	TakeProfit      float64
	TrailingStop    float64
	PnL             float64 `gorm:"column:pnl"`
	PnLPct          float64 `gorm:"column:pnl_pct"`
	Fees            float64
	Slippage        float64
	ExitReason      string `gorm:"size:32"`
	TrendRegime     string `gorm:"size:16"`
	VolRegime       string `gorm:"size:16"`
	EntryTime       time.Time
	ExitTime        *time.Time
	DurationSeconds int64
	Metadata        string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SignalRecord stores every confluence decision, traded or not.
type SignalRecord struct {
	ID              uint      `gorm:"primaryKey"`
	TenantID        string    `gorm:"index;size:64;default:default"`
	Pair            string    `gorm:"index;size:32"`
	Direction       string    `gorm:"size:8"`
	Strength        float64
	Confidence      float64
	ConfluenceCount int
	RealVotes       int
	SureFire        bool
	Executed        bool
	RejectReason    string    `gorm:"size:128"`
	Metadata        string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"index"`
}

// OrderBookRecord is a sampled depth snapshot for post-hoc analysis.
type OrderBookRecord struct {
	ID        uint      `gorm:"primaryKey"`
	TenantID  string    `gorm:"index;size:64;default:default"`
	Pair      string    `gorm:"index;size:32"`
	OBI       float64
	SpreadPct float64
	Score     float64
	WhaleBias float64
	CreatedAt time.Time `gorm:"index"`
}

// MetricRecord is a generic time-series point from health ticks.
type MetricRecord struct {
	ID        uint      `gorm:"primaryKey"`
	TenantID  string    `gorm:"index;size:64;default:default"`
	Name      string    `gorm:"index;size:64"`
	Value     float64
	CreatedAt time.Time `gorm:"index"`
}

// MLFeatureRecord keeps the exact features a trade was entered on; the
// label is filled atomically when the trade closes.
type MLFeatureRecord struct {
	ID        uint   `gorm:"primaryKey"`
	TradeID   string `gorm:"uniqueIndex;size:64"`
	TenantID  string `gorm:"index;size:64;default:default"`
	Features  string `gorm:"type:text"`
	Label     *int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ThoughtRecord is the system's decision journal: pauses, restarts,
// guardrail trips.
type ThoughtRecord struct {
	ID        uint      `gorm:"primaryKey"`
	TenantID  string    `gorm:"index;size:64;default:default"`
	Category  string    `gorm:"index;size:32"`
	Content   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// SystemStateRecord is a small per-tenant key/value store (pause flag,
// breaker latches).
type SystemStateRecord struct {
	ID        uint   `gorm:"primaryKey"`
	TenantID  string `gorm:"uniqueIndex:idx_state_tenant_key;size:64;default:default"`
	Key       string `gorm:"uniqueIndex:idx_state_tenant_key;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// DailySummaryRecord is one (date, tenant) rollup row.
type DailySummaryRecord struct {
	ID         uint    `gorm:"primaryKey"`
	Date       string  `gorm:"uniqueIndex:idx_summary_date_tenant;size:10"` // YYYY-MM-DD
	TenantID   string  `gorm:"uniqueIndex:idx_summary_date_tenant;size:64;default:default"`
	Trades     int
	Wins       int
	Losses     int
	PnL        float64 `gorm:"column:pnl"`
	Fees       float64
	WinRate    float64
	BestTrade  float64
	WorstTrade float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WebhookEventRecord provides webhook idempotency: one row per event_id.
type WebhookEventRecord struct {
	ID        uint   `gorm:"primaryKey"`
	EventID   string `gorm:"uniqueIndex;size:128"`
	TenantID  string `gorm:"index;size:64;default:default"`
	Source    string `gorm:"size:32"`
	CreatedAt time.Time
}

func (TradeRecord) TableName() string        { return "trades" }
func (SignalRecord) TableName() string       { return "signals" }
func (OrderBookRecord) TableName() string    { return "order_book_snapshots" }
func (MetricRecord) TableName() string       { return "metrics" }
func (MLFeatureRecord) TableName() string    { return "ml_features" }
func (ThoughtRecord) TableName() string      { return "thought_log" }
func (SystemStateRecord) TableName() string  { return "system_state" }
func (DailySummaryRecord) TableName() string { return "daily_summary" }
func (WebhookEventRecord) TableName() string { return "webhook_events" }
