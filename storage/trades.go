package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/gravix-labs/confluxbot/confluence"
)

// updatableTradeColumns is the whitelist for UpdateTrade. Anything else is
// immutable after insert: entry facts never change.
var updatableTradeColumns = map[string]bool{
	"status":           true,
	"exit_price":       true,
	"pnl":              true,
	"pnl_pct":          true,
	"fees":             true,
	"slippage":         true,
	"exit_reason":      true,
	"exit_time":        true,
	"duration_seconds": true,
	"stop_loss":        true,
	"take_profit":      true,
	"trailing_stop":    true,
	"metadata":         true,
}

// InsertTrade writes a freshly opened trade row.
func (d *DB) InsertTrade(ctx context.Context, t *TradeRecord) error {
	t.TenantID = d.tenant
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Create(t).Error
	})
}

// UpdateTrade applies whitelisted column updates to a trade. Columns outside
// the whitelist are dropped with a warning; an update with no surviving
// columns is an error.
func (d *DB) UpdateTrade(ctx context.Context, tradeID string, updates map[string]any) error {
	filtered := make(map[string]any, len(updates))
	for col, v := range updates {
		if !updatableTradeColumns[col] {
			log.Warn().Str("column", col).Str("trade_id", tradeID).Msg("Rejected non-whitelisted trade update column")
			continue
		}
		filtered[col] = v
	}
	if len(filtered) == 0 {
		return fmt.Errorf("no updatable columns for trade %s", tradeID)
	}
	return d.write(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&TradeRecord{}).
			Where("trade_id = ? AND tenant_id = ?", tradeID, d.tenant).
			Updates(filtered)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("trade %s not found", tradeID)
		}
		return nil
	})
}

// GetTrade fetches one trade by id.
func (d *DB) GetTrade(ctx context.Context, tradeID string) (*TradeRecord, error) {
	var t TradeRecord
	err := d.scoped(ctx).Where("trade_id = ?", tradeID).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// OpenTrades returns all trades still marked open.
func (d *DB) OpenTrades(ctx context.Context) ([]TradeRecord, error) {
	var out []TradeRecord
	err := d.scoped(ctx).Where("status = ?", "open").Order("entry_time asc").Find(&out).Error
	return out, err
}

// TradesSince counts trades opened at or after the cutoff. Used by the
// hourly risk gate.
func (d *DB) TradesSince(ctx context.Context, since time.Time) (int, error) {
	var n int64
	err := d.scoped(ctx).Model(&TradeRecord{}).Where("entry_time >= ?", since).Count(&n).Error
	return int(n), err
}

// RecentClosedTrades returns the last n closed trades, newest first.
func (d *DB) RecentClosedTrades(ctx context.Context, n int) ([]TradeRecord, error) {
	var out []TradeRecord
	err := d.scoped(ctx).Where("status = ?", "closed").
		Order("exit_time desc").Limit(n).Find(&out).Error
	return out, err
}

// CloseTradeWithLabel closes a trade and stamps its ML feature row's label
// in the same transaction: a closed trade without a label (or vice versa)
// must be impossible.
func (d *DB) CloseTradeWithLabel(ctx context.Context, tradeID string, updates map[string]any, label int) error {
	filtered := make(map[string]any, len(updates))
	for col, v := range updates {
		if updatableTradeColumns[col] {
			filtered[col] = v
		}
	}
	filtered["status"] = "closed"

	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&TradeRecord{}).
				Where("trade_id = ? AND tenant_id = ? AND status = ?", tradeID, d.tenant, "open").
				Updates(filtered)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("trade %s not open", tradeID)
			}
			return tx.Model(&MLFeatureRecord{}).
				Where("trade_id = ?", tradeID).
				Update("label", label).Error
		})
	})
}

// InsertMLFeatures stores the feature snapshot a trade was entered on.
func (d *DB) InsertMLFeatures(ctx context.Context, tradeID string, features map[string]float64) error {
	data, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	rec := &MLFeatureRecord{TradeID: tradeID, TenantID: d.tenant, Features: string(data)}
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
}

// GetMLFeatures returns a trade's stored features and label.
func (d *DB) GetMLFeatures(ctx context.Context, tradeID string) (map[string]float64, *int, error) {
	var rec MLFeatureRecord
	if err := d.scoped(ctx).Where("trade_id = ?", tradeID).First(&rec).Error; err != nil {
		return nil, nil, err
	}
	features := map[string]float64{}
	if err := json.Unmarshal([]byte(rec.Features), &features); err != nil {
		return nil, nil, fmt.Errorf("parse features: %w", err)
	}
	return features, rec.Label, nil
}

// PerformanceStats is the cached rollup over closed trades.
type PerformanceStats struct {
	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	ProfitFactor float64 `json:"profit_factor"`
	Sharpe       float64 `json:"sharpe"`
	Sortino      float64 `json:"sortino"`
}

// Stats computes performance over closed trades, cached briefly: the scan
// loop asks for win rates on every intent and must not hammer sqlite.
func (d *DB) Stats(ctx context.Context) (*PerformanceStats, error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	if d.statsVal != nil && time.Since(d.statsAt) < d.statsTTL {
		return d.statsVal, nil
	}

	// Moments in SQL; shape math in Go.
	var agg struct {
		N       int64
		Wins    int64
		Sum     float64
		SumSq   float64
		WinSum  float64
		LossSum float64
		NegSq   float64
	}
	err := d.scoped(ctx).Model(&TradeRecord{}).Where("status = ?", "closed").
		Select(`COUNT(*) as n,
			SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END) as wins,
			COALESCE(SUM(pnl), 0) as sum,
			COALESCE(SUM(pnl*pnl), 0) as sum_sq,
			COALESCE(SUM(CASE WHEN pnl > 0 THEN pnl ELSE 0 END), 0) as win_sum,
			COALESCE(SUM(CASE WHEN pnl < 0 THEN pnl ELSE 0 END), 0) as loss_sum,
			COALESCE(SUM(CASE WHEN pnl < 0 THEN pnl*pnl ELSE 0 END), 0) as neg_sq`).
		Scan(&agg).Error
	if err != nil {
		return nil, err
	}

	st := &PerformanceStats{TotalTrades: int(agg.N), Wins: int(agg.Wins)}
	if agg.N > 0 {
		n := float64(agg.N)
		st.Losses = st.TotalTrades - st.Wins
		st.WinRate = float64(agg.Wins) / n
		st.TotalPnL = agg.Sum
		if st.Wins > 0 {
			st.AvgWin = agg.WinSum / float64(st.Wins)
		}
		if st.Losses > 0 {
			st.AvgLoss = agg.LossSum / float64(st.Losses)
		}
		if agg.LossSum < 0 {
			st.ProfitFactor = agg.WinSum / -agg.LossSum
		} else if agg.WinSum > 0 {
			st.ProfitFactor = math.Inf(1)
		}

		mean := agg.Sum / n
		if agg.N > 1 {
			// Bessel-corrected variance from raw moments.
			variance := (agg.SumSq - n*mean*mean) / (n - 1)
			annualize := math.Sqrt(math.Min(n, 2500))
			if variance > 1e-12 {
				st.Sharpe = mean / math.Sqrt(variance) * annualize
			}
			downVar := agg.NegSq / (n - 1)
			if downVar > 1e-12 {
				st.Sortino = mean / math.Sqrt(downVar) * annualize
			}
		}
	}

	d.statsVal = st
	d.statsAt = time.Now()
	return st, nil
}

// InvalidateStats drops the stats cache; called after every close.
func (d *DB) InvalidateStats() {
	d.statsMu.Lock()
	d.statsVal = nil
	d.statsMu.Unlock()
}

// HourlyWinRates implements confluence.HourlyStatsSource from closed-trade
// history grouped by UTC hour of entry.
func (d *DB) HourlyWinRates(ctx context.Context) (map[int]confluence.HourStat, error) {
	var rows []struct {
		Hour    int
		Trades  int
		WinRate float64
	}
	err := d.scoped(ctx).Model(&TradeRecord{}).Where("status = ?", "closed").
		Select(`CAST(strftime('%H', entry_time) AS INTEGER) as hour,
			COUNT(*) as trades,
			AVG(CASE WHEN pnl > 0 THEN 1.0 ELSE 0.0 END) as win_rate`).
		Group("hour").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int]confluence.HourStat, len(rows))
	for _, r := range rows {
		out[r.Hour] = confluence.HourStat{Trades: r.Trades, WinRate: r.WinRate}
	}
	return out, nil
}
