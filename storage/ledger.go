package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// InsertSignal records a confluence decision.
func (d *DB) InsertSignal(ctx context.Context, s *SignalRecord) error {
	s.TenantID = d.tenant
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Create(s).Error
	})
}

// InsertBookSnapshot samples an order-book read into the ledger.
func (d *DB) InsertBookSnapshot(ctx context.Context, r *OrderBookRecord) error {
	r.TenantID = d.tenant
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Create(r).Error
	})
}

// WriteMetric appends one time-series point.
func (d *DB) WriteMetric(ctx context.Context, name string, value float64) error {
	rec := &MetricRecord{TenantID: d.tenant, Name: name, Value: value}
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
}

// AddThought appends to the system decision journal. Best effort: callers
// on hot paths log and move on.
func (d *DB) AddThought(ctx context.Context, category, content string) error {
	rec := &ThoughtRecord{TenantID: d.tenant, Category: category, Content: content}
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
}

// SetState upserts a per-tenant key/value pair.
func (d *DB) SetState(ctx context.Context, key, value string) error {
	return d.write(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&SystemStateRecord{}).
			Where("tenant_id = ? AND key = ?", d.tenant, key).
			Update("value", value)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&SystemStateRecord{TenantID: d.tenant, Key: key, Value: value}).Error
	})
}

// GetState reads a state value; empty string when unset.
func (d *DB) GetState(ctx context.Context, key string) (string, error) {
	var rec SystemStateRecord
	err := d.scoped(ctx).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.Value, nil
}

// RecordWebhookEvent inserts an event id, returning false when it was seen
// before. The unique index is the dedup authority; a constraint violation
// is the duplicate signal, not an error.
func (d *DB) RecordWebhookEvent(ctx context.Context, eventID, source string) (bool, error) {
	rec := &WebhookEventRecord{EventID: eventID, TenantID: d.tenant, Source: source}
	err := d.write(ctx, func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

// RecentThoughts returns the newest journal entries, optionally filtered
// by category.
func (d *DB) RecentThoughts(ctx context.Context, category string, n int) ([]ThoughtRecord, error) {
	var rows []ThoughtRecord
	q := d.scoped(ctx).Order("id DESC").Limit(n)
	if category != "" {
		q = q.Where("category = ?", category)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// RecentSignals returns the newest audited signal decisions.
func (d *DB) RecentSignals(ctx context.Context, n int) ([]SignalRecord, error) {
	var rows []SignalRecord
	if err := d.scoped(ctx).Order("id DESC").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertDailySummary recomputes the rollup row for one UTC date from the
// trades table.
func (d *DB) UpsertDailySummary(ctx context.Context, date string) error {
	var agg struct {
		Trades int
		Wins   int
		PnL    float64
		Fees   float64
		Best   float64
		Worst  float64
	}
	err := d.scoped(ctx).Model(&TradeRecord{}).
		Where("status = ? AND date(exit_time) = ?", "closed", date).
		Select(`COUNT(*) as trades,
			SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END) as wins,
			COALESCE(SUM(pnl), 0) as pn_l,
			COALESCE(SUM(fees), 0) as fees,
			COALESCE(MAX(pnl), 0) as best,
			COALESCE(MIN(pnl), 0) as worst`).
		Scan(&agg).Error
	if err != nil {
		return err
	}

	row := map[string]any{
		"trades":      agg.Trades,
		"wins":        agg.Wins,
		"losses":      agg.Trades - agg.Wins,
		"pnl":         agg.PnL,
		"fees":        agg.Fees,
		"best_trade":  agg.Best,
		"worst_trade": agg.Worst,
	}
	if agg.Trades > 0 {
		row["win_rate"] = float64(agg.Wins) / float64(agg.Trades)
	} else {
		row["win_rate"] = 0.0
	}

	return d.write(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&DailySummaryRecord{}).
			Where("date = ? AND tenant_id = ?", date, d.tenant).
			Updates(row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&DailySummaryRecord{
			Date:       date,
			TenantID:   d.tenant,
			Trades:     agg.Trades,
			Wins:       agg.Wins,
			Losses:     agg.Trades - agg.Wins,
			PnL:        agg.PnL,
			Fees:       agg.Fees,
			WinRate:    row["win_rate"].(float64),
			BestTrade:  agg.Best,
			WorstTrade: agg.Worst,
		}).Error
	})
}

// PurgeOlderThan deletes aged rows from the high-churn tables. Trades and
// summaries are never purged.
func (d *DB) PurgeOlderThan(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	return d.write(ctx, func(tx *gorm.DB) error {
		for _, model := range []any{&MetricRecord{}, &ThoughtRecord{}, &SignalRecord{}, &OrderBookRecord{}} {
			res := tx.Where("tenant_id = ? AND created_at < ?", d.tenant, cutoff).Delete(model)
			if res.Error != nil {
				return fmt.Errorf("purge %T: %w", model, res.Error)
			}
			if res.RowsAffected > 0 {
				log.Debug().Int64("rows", res.RowsAffected).Msgf("Purged aged %T rows", model)
			}
		}
		return nil
	})
}
