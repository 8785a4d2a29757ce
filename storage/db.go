// Package storage is the canonical ledger: a single sqlite file in WAL
// mode, accessed through gorm. Writes are serialized by a mutex with a
// hard acquisition timeout so a wedged writer surfaces as an error instead
// of a silent stall.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const writeLockTimeout = 30 * time.Second

// DB wraps the gorm handle with tenant scoping and write serialization.
type DB struct {
	gdb    *gorm.DB
	tenant string

	writeSem chan struct{}

	statsMu  sync.Mutex
	statsAt  time.Time
	statsVal *PerformanceStats
	statsTTL time.Duration
}

// Open opens (creating if needed) the sqlite ledger at path and migrates
// the schema.
func Open(path, tenant string) (*DB, error) {
	if tenant == "" {
		tenant = "default"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// WAL keeps readers unblocked during writes; NORMAL sync is safe with
	// WAL and far faster on commodity disks.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA mmap_size=268435456",
		"PRAGMA temp_store=MEMORY",
	} {
		if err := gdb.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	db := &DB{
		gdb:      gdb,
		tenant:   tenant,
		writeSem: make(chan struct{}, 1),
		statsTTL: 5 * time.Second,
	}
	if err := db.migrate(); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Str("tenant", tenant).Msg("💾 Ledger open")
	return db, nil
}

func (d *DB) migrate() error {
	// Legacy schemas had daily_summary unique on date alone, which breaks
	// multi-tenant rollups. Drop the old index before the composite one is
	// created by AutoMigrate.
	if d.gdb.Migrator().HasTable("daily_summary") {
		if err := d.gdb.Exec("DROP INDEX IF EXISTS idx_daily_summary_date").Error; err != nil {
			log.Warn().Err(err).Msg("Legacy daily_summary index drop failed")
		}
	}

	err := d.gdb.AutoMigrate(
		&TradeRecord{},
		&SignalRecord{},
		&OrderBookRecord{},
		&MetricRecord{},
		&MLFeatureRecord{},
		&ThoughtRecord{},
		&SystemStateRecord{},
		&DailySummaryRecord{},
		&WebhookEventRecord{},
	)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Tenant returns the tenant this handle is scoped to.
func (d *DB) Tenant() string { return d.tenant }

// write runs fn under the write mutex. Failing to acquire within the
// timeout is an error: something is holding the ledger hostage.
func (d *DB) write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	timer := time.NewTimer(writeLockTimeout)
	defer timer.Stop()
	select {
	case d.writeSem <- struct{}{}:
		defer func() { <-d.writeSem }()
	case <-timer.C:
		return fmt.Errorf("ledger write lock timeout after %s", writeLockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn(d.gdb.WithContext(ctx))
}

// scoped returns a read query scoped to this tenant.
func (d *DB) scoped(ctx context.Context) *gorm.DB {
	return d.gdb.WithContext(ctx).Where("tenant_id = ?", d.tenant)
}

// Close releases the underlying sqlite handle.
func (d *DB) Close() error {
	sqlDB, err := d.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
