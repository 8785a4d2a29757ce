package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/exchange"
	"github.com/gravix-labs/confluxbot/risk"
	"github.com/gravix-labs/confluxbot/storage"
	"github.com/gravix-labs/confluxbot/types"
)

func execConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Mode: config.ModePaper, TenantID: "default"},
		Exchange: config.ExchangeConfig{
			TakerFee:                0.0026,
			SlippagePct:             0,
			QuantityDecimals:        8,
			PriceDecimals:           1,
			MinOrderQty:             0.00005,
			FillPollTimeoutSeconds:  1,
			FillPollIntervalSeconds: 0.01,
		},
		Trading: config.TradingConfig{
			Pairs:                  []string{"BTC/USD"},
			MaxConcurrentPositions: 3,
		},
		Risk: config.RiskConfig{
			InitialBankroll:        10000,
			MaxPositionUSD:         1000,
			MaxRiskPerTrade:        0.02,
			KellyFraction:          0.5,
			MaxKellySize:           0.10,
			MaxTotalExposurePct:    0.5,
			MaxDailyLoss:           0.5,
			MaxDailyTrades:         100,
			BreakevenActivationPct: 0.01,
			TrailingActivationPct:  0.015,
			TrailingStepPct:        0.005,
		},
	}
}

func execHarness(t *testing.T) (*Executor, *exchange.PaperVenue, *storage.DB, *risk.Manager) {
	t.Helper()
	cfg := execConfig()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), "default")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	venue := exchange.NewPaperVenue(cfg.Exchange, nil)
	rm := risk.NewManager(cfg, db)
	ex := New(cfg, venue, db, rm, nil)
	return ex, venue, db, rm
}

func longSignal(entry, sl, tp float64) *types.ConfluenceSignal {
	return &types.ConfluenceSignal{
		Pair:       "BTC/USD",
		Direction:  types.DirectionLong,
		Strength:   0.7,
		Confidence: 0.65,
		EntryPrice: entry,
		StopLoss:   sl,
		TakeProfit: tp,
		Signals: []types.StrategySignal{
			{Strategy: "trend", Direction: types.DirectionLong, Strength: 0.7, Confidence: 0.6},
		},
	}
}

func TestPaperLifecycleOpenToTakeProfit(t *testing.T) {
	ex, venue, db, rm := execHarness(t)
	ctx := context.Background()
	venue.SetPrice("BTC/USD", 50000)

	tr, err := ex.Open(ctx, longSignal(50000, 49000, 52000), 500, map[string]float64{"strength": 0.7})
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.InDelta(t, 0.01, tr.Quantity, 1e-9)
	assert.Equal(t, "open", tr.Status)
	assert.Equal(t, "trend", tr.Strategy)
	assert.Equal(t, 1, rm.OpenPositionCount())

	var gotStrategy string
	var gotPnL float64
	ex.SetCloseHook(func(_, strategy string, pnl float64, _, _ string) {
		gotStrategy, gotPnL = strategy, pnl
	})

	venue.SetPrice("BTC/USD", 52000)
	require.NoError(t, ex.ManagePositions(ctx))

	closed, err := db.GetTrade(ctx, tr.TradeID)
	require.NoError(t, err)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, "take_profit", closed.ExitReason)
	// pnl = 2000*0.01 - (500+520)*0.0026 = 20 - 2.652
	assert.InDelta(t, 17.348, closed.PnL, 1e-6)
	assert.Equal(t, 0, rm.OpenPositionCount())
	assert.Equal(t, "trend", gotStrategy)
	assert.InDelta(t, 17.348, gotPnL, 1e-6)

	_, label, err := db.GetMLFeatures(ctx, tr.TradeID)
	require.NoError(t, err)
	require.NotNil(t, label)
	assert.Equal(t, 1, *label, "winning trade labels 1")
}

func TestPaperStopLossLabelsLoss(t *testing.T) {
	ex, venue, db, _ := execHarness(t)
	ctx := context.Background()
	venue.SetPrice("BTC/USD", 50000)

	tr, err := ex.Open(ctx, longSignal(50000, 49000, 55000), 500, map[string]float64{"strength": 0.7})
	require.NoError(t, err)

	venue.SetPrice("BTC/USD", 48900)
	require.NoError(t, ex.ManagePositions(ctx))

	closed, err := db.GetTrade(ctx, tr.TradeID)
	require.NoError(t, err)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, "stop_loss", closed.ExitReason)
	assert.Less(t, closed.PnL, 0.0)

	_, label, err := db.GetMLFeatures(ctx, tr.TradeID)
	require.NoError(t, err)
	require.NotNil(t, label)
	assert.Equal(t, 0, *label)
}

func TestDoubleCloseIsNoOp(t *testing.T) {
	ex, venue, db, rm := execHarness(t)
	ctx := context.Background()
	venue.SetPrice("BTC/USD", 50000)

	tr, err := ex.Open(ctx, longSignal(50000, 49000, 52000), 500, nil)
	require.NoError(t, err)

	require.NoError(t, ex.Close(ctx, tr, 51000, "manual", false))
	firstBankroll := rm.Bankroll()

	require.NoError(t, ex.Close(ctx, tr, 53000, "manual", false))
	assert.Equal(t, firstBankroll, rm.Bankroll(), "second close must not touch pnl accounting")

	closed, err := db.GetTrade(ctx, tr.TradeID)
	require.NoError(t, err)
	assert.InDelta(t, 51000.0, closed.ExitPrice, 1e-9)
}

func TestOpenRejectsBelowMinQty(t *testing.T) {
	ex, venue, _, _ := execHarness(t)
	venue.SetPrice("BTC/USD", 50000)

	_, err := ex.Open(context.Background(), longSignal(50000, 49000, 52000), 1, nil)
	require.Error(t, err)
	assert.True(t, exchange.IsPermanent(err))
}

func TestOpenRejectsShortOnSpot(t *testing.T) {
	ex, venue, _, _ := execHarness(t)
	venue.SetPrice("BTC/USD", 50000)

	sig := longSignal(50000, 51000, 48000)
	sig.Direction = types.DirectionShort

	_, err := ex.Open(context.Background(), sig, 500, nil)
	require.Error(t, err)
	assert.True(t, exchange.IsPermanent(err))
}

func TestCloseAllForceClosesEverything(t *testing.T) {
	ex, venue, db, rm := execHarness(t)
	ctx := context.Background()
	venue.SetPrice("BTC/USD", 50000)
	venue.SetPrice("ETH/USD", 3000)

	_, err := ex.Open(ctx, longSignal(50000, 49000, 52000), 500, nil)
	require.NoError(t, err)
	ethSig := longSignal(3000, 2900, 3200)
	ethSig.Pair = "ETH/USD"
	_, err = ex.Open(ctx, ethSig, 300, nil)
	require.NoError(t, err)

	closed, err := ex.CloseAll(ctx, "kill")
	require.NoError(t, err)
	assert.Equal(t, 2, closed)
	assert.Equal(t, 0, rm.OpenPositionCount())

	open, err := db.OpenTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMaxHoldExit(t *testing.T) {
	ex, venue, db, _ := execHarness(t)
	ex.cfg.Trading.MaxHoldSeconds = 3600
	ctx := context.Background()
	venue.SetPrice("BTC/USD", 50000)

	tr, err := ex.Open(ctx, longSignal(50000, 49000, 55000), 500, nil)
	require.NoError(t, err)

	// Price unchanged, clock jumps past the hold window.
	ex.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	require.NoError(t, ex.ManagePositions(ctx))

	closed, err := db.GetTrade(ctx, tr.TradeID)
	require.NoError(t, err)
	assert.Equal(t, "max_hold", closed.ExitReason)
}
