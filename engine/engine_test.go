package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/exchange"
	"github.com/gravix-labs/confluxbot/notify"
	"github.com/gravix-labs/confluxbot/storage"
	"github.com/gravix-labs/confluxbot/types"
)

type recordingSink struct {
	messages []string
}

var _ notify.Sink = (*recordingSink)(nil)

func (r *recordingSink) Notify(message string) { r.messages = append(r.messages, message) }

func engineConfig(t *testing.T) *config.Config {
	return &config.Config{
		App: config.AppConfig{Mode: config.ModePaper, TenantID: "default"},
		Exchange: config.ExchangeConfig{
			TakerFee:                0.0026,
			QuantityDecimals:        8,
			PriceDecimals:           1,
			MinOrderQty:             0.00005,
			FillPollTimeoutSeconds:  1,
			FillPollIntervalSeconds: 0.01,
		},
		Trading: config.TradingConfig{
			Pairs:                        []string{"BTC/USD"},
			ScanIntervalSeconds:          30,
			PositionCheckIntervalSeconds: 2,
			WarmupBars:                   50,
			Timeframes:                   []int{1},
			MaxConcurrentPositions:       3,
			MaxSpreadPct:                 0.35,
			EventPriceMovePct:            0.5,
		},
		AI: config.AIConfig{
			ConfluenceThreshold:      2,
			MinConfidence:            0.55,
			ExecConfidence:           0.55,
			MinRiskRewardRatio:       1.0,
			BookScoreMaxAgeSeconds:   45,
			StaleAfterSeconds:        180,
			PrimaryTimeframe:         1,
			MultiTimeframeMinAgree:   2,
			SureFireMinCount:         4,
			GuardrailWindow:          30,
			GuardrailMinTrades:       20,
			OnlineMinUpdates:         50,
			KeltnerSoloMinConfidence: 0.66,
			SoloMinConfidence:        0.72,
		},
		Risk: config.RiskConfig{
			InitialBankroll:     10000,
			MaxPositionUSD:      500,
			MaxRiskPerTrade:     0.02,
			KellyFraction:       0.5,
			MaxKellySize:        0.10,
			MaxTotalExposurePct: 0.5,
			MaxDailyLoss:        0.5,
			MaxDailyTrades:      100,
			RiskOfRuinThreshold: 0.05,
		},
		Monitoring: config.MonitoringConfig{
			AutoPauseOnConsecutiveLosses:    true,
			ConsecutiveLossesPauseThreshold: 5,
			AutoPauseOnDrawdown:             true,
			DrawdownPausePct:                10,
			StaleDataPauseAfterChecks:       3,
			StalePairAfterSeconds:           600,
		},
		ML: config.MLConfig{
			BatchModelPath:    filepath.Join(t.TempDir(), "absent.json"),
			NormalizationPath: filepath.Join(t.TempDir(), "absent.json"),
			OnlineModelPath:   filepath.Join(t.TempDir(), "online.json"),
		},
	}
}

func engineHarness(t *testing.T) (*Engine, *exchange.PaperVenue, *storage.DB, *recordingSink) {
	t.Helper()
	cfg := engineConfig(t)
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), "default")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	venue := exchange.NewPaperVenue(cfg.Exchange, nil)
	sink := &recordingSink{}
	return New(cfg, venue, db, nil, sink), venue, db, sink
}

func countThoughts(t *testing.T, db *storage.DB, category string) int {
	t.Helper()
	rows, err := db.RecentThoughts(context.Background(), category, 100)
	require.NoError(t, err)
	return len(rows)
}

func TestAutoPauseIsIdempotent(t *testing.T) {
	e, _, db, sink := engineHarness(t)
	ctx := context.Background()

	e.autoPause(ctx, "drawdown_limit", "drawdown 12% past 10%")
	e.autoPause(ctx, "drawdown_limit", "drawdown 12% past 10%")
	e.autoPause(ctx, "stale_data", "still paused, different breaker")

	assert.True(t, e.rm.Paused())
	assert.Len(t, sink.messages, 1, "pause must notify exactly once")
	assert.Equal(t, 1, countThoughts(t, db, "auto_pause"))

	val, err := db.GetState(ctx, "paused")
	require.NoError(t, err)
	assert.Equal(t, "true", val)
}

func TestResumeClearsPause(t *testing.T) {
	e, _, db, _ := engineHarness(t)
	ctx := context.Background()

	e.autoPause(ctx, "consecutive_losses", "5 in a row")
	require.True(t, e.rm.Paused())

	require.NoError(t, e.Resume(ctx))
	assert.False(t, e.rm.Paused())

	val, err := db.GetState(ctx, "paused")
	require.NoError(t, err)
	assert.Equal(t, "false", val)

	// After a resume the same breaker may trip again.
	e.autoPause(ctx, "consecutive_losses", "again")
	assert.True(t, e.rm.Paused())
	assert.Equal(t, 2, countThoughts(t, db, "auto_pause"))
}

func TestHealthTickDrawdownBreaker(t *testing.T) {
	e, _, _, _ := engineHarness(t)
	ctx := context.Background()

	e.rm.RegisterPosition("t-1", "BTC/USD", 500)
	e.rm.RecordClose("t-1", "BTC/USD", -1500) // 15% drawdown on 10k

	e.healthTick(ctx)
	assert.True(t, e.rm.Paused())
	e.mu.Lock()
	reason := e.pauseReason
	e.mu.Unlock()
	assert.Equal(t, "drawdown_limit", reason)
}

func TestHealthTickConsecutiveLossBreaker(t *testing.T) {
	e, _, _, _ := engineHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		e.rm.RegisterPosition(id, "BTC/USD", 100)
		e.rm.RecordClose(id, "BTC/USD", -10)
	}

	e.healthTick(ctx)
	assert.True(t, e.rm.Paused())
}

func TestVoteGateThresholdAndSolo(t *testing.T) {
	e, _, _, _ := engineHarness(t)

	sig := &types.ConfluenceSignal{
		Pair:       "BTC/USD",
		Direction:  types.DirectionLong,
		Confidence: 0.70,
		RealVotes:  1,
		Signals: []types.StrategySignal{
			{Strategy: "keltner", Direction: types.DirectionLong, Strength: 0.7, Confidence: 0.7},
		},
	}
	assert.NotEmpty(t, e.voteGate(sig, false), "solo vote denied by default")

	e.cfg.AI.AllowKeltnerSolo = true
	assert.Empty(t, e.voteGate(sig, false), "whitelisted keltner solo passes above its threshold")

	sig.Confidence = 0.60
	assert.NotEmpty(t, e.voteGate(sig, false), "solo keltner below its confidence floor is denied")

	sig.RealVotes = 3
	assert.Empty(t, e.voteGate(sig, false), "threshold votes always pass")
}

func TestEvaluateSignalRejectsAndAudits(t *testing.T) {
	e, venue, db, _ := engineHarness(t)
	ctx := context.Background()
	venue.SetPrice("BTC/USD", 50000)

	sig := &types.ConfluenceSignal{
		Pair:       "BTC/USD",
		Direction:  types.DirectionLong,
		Strength:   0.6,
		Confidence: 0.30,
		RealVotes:  3,
		EntryPrice: 50000,
		StopLoss:   49000,
		TakeProfit: 52000,
	}
	e.evaluateSignal(ctx, sig, false)

	rows, err := db.RecentSignals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Executed)
	assert.Contains(t, rows[0].RejectReason, "confidence")
}

func TestEvaluateSignalExecutes(t *testing.T) {
	e, venue, db, _ := engineHarness(t)
	ctx := context.Background()
	venue.SetPrice("BTC/USD", 50000)

	sig := &types.ConfluenceSignal{
		Pair:       "BTC/USD",
		Direction:  types.DirectionLong,
		Strength:   0.7,
		Confidence: 0.80,
		RealVotes:  3,
		EntryPrice: 50000,
		StopLoss:   49000,
		TakeProfit: 52000,
		Signals: []types.StrategySignal{
			{Strategy: "trend", Direction: types.DirectionLong, Strength: 0.7, Confidence: 0.8},
		},
	}
	e.evaluateSignal(ctx, sig, false)

	open, err := db.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "BTC/USD", open[0].Pair)

	rows, err := db.RecentSignals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Executed)

	// A second identical signal is blocked by the open-position gate.
	e.evaluateSignal(ctx, sig, false)
	open, err = db.OpenTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestInjectSignalRunsPipeline(t *testing.T) {
	e, venue, db, _ := engineHarness(t)
	ctx := context.Background()
	venue.SetPrice("BTC/USD", 50000)

	sig := &types.ConfluenceSignal{
		Pair:            "BTC/USD",
		Direction:       types.DirectionLong,
		Strength:        0.7,
		Confidence:      0.80,
		RealVotes:       1,
		ConfluenceCount: 1,
		StopLoss:        49000,
		TakeProfit:      52000,
		Signals: []types.StrategySignal{
			{Strategy: "tradingview", Direction: types.DirectionLong, Strength: 0.7, Confidence: 0.8},
		},
	}
	require.NoError(t, e.InjectSignal(ctx, sig))
	assert.Greater(t, sig.EntryPrice, 0.0, "entry backfilled from market price")

	open, err := db.OpenTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1, "injected single-vote signal passes the vote gate and reaches execution")
}

func TestClassifySeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, Classify("scan"))
	assert.Equal(t, SeverityDegraded, Classify("mirror"))
	assert.Equal(t, SeverityLocal, Classify("marketdata"))
	assert.Equal(t, SeverityTransient, Classify("something_new"))
	assert.Equal(t, "critical", SeverityCritical.String())
}
