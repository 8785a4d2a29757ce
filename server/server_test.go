package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/storage"
	"github.com/gravix-labs/confluxbot/types"
)

type stubController struct {
	paused   bool
	killed   bool
	closed   int
	injected []*types.ConfluenceSignal
}

func (c *stubController) Pause(context.Context, string) error { c.paused = true; return nil }
func (c *stubController) Resume(context.Context) error        { c.paused = false; return nil }
func (c *stubController) CloseAll(context.Context, string) (int, error) {
	c.closed++
	return 2, nil
}
func (c *stubController) Kill(context.Context) error { c.killed = true; return nil }
func (c *stubController) Status(context.Context) map[string]any {
	return map[string]any{"paused": c.paused}
}
func (c *stubController) RiskReport() types.RiskReport {
	return types.RiskReport{Bankroll: 10000}
}
func (c *stubController) InjectSignal(_ context.Context, sig *types.ConfluenceSignal) error {
	c.injected = append(c.injected, sig)
	return nil
}

func serverHarness(t *testing.T) (*Server, *stubController, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), "default")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Server:  config.ServerConfig{AdminToken: "sekrit"},
		Webhook: config.WebhookConfig{Secret: "hook-secret", MaxTimestampSkewSeconds: 300},
	}
	ctrl := &stubController{}
	return New(cfg, ctrl, db), ctrl, db
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(eventID string, ts int64) []byte {
	body, _ := json.Marshal(map[string]any{
		"event_id":    eventID,
		"timestamp":   ts,
		"source":      "tradingview",
		"pair":        "BTC/USD",
		"direction":   "LONG",
		"strength":    0.7,
		"confidence":  0.65,
		"entry_price": 50000.0,
		"stop_loss":   49000.0,
		"take_profit": 52000.0,
	})
	return body
}

func TestControlRequiresAdminToken(t *testing.T) {
	srv, ctrl, _ := serverHarness(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/control/pause", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, ctrl.paused)

	req = httptest.NewRequest(http.MethodPost, "/control/pause", nil)
	req.Header.Set("X-Admin-Token", "sekrit")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctrl.paused)
}

func TestControlVerbs(t *testing.T) {
	srv, ctrl, _ := serverHarness(t)
	router := srv.Router()

	call := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-Admin-Token", "sekrit")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call("/control/pause").Code)
	assert.True(t, ctrl.paused)
	assert.Equal(t, http.StatusOK, call("/control/resume").Code)
	assert.False(t, ctrl.paused)
	assert.Equal(t, http.StatusOK, call("/control/close-all").Code)
	assert.Equal(t, 1, ctrl.closed)
	assert.Equal(t, http.StatusOK, call("/control/kill").Code)
	assert.True(t, ctrl.killed)
}

func TestReadEndpoints(t *testing.T) {
	srv, _, _ := serverHarness(t)
	router := srv.Router()

	for _, path := range []string{"/status", "/pnl", "/positions", "/risk", "/signals", "/thoughts"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, ctrl, _ := serverHarness(t)
	router := srv.Router()
	body := webhookBody("evt-1", time.Now().Unix())

	req := httptest.NewRequest(http.MethodPost, "/webhook/signal", bytes.NewReader(body))
	req.Header.Set("X-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ctrl.injected)
}

func TestWebhookRejectsStaleTimestamp(t *testing.T) {
	srv, ctrl, _ := serverHarness(t)
	router := srv.Router()
	body := webhookBody("evt-1", time.Now().Add(-time.Hour).Unix())

	req := httptest.NewRequest(http.MethodPost, "/webhook/signal", bytes.NewReader(body))
	req.Header.Set("X-Signature", signBody("hook-secret", body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ctrl.injected)
}

func TestWebhookAcceptsAndDedups(t *testing.T) {
	srv, ctrl, _ := serverHarness(t)
	router := srv.Router()
	body := webhookBody("evt-1", time.Now().Unix())

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook/signal", bytes.NewReader(body))
		req.Header.Set("X-Signature", signBody("hook-secret", body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code)
	require.Len(t, ctrl.injected, 1)

	sig := ctrl.injected[0]
	assert.Equal(t, "BTC/USD", sig.Pair)
	assert.Equal(t, types.DirectionLong, sig.Direction)
	assert.Equal(t, 1, sig.RealVotes)
	require.Len(t, sig.Signals, 1)
	assert.Equal(t, "tradingview", sig.Signals[0].Strategy)

	replay := send()
	assert.Equal(t, http.StatusOK, replay.Code)
	assert.Contains(t, replay.Body.String(), `"duplicate":true`)
	assert.Len(t, ctrl.injected, 1, "replayed event must not inject twice")
}

func TestWebhookDisabledWithoutSecret(t *testing.T) {
	srv, _, _ := serverHarness(t)
	srv.cfg.Webhook.Secret = ""
	router := srv.Router()

	body := webhookBody("evt-1", time.Now().Unix())
	req := httptest.NewRequest(http.MethodPost, "/webhook/signal", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookRejectsUnknownDirection(t *testing.T) {
	srv, ctrl, _ := serverHarness(t)
	router := srv.Router()

	body, _ := json.Marshal(map[string]any{
		"event_id":  "evt-9",
		"timestamp": time.Now().Unix(),
		"pair":      "BTC/USD",
		"direction": "SIDEWAYS",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook/signal", bytes.NewReader(body))
	req.Header.Set("X-Signature", signBody("hook-secret", body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ctrl.injected)
}

func TestThoughtsFilterByCategory(t *testing.T) {
	srv, _, db := serverHarness(t)
	ctx := context.Background()
	require.NoError(t, db.AddThought(ctx, "auto_pause", "drawdown breaker"))
	require.NoError(t, db.AddThought(ctx, "resume", "operator resume"))
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/thoughts?category=auto_pause", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Count)
}

func TestSanitizedErrors(t *testing.T) {
	srv, _, db := serverHarness(t)
	require.NoError(t, db.Close())
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/pnl", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "stats unavailable", out["error"], fmt.Sprintf("internal detail must not leak: %s", rec.Body.String()))
}
