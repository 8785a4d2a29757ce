package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gravix-labs/confluxbot/types"
)

const maxWebhookBody = 64 << 10

// webhookPayload is the external signal wire format. The signature covers
// the raw body; timestamp is unix seconds.
type webhookPayload struct {
	EventID    string  `json:"event_id"`
	Timestamp  int64   `json:"timestamp"`
	Source     string  `json:"source"`
	Pair       string  `json:"pair"`
	Direction  string  `json:"direction"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// handleWebhookSignal authenticates, dedups, and injects an external signal
// as a one-vote synthetic confluence into the normal gate pipeline. The
// webhook never bypasses risk.
func (s *Server) handleWebhookSignal(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Webhook.Secret == "" {
		s.fail(w, http.StatusForbidden, "webhook disabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !s.verifySignature(body, r.Header.Get("X-Signature")) {
		s.lg.Warn().Str("remote", r.RemoteAddr).Msg("Webhook signature rejected")
		s.fail(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if p.EventID == "" || p.Pair == "" {
		s.fail(w, http.StatusBadRequest, "event_id and pair are required")
		return
	}

	skew := time.Duration(s.cfg.Webhook.MaxTimestampSkewSeconds) * time.Second
	sent := time.Unix(p.Timestamp, 0)
	if drift := s.now().Sub(sent); drift > skew || drift < -skew {
		s.fail(w, http.StatusBadRequest, "timestamp outside accepted window")
		return
	}

	fresh, err := s.db.RecordWebhookEvent(r.Context(), p.EventID, p.Source)
	if err != nil {
		s.lg.Error().Err(err).Msg("Webhook dedup write failed")
		s.fail(w, http.StatusInternalServerError, "event not recorded")
		return
	}
	if !fresh {
		// Replays are acknowledged, not re-executed.
		s.ok(w, map[string]any{"accepted": false, "duplicate": true})
		return
	}

	sig, err := p.toSignal()
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid signal fields")
		return
	}
	if err := s.ctrl.InjectSignal(r.Context(), sig); err != nil {
		s.lg.Error().Err(err).Str("event_id", p.EventID).Msg("Webhook signal injection failed")
		s.fail(w, http.StatusInternalServerError, "signal not accepted")
		return
	}

	s.lg.Info().Str("event_id", p.EventID).Str("pair", p.Pair).Str("direction", p.Direction).Msg("📨 Webhook signal accepted")
	s.ok(w, map[string]any{"accepted": true})
}

func (s *Server) verifySignature(body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.Webhook.Secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

func (p webhookPayload) toSignal() (*types.ConfluenceSignal, error) {
	var dir types.Direction
	switch p.Direction {
	case "LONG", "long", "buy":
		dir = types.DirectionLong
	case "SHORT", "short", "sell":
		dir = types.DirectionShort
	default:
		return nil, errInvalidDirection
	}

	strength := clamp01(p.Strength)
	conf := clamp01(p.Confidence)
	source := p.Source
	if source == "" {
		source = "webhook"
	}
	return &types.ConfluenceSignal{
		Pair:            types.NormalizePair(p.Pair),
		Direction:       dir,
		Strength:        strength,
		Confidence:      conf,
		ConfluenceCount: 1,
		RealVotes:       1,
		EntryPrice:      p.EntryPrice,
		StopLoss:        p.StopLoss,
		TakeProfit:      p.TakeProfit,
		Timestamp:       time.Now().UTC(),
		Signals: []types.StrategySignal{{
			Strategy:   source,
			Pair:       types.NormalizePair(p.Pair),
			Direction:  dir,
			Strength:   strength,
			Confidence: conf,
			EntryPrice: p.EntryPrice,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
			Timestamp:  time.Now().UTC(),
		}},
	}, nil
}

var errInvalidDirection = errors.New("direction must be LONG or SHORT")

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
