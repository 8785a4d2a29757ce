package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// OnlineLearner is a logistic regression updated by SGD as trades close.
// It refuses to predict until it has seen minUpdates labeled outcomes:
// an undertrained online model is worse than no opinion.
type OnlineLearner struct {
	mu           sync.RWMutex
	weights      map[string]float64
	bias         float64
	updates      int
	learningRate float64
	l2           float64
	minUpdates   int
	path         string
}

type onlineState struct {
	Weights map[string]float64 `json:"weights"`
	Bias    float64            `json:"bias"`
	Updates int                `json:"updates"`
}

// NewOnlineLearner builds the learner and loads prior state from path when
// present.
func NewOnlineLearner(path string, minUpdates int) *OnlineLearner {
	l := &OnlineLearner{
		weights:      make(map[string]float64),
		learningRate: 0.05,
		l2:           1e-4,
		minUpdates:   minUpdates,
		path:         path,
	}
	st := &onlineState{}
	if err := readJSON(path, st); err == nil && st.Weights != nil {
		l.weights = st.Weights
		l.bias = st.Bias
		l.updates = st.Updates
		log.Info().Int("updates", st.Updates).Msg("🧠 Online model restored")
	} else if err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("Online model unreadable, starting fresh")
	}
	return l
}

// Updates returns how many labeled outcomes the learner has absorbed.
func (l *OnlineLearner) Updates() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updates
}

// PredictProba returns P(win), or nil while the learner is undertrained.
func (l *OnlineLearner) PredictProba(features map[string]float64) *float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.updates < l.minUpdates {
		return nil
	}
	p := l.predictLocked(features)
	return &p
}

func (l *OnlineLearner) predictLocked(features map[string]float64) float64 {
	z := l.bias
	for name, v := range features {
		z += l.weights[name] * v
	}
	return sigmoid(z)
}

// Learn applies one SGD step for a labeled outcome (1 = profitable trade).
func (l *OnlineLearner) Learn(features map[string]float64, label int) {
	y := 0.0
	if label > 0 {
		y = 1.0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.predictLocked(features)
	grad := p - y

	for name, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		w := l.weights[name]
		l.weights[name] = w - l.learningRate*(grad*v+l.l2*w)
	}
	l.bias -= l.learningRate * grad
	l.updates++
}

// Save persists the learner state, keeping a .bak copy of the previous
// artifact so a crash mid-write cannot lose the model.
func (l *OnlineLearner) Save() error {
	l.mu.RLock()
	st := onlineState{Weights: make(map[string]float64, len(l.weights)), Bias: l.bias, Updates: l.updates}
	for k, v := range l.weights {
		st.Weights[k] = v
	}
	path := l.path
	l.mu.RUnlock()

	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal online model: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir models: %w", err)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			log.Warn().Err(err).Msg("Online model backup failed")
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write online model: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish online model: %w", err)
	}
	return nil
}
