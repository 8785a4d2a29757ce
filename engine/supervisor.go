package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	superBackoffBase  = 2 * time.Second
	superBackoffCap   = 30 * time.Second
	superHealthyAfter = 600 * time.Second
	criticalFailures  = 3
)

// task is one supervised long-lived loop. run returns nil only on context
// cancellation; any other return (or panic) counts as a failure.
type task struct {
	name     string
	critical bool
	run      func(ctx context.Context) error
}

// supervise restarts a task forever with backed-off jittered delays. A
// critical task failing repeatedly trips the task-failure breaker; the
// process itself never dies here.
func (e *Engine) supervise(ctx context.Context, t task) {
	failures := 0
	backoff := superBackoffBase

	for ctx.Err() == nil {
		started := time.Now()
		err := runRecovered(ctx, t)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		if time.Since(started) >= superHealthyAfter {
			failures = 0
			backoff = superBackoffBase
		}
		failures++
		log.Error().Err(err).Str("task", t.name).Int("failures", failures).Msg("⚠️ Supervised task failed")
		e.thought("task_failure", fmt.Sprintf("%s failed (#%d): %v", t.name, failures, err))

		if t.critical && failures >= criticalFailures {
			e.autoPause(ctx, "task_failures", fmt.Sprintf("critical task %s failed %d times", t.name, failures))
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
		if backoff > superBackoffCap {
			backoff = superBackoffCap
		}
	}
}

func runRecovered(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.run(ctx)
}
