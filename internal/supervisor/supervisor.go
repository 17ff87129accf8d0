// Package supervisor restarts background subsystems after contained
// panics or errors, with backoff and a restart budget.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paperclash/realtime/internal/logging"
	"github.com/paperclash/realtime/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	restartBackoff = time.Second
	budgetWindow   = 5 * time.Minute
	budgetRestarts = 10
)

// Run executes fn, restarting it after a panic or error return with a
// 1 s backoff. More than 10 restarts inside 5 minutes exhausts the
// budget and Run returns; the caller treats that as fatal. A context
// cancellation or a clean return from fn ends the loop normally.
func Run(ctx context.Context, name string, logger zerolog.Logger, fn func(context.Context) error) error {
	log := logger.With().Str("subsystem", name).Logger()
	var restarts []time.Time

	for {
		err := runOnce(ctx, name, log, fn)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		log.Error().Err(err).Msg("Subsystem failed")

		now := time.Now()
		cutoff := now.Add(-budgetWindow)
		kept := restarts[:0]
		for _, t := range restarts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		restarts = append(kept, now)
		if len(restarts) > budgetRestarts {
			return fmt.Errorf("subsystem %s exceeded restart budget (%d in %s)", name, budgetRestarts, budgetWindow)
		}

		metrics.SubsystemRestarts.WithLabelValues(name).Inc()
		log.Warn().Int("recent_restarts", len(restarts)).Msg("Restarting subsystem")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartBackoff):
		}
	}
}

func runOnce(ctx context.Context, name string, log zerolog.Logger, fn func(context.Context) error) (err error) {
	defer logging.RecoverPanic(log, name, func(p error) {
		err = p
	})
	err = fn(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
