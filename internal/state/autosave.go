package state

import (
	"context"
	"fmt"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Flusher persists state.
type Flusher interface {
	Flush() error
}

// Autosaver flushes a store on a cron schedule and once more on shutdown.
type Autosaver struct {
	cron  *rcron.Cron
	store Flusher
	log   zerolog.Logger
}

// NewAutosaver validates spec (standard cron syntax or descriptors such as
// "@every 10m") and registers the flush job. An empty spec disables the
// periodic job; the final flush still runs.
func NewAutosaver(spec string, store Flusher, log zerolog.Logger) (*Autosaver, error) {
	a := &Autosaver{
		cron:  rcron.New(),
		store: store,
		log:   log.With().Str("component", "autosave").Logger(),
	}
	if spec != "" {
		if _, err := a.cron.AddFunc(spec, a.flush); err != nil {
			return nil, fmt.Errorf("invalid autosave schedule %q: %w", spec, err)
		}
	}
	return a, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running flush and performs the final one.
func (a *Autosaver) Run(ctx context.Context) error {
	a.cron.Start()
	<-ctx.Done()
	<-a.cron.Stop().Done()

	a.log.Info().Msg("final flush")
	if err := a.store.Flush(); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}

func (a *Autosaver) flush() {
	if err := a.store.Flush(); err != nil {
		a.log.Error().Err(err).Msg("autosave failed")
		return
	}
	a.log.Debug().Msg("autosave done")
}
