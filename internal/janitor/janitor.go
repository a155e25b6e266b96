// Package janitor reclaims turn buffers abandoned by sessions that never
// reached a turn boundary.
package janitor

import (
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/helpline/internal/bus"
	"github.com/basket/helpline/internal/turn"
)

// Config holds the dependencies for the janitor.
type Config struct {
	Accumulator *turn.Accumulator
	Bus         *bus.Bus
	Logger      *slog.Logger

	// IdleTTL is how long a buffer may sit untouched before it is swept.
	IdleTTL time.Duration

	// SweepSpec is the cron expression driving the sweep, e.g. "@every 5m".
	SweepSpec string
}

// Janitor periodically sweeps idle accumulator buffers and announces each
// reclaimed session on the bus.
type Janitor struct {
	acc      *turn.Accumulator
	eventBus *bus.Bus
	logger   *slog.Logger
	idleTTL  time.Duration

	cron *cronlib.Cron
}

func New(cfg Config) (*Janitor, error) {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = "@every 5m"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	j := &Janitor{
		acc:      cfg.Accumulator,
		eventBus: cfg.Bus,
		logger:   logger,
		idleTTL:  cfg.IdleTTL,
		cron:     cronlib.New(),
	}
	if _, err := j.cron.AddFunc(cfg.SweepSpec, j.Sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep spec %q: %w", cfg.SweepSpec, err)
	}
	return j, nil
}

// Start begins the sweep schedule in a background goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started", "idle_ttl", j.idleTTL)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("janitor stopped")
}

// Sweep drops buffers idle past the TTL. Buffered fragments are discarded,
// not committed: a buffer only gets here when its session vanished without a
// turn boundary, so the content never belonged to a finished turn.
func (j *Janitor) Sweep() {
	swept := j.acc.SweepIdle(j.idleTTL)
	if len(swept) == 0 {
		return
	}
	j.logger.Info("swept idle turn buffers", "count", len(swept))
	for _, key := range swept {
		if j.eventBus != nil {
			j.eventBus.Publish(bus.TopicSessionSwept, bus.SessionEvent{
				UserID:    key.UserID,
				SessionID: key.SessionID,
				Reason:    "idle",
			})
		}
	}
}
