package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSweepSchedule prunes expired records once a minute.
const DefaultSweepSchedule = "@every 1m"

// Janitor periodically sweeps expired records from a store.
type Janitor struct {
	sweeper  Sweeper
	schedule string
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewJanitor creates a janitor for sweeper. An empty schedule uses DefaultSweepSchedule.
func NewJanitor(sweeper Sweeper, schedule string) *Janitor {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Janitor{
		sweeper:  sweeper,
		schedule: schedule,
		timeout:  30 * time.Second,
	}
}

// Start registers the sweep job and starts the scheduler
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("janitor already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(j.schedule, j.RunOnce); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", j.schedule, err)
	}
	c.Start()

	j.cron = c
	j.running = true

	log.Info().Str("schedule", j.schedule).Msg("Session janitor started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}

	<-j.cron.Stop().Done()
	j.running = false

	log.Info().Msg("Session janitor stopped")
}

// RunOnce sweeps the store immediately
func (j *Janitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	removed, err := j.sweeper.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Session sweep failed")
		return
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Expired session records swept")
	}
}
