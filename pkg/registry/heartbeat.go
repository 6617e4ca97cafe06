package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Monitor periodically marks agents with stale heartbeats unhealthy
type Monitor struct {
	registry *Registry
	interval time.Duration
	onStale  func(id string)
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor that checks every interval. onStale may be nil.
func NewMonitor(registry *Registry, interval time.Duration, onStale func(id string)) *Monitor {
	if interval <= 0 {
		interval = registry.StalenessThreshold() / 2
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		registry: registry,
		interval: interval,
		onStale:  onStale,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the monitor loop
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()

	log.Info().
		Dur("interval", m.interval).
		Dur("staleness", m.registry.StalenessThreshold()).
		Msg("Agent heartbeat monitor started")
}

// Stop stops the monitor loop and waits for it to exit
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()

	log.Info().Msg("Agent heartbeat monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one staleness pass
func (m *Monitor) Check() {
	for _, id := range m.registry.markStale() {
		log.Warn().
			Str("agentId", id).
			Dur("staleness", m.registry.StalenessThreshold()).
			Msg("Agent marked unhealthy due to missed heartbeats")

		if m.onStale != nil {
			m.onStale(id)
		}
	}
}
