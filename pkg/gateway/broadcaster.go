package gateway

import (
	"time"

	"github.com/harun/switchboard/pkg/protocol"
	"github.com/rs/zerolog"
)

// Broadcaster delivers gateway-originated frames to every live session
type Broadcaster struct {
	sessions *SessionRegistry
	logger   zerolog.Logger
}

// NewBroadcaster creates a broadcaster over sessions
func NewBroadcaster(sessions *SessionRegistry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		sessions: sessions,
		logger:   logger,
	}
}

// Broadcast queues msg on every connected client. It returns the number of
// sessions that accepted it.
func (b *Broadcaster) Broadcast(msg protocol.Message) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("type", string(msg.Kind())).Msg("Failed to encode broadcast")
		return 0
	}

	delivered := 0
	for _, s := range b.sessions.GetAll() {
		s := s
		if s.post(func() {
			if !s.disconnected {
				s.relayToClient(textFrame(data))
			}
		}) {
			delivered++
		}
	}

	b.logger.Debug().
		Str("type", string(msg.Kind())).
		Int("sessions", delivered).
		Msg("Broadcast queued")
	return delivered
}

// Shutdown tells every session the gateway is stopping and waits up to
// timeout for their loops to exit. It returns the number still running.
func (b *Broadcaster) Shutdown(timeout time.Duration) int {
	sessions := b.sessions.GetAll()
	for _, s := range sessions {
		s.post(s.shutdown)
	}

	deadline := time.After(timeout)
	for i, s := range sessions {
		select {
		case <-s.stopped:
		case <-deadline:
			remaining := len(sessions) - i
			b.logger.Warn().Int("sessions", remaining).Msg("Shutdown timeout reached, abandoning sessions")
			return remaining
		}
	}
	return 0
}
