package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a record does not exist or has expired.
var ErrNotFound = errors.New("session record not found")

// Store is the shared, TTL-backed keyed store consulted by the gateway and by
// every worker. MergeMemory must apply the patch atomically against the stored
// record.
type Store interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s Session, ttl time.Duration) error
	DeleteSession(ctx context.Context, id string) error

	GetMemory(ctx context.Context, id string) (*Memory, error)
	SaveMemory(ctx context.Context, id string, m Memory, ttl time.Duration) error
	MergeMemory(ctx context.Context, id string, patch MemoryPatch, ttl time.Duration) (Memory, error)
	DeleteMemory(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

// Sweeper is implemented by stores that need expired records pruned explicitly.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RetryPolicy bounds the startup connection attempts.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns the startup retry defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  5,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
}

// Delay returns the backoff before the given retry (0-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Connect opens a store with open and pings it, retrying with exponential
// backoff. The last error is returned once the budget is spent.
func Connect(ctx context.Context, policy RetryPolicy, open func() (Store, error)) (Store, error) {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt - 1)
			log.Warn().
				Err(lastErr).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Msg("Session store unavailable, retrying")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		store, err := open()
		if err != nil {
			lastErr = err
			continue
		}
		if err := store.Ping(ctx); err != nil {
			store.Close()
			lastErr = err
			continue
		}

		log.Info().Int("attempts", attempt+1).Msg("Session store connected")
		return store, nil
	}

	return nil, fmt.Errorf("session store unavailable after %d attempts: %w", policy.Attempts, lastErr)
}
