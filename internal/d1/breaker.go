package d1

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/koltyakov/edgesync/internal/logging"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("d1: circuit open, endpoint unavailable")

// BreakerExecutor stops hammering an endpoint that keeps failing at the
// transport level. Rejected calls fail immediately; nothing is retried.
// API-level rejections (Success=false) do not count against the breaker.
type BreakerExecutor struct {
	next Executor
	cb   *gobreaker.CircuitBreaker[*Response]
}

// BreakerSettings tunes when the breaker opens
type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit after this many transport errors in a row
	ConsecutiveFailures uint32
	// Cooldown is how long the circuit stays open before a probe is allowed
	Cooldown time.Duration
}

// NewBreakerExecutor wraps next with a circuit breaker
func NewBreakerExecutor(next Executor, s BreakerSettings) *BreakerExecutor {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "d1-query",
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
	})

	return &BreakerExecutor{next: next, cb: cb}
}

// Execute runs the statement through the breaker
func (b *BreakerExecutor) Execute(ctx context.Context, sql string, params ...any) (*Response, error) {
	resp, err := b.cb.Execute(func() (*Response, error) {
		return b.next.Execute(ctx, sql, params...)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return resp, err
}

// State reports the breaker state name
func (b *BreakerExecutor) State() string {
	return b.cb.State().String()
}
