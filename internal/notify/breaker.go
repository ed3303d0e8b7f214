package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBreakerOpen is returned while the breaker is rejecting publishes.
var ErrBreakerOpen = errors.New("notify: circuit breaker is open")

// BreakerState is the state of a BreakerPublisher.
type BreakerState int

const (
	// BreakerClosed publishes every event and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen drops events without calling the broker.
	BreakerOpen
	// BreakerHalfOpen lets one trial publish through after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerPublisher stops calling a failing broker for a cooldown period, so
// that an unreachable broker costs each workflow operation nothing instead
// of a timeout. It is safe for concurrent use.
type BreakerPublisher struct {
	next     Publisher
	logger   *zap.Logger
	now      func() time.Time
	failures int
	cooldown time.Duration

	mu          sync.Mutex
	state       BreakerState
	consecutive int
	openedAt    time.Time
	probing     bool
}

// BreakerOption configures a BreakerPublisher.
type BreakerOption func(*BreakerPublisher)

// WithBreakerLogger sets the logger state changes are reported to.
func WithBreakerLogger(l *zap.Logger) BreakerOption {
	return func(b *BreakerPublisher) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *BreakerPublisher) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBreakerPublisher wraps next. The breaker opens after failures
// consecutive publish errors and tries again after cooldown.
func NewBreakerPublisher(next Publisher, failures int, cooldown time.Duration, opts ...BreakerOption) *BreakerPublisher {
	if failures < 1 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &BreakerPublisher{
		next:     next,
		logger:   zap.NewNop(),
		now:      time.Now,
		failures: failures,
		cooldown: cooldown,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish implements Publisher.
func (b *BreakerPublisher) Publish(ctx context.Context, evt Event) error {
	if !b.allow() {
		return ErrBreakerOpen
	}
	err := b.next.Publish(ctx, evt)
	b.record(err)
	return err
}

// State returns the current breaker state.
func (b *BreakerPublisher) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// HealthCheck reports an open breaker, then defers to the wrapped
// publisher when it can check itself.
func (b *BreakerPublisher) HealthCheck(ctx context.Context) error {
	if b.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	if hc, ok := b.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (b *BreakerPublisher) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		// One trial at a time.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *BreakerPublisher) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != BreakerClosed {
			b.logger.Info("notify breaker closed")
		}
		b.state = BreakerClosed
		b.consecutive = 0
		b.probing = false
		return
	}

	b.consecutive++
	if b.state == BreakerHalfOpen || b.consecutive >= b.failures {
		if b.state != BreakerOpen {
			b.logger.Warn("notify breaker opened",
				zap.Int("consecutive_failures", b.consecutive),
				zap.Duration("cooldown", b.cooldown),
				zap.Error(err),
			)
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
	}
}
