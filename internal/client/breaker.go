package client

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-talsh/internal/status"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker stops calls to a peer after consecutive failures and lets one
// trial call through once the cooldown has passed. It is safe for concurrent use.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool

	now func() time.Time
}

// NewBreaker opens after maxFailures consecutive failures and lets a trial call through after cooldown.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		state:       Closed,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Allow reports whether a call may proceed. In the half-open state only one
// trial call is in flight at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(HalfOpen)
		b.probing = true
		return true
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// Record reports the outcome of an allowed call.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.failures = 0
		b.setState(Closed)
		return
	}
	b.failures++
	if b.state == HalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.setState(Open)
	}
}

// Do runs fn when the breaker allows it. A refused call reports TryLater.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return status.Errorf(status.TryLater, "circuit open")
	}
	err := fn()
	b.Record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s BreakerState) {
	if s == b.state {
		return
	}
	log.Debug().Str("from", b.state.String()).Str("to", s.String()).Int("failures", b.failures).Msg("Circuit breaker transition")
	b.state = s
	breakerState.Set(float64(s))
}
