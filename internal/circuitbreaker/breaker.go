// Package circuitbreaker stops hammering upstreams that keep failing and guards
// published batches against implausible swings between runs.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, no new calls allowed
	StateHalfOpen              // Probing whether the upstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrOpen is returned by Allow while the circuit is open
var ErrOpen = errors.New("circuit breaker open")

// Breaker counts consecutive failures against one upstream and opens after
// FailureThreshold of them. After ResetDelay a single trial request is let through.
type Breaker struct {
	name string

	mu               sync.Mutex
	state            State
	failures         int
	successCount     int
	lastTrip         time.Time
	probing          bool
	failureThreshold int
	successThreshold int
	resetDelay       time.Duration
	now              func() time.Time

	onStateChange func(name string, from, to State)
}

// New creates a breaker for the named upstream
func New(name string) *Breaker {
	return &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 1,
		resetDelay:       30 * time.Second,
		now:              time.Now,
	}
}

// WithFailureThreshold sets how many consecutive failures open the circuit
func (b *Breaker) WithFailureThreshold(n int) *Breaker {
	if n > 0 {
		b.failureThreshold = n
	}
	return b
}

// WithSuccessThreshold sets the number of successful trial requests needed to close the circuit
func (b *Breaker) WithSuccessThreshold(n int) *Breaker {
	if n > 0 {
		b.successThreshold = n
	}
	return b
}

// WithResetDelay sets a custom reset delay and returns the breaker
func (b *Breaker) WithResetDelay(d time.Duration) *Breaker {
	b.resetDelay = d
	return b
}

// WithStateChange registers a callback fired on every transition
func (b *Breaker) WithStateChange(fn func(name string, from, to State)) *Breaker {
	b.onStateChange = fn
	return b
}

// Name returns the upstream this breaker protects
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. Callers that get nil must report
// the outcome through Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastTrip) < b.resetDelay {
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: %s (trial request in flight)", ErrOpen, b.name)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateHalfOpen {
		return
	}
	b.probing = false
	b.successCount++
	if b.successCount >= b.successThreshold {
		b.transition(StateClosed)
		logrus.WithField("upstream", b.name).Info("Circuit breaker closed: upstream has recovered")
	}
}

// Failure records a failed call
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.trip()
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	}
}

// GetState returns the current state of the circuit breaker
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forcibly resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.transition(StateClosed)
}

func (b *Breaker) trip() {
	b.lastTrip = b.now()
	b.failures = 0
	b.transition(StateOpen)
	logrus.WithField("upstream", b.name).Warn("Circuit breaker tripped")
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.successCount = 0
	if from != to && b.onStateChange != nil {
		go b.onStateChange(b.name, from, to)
	}
}

// Set hands out one breaker per upstream key, creating them lazily.
type Set struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	factory  func(name string) *Breaker

	// last holds the final states of the most recently recorded child set
	last map[string]State
}

// NewSet creates a set whose breakers are built by factory. A nil factory uses New.
func NewSet(factory func(name string) *Breaker) *Set {
	if factory == nil {
		factory = New
	}
	return &Set{breakers: make(map[string]*Breaker), factory: factory}
}

// Get returns the breaker for key
func (s *Set) Get(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = s.factory(key)
		s.breakers[key] = b
	}
	return b
}

// Fork returns an empty set built by the same factory. Breakers tripped in the
// fork never affect s.
func (s *Set) Fork() *Set {
	return NewSet(s.factory)
}

// Record keeps a snapshot of child's states so States can report them after
// the child is gone.
func (s *Set) Record(child *Set) {
	if child == nil || child == s {
		return
	}
	snap := child.States()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		s.last = make(map[string]State, len(snap))
	}
	for k, st := range snap {
		s.last[k] = st
	}
}

// States snapshots the state of every known breaker, including recorded ones.
// Live breakers win over recorded states for the same key.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers)+len(s.last))
	for k, st := range s.last {
		out[k] = st
	}
	for k, b := range s.breakers {
		out[k] = b.GetState()
	}
	return out
}

type setKey struct{}

// NewContext returns a copy of ctx carrying set
func NewContext(ctx context.Context, set *Set) context.Context {
	return context.WithValue(ctx, setKey{}, set)
}

// FromContext returns the set carried by ctx, or nil
func FromContext(ctx context.Context) *Set {
	if ctx == nil {
		return nil
	}
	set, _ := ctx.Value(setKey{}).(*Set)
	return set
}
