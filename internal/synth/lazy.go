package synth

import (
	"context"
	"sync"
)

// State is the lifecycle of a backend's one-time setup.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Lazy runs an initializer exactly once across concurrent callers.
// A failure is sticky until Reinit.
type Lazy struct {
	engine string
	init   func(ctx context.Context) error

	mu    sync.Mutex
	state State
	err   error
	cur   *attempt
}

// attempt is one run of the initializer. err is final once done is closed.
type attempt struct {
	done chan struct{}
	err  error
}

func NewLazy(engine string, init func(ctx context.Context) error) *Lazy {
	return &Lazy{engine: engine, init: init}
}

// Ensure starts the initializer on first use and waits for its outcome.
// The initializer does not inherit ctx cancellation. Callers stop waiting
// when their own ctx ends.
func (l *Lazy) Ensure(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case StateReady:
		l.mu.Unlock()
		return nil
	case StateFailed:
		err := l.err
		l.mu.Unlock()
		return &ConfigurationError{Engine: l.engine, Cause: err}
	case StateUninitialized:
		l.state = StateInitializing
		l.cur = &attempt{done: make(chan struct{})}
		go l.run(context.WithoutCancel(ctx), l.cur)
	}
	a := l.cur
	l.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lazy) run(ctx context.Context, a *attempt) {
	if err := l.init(ctx); err != nil {
		a.err = &InitializationError{Engine: l.engine, Cause: err}
	}
	l.mu.Lock()
	if a.err != nil {
		l.state = StateFailed
	} else {
		l.state = StateReady
	}
	l.err = a.err
	l.mu.Unlock()
	close(a.done)
}

func (l *Lazy) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Reinit forgets the previous outcome so the next Ensure initializes again.
func (l *Lazy) Reinit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateInitializing {
		return ErrInitInProgress
	}
	l.state = StateUninitialized
	l.err = nil
	return nil
}
