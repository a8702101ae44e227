// Package playback owns one ordered audio queue per voice session and the
// single worker that drains it.
package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
)

var (
	// ErrSessionClosed is returned when enqueuing on a session being torn down.
	ErrSessionClosed = errors.New("voice session closed")
	// ErrQueueFull marks requests displaced by the overflow policy.
	ErrQueueFull = errors.New("playback queue full")
	// ErrTeardownTimeout is returned when the in-flight item outlives the teardown budget.
	ErrTeardownTimeout = errors.New("teardown timed out")
	// ErrDiscarded marks queued requests dropped by teardown.
	ErrDiscarded = errors.New("discarded by teardown")
)

// PlaybackError is a sink failure while playing a synthesized artifact.
type PlaybackError struct {
	GuildID string
	Cause   error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback in guild %s failed: %v", e.GuildID, e.Cause)
}

func (e *PlaybackError) Unwrap() error { return e.Cause }

// Request is one utterance waiting for its turn. Copied by value into the queue.
type Request struct {
	ID         string
	GuildID    string
	AuthorID   string
	Text       string
	Voice      string
	Speed      float64
	Engine     string
	EnqueuedAt time.Time

	stop bool
}

type Status string

const (
	StatusPlayed    Status = "played"
	StatusDropped   Status = "dropped"
	StatusFailed    Status = "failed"
	StatusDiscarded Status = "discarded"
)

// Event reports how a request ended.
type Event struct {
	Request   Request
	Status    Status
	Err       error
	Synthesis time.Duration
	Audio     time.Duration
	Latency   time.Duration
	At        time.Time
}

// Observer is told about every finished request. Called from the worker
// goroutine, so implementations should return quickly.
type Observer interface {
	Observe(ctx context.Context, evt Event)
}

type ObserverFunc func(ctx context.Context, evt Event)

func (f ObserverFunc) Observe(ctx context.Context, evt Event) { f(ctx, evt) }

// Sink is the exclusively owned voice connection of a session.
type Sink interface {
	// Playing reports whether audio is currently being sent.
	Playing() bool
	// Play starts sending the artifact. The returned channel yields exactly one
	// value when playback finishes.
	Play(ctx context.Context, artifact *synth.Artifact) (<-chan error, error)
	Disconnect(ctx context.Context) error
}

// Synthesizer renders a request with a named engine. *synth.Registry implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, engine string, req synth.Request) (*synth.Artifact, error)
}

// EngineGate reports engine enablement. *synth.Registry implements it.
type EngineGate interface {
	Enabled(engine string) bool
}

type OverflowPolicy string

const (
	DropOldest   OverflowPolicy = "drop_oldest"
	RejectNewest OverflowPolicy = "reject_newest"
)

type Options struct {
	// QueueLimit bounds waiting requests; 0 means unbounded.
	QueueLimit       int
	Overflow         OverflowPolicy
	SynthesisTimeout time.Duration
	TeardownTimeout  time.Duration
	PollInterval     time.Duration
}

func OptionsFromConfig(cfg config.PlaybackConfig) Options {
	return Options{
		QueueLimit:       cfg.QueueLimit,
		Overflow:         OverflowPolicy(cfg.OverflowPolicy),
		SynthesisTimeout: time.Duration(cfg.SynthesisTimeoutMS) * time.Millisecond,
		TeardownTimeout:  time.Duration(cfg.TeardownTimeoutMS) * time.Millisecond,
		PollInterval:     time.Duration(cfg.PollIntervalMS) * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	if o.Overflow == "" {
		o.Overflow = DropOldest
	}
	if o.SynthesisTimeout <= 0 {
		o.SynthesisTimeout = 30 * time.Second
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}
