package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicerelay/internal/synth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSynth writes the request text into the artifact so sinks can tell
// which utterance they were handed.
type fakeSynth struct {
	mu      sync.Mutex
	calls   []string
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
}

func (f *fakeSynth) Synthesize(ctx context.Context, engine string, req synth.Request) (*synth.Artifact, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if n <= prev || f.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, req.Text)
	f.mu.Unlock()

	switch {
	case strings.HasPrefix(req.Text, "fail"):
		return nil, &synth.SynthesisError{Engine: engine, Cause: errors.New("engine exploded")}
	case strings.HasPrefix(req.Text, "hang"):
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return synth.NewArtifact(engine, []byte(req.Text))
}

func (f *fakeSynth) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type gate map[string]bool

func (g gate) Enabled(engine string) bool {
	enabled, ok := g[engine]
	return !ok || enabled
}

// fakeSink plays an artifact for playFor, or until release is closed when hold is set.
type fakeSink struct {
	mu          sync.Mutex
	played      []string
	artifacts   []string
	playing     atomic.Bool
	active      atomic.Int32
	maxSeen     atomic.Int32
	playFor     time.Duration
	hold        chan struct{}
	started     chan string
	busyUntil   time.Time
	disconnects atomic.Int32
}

func newFakeSink() *fakeSink {
	return &fakeSink{started: make(chan string, 64)}
}

func (f *fakeSink) Playing() bool {
	f.mu.Lock()
	busy := time.Now().Before(f.busyUntil)
	f.mu.Unlock()
	return busy || f.playing.Load()
}

func (f *fakeSink) Play(ctx context.Context, artifact *synth.Artifact) (<-chan error, error) {
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, err
	}
	n := f.active.Add(1)
	if n > f.maxSeen.Load() {
		f.maxSeen.Store(n)
	}
	f.playing.Store(true)
	f.mu.Lock()
	f.played = append(f.played, string(data))
	f.artifacts = append(f.artifacts, artifact.Path)
	f.mu.Unlock()
	f.started <- string(data)

	done := make(chan error, 1)
	go func() {
		var err error
		if f.hold != nil {
			select {
			case <-f.hold:
			case <-ctx.Done():
				err = ctx.Err()
			}
		} else if f.playFor > 0 {
			time.Sleep(f.playFor)
		}
		f.active.Add(-1)
		f.playing.Store(false)
		if string(data) == "sinkfail" {
			err = errors.New("voice websocket closed")
		}
		done <- err
	}()
	return done, nil
}

func (f *fakeSink) Disconnect(ctx context.Context) error {
	f.disconnects.Add(1)
	return nil
}

func (f *fakeSink) Played() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.played...)
}

func (f *fakeSink) Artifacts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.artifacts...)
}

// events collects observer notifications.
type events struct {
	ch chan Event
}

func newEvents() *events {
	return &events{ch: make(chan Event, 256)}
}

func (e *events) Observe(ctx context.Context, evt Event) {
	e.ch <- evt
}

func (e *events) wait(t *testing.T, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case evt := <-e.ch:
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d: %+v", n, len(out), out)
		}
	}
	return out
}

func testOptions() Options {
	return Options{
		QueueLimit:       64,
		Overflow:         DropOldest,
		SynthesisTimeout: time.Second,
		TeardownTimeout:  2 * time.Second,
		PollInterval:     5 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T, s Synthesizer, g EngineGate, opts Options) (*Registry, *events) {
	t.Helper()
	reg := NewRegistry(context.Background(), s, g, opts, testLogger())
	evs := newEvents()
	reg.AddObserver(evs)
	t.Cleanup(func() { _ = reg.CloseAll(context.Background()) })
	return reg, evs
}

func dialer(sink Sink) Dialer {
	return func(ctx context.Context) (Sink, error) { return sink, nil }
}

func mustSession(t *testing.T, reg *Registry, guildID string, sink Sink) *Session {
	t.Helper()
	s, err := reg.GetOrCreate(context.Background(), guildID, dialer(sink))
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	return s
}

func mustEnqueue(t *testing.T, s *Session, text string) Request {
	t.Helper()
	req, err := s.Enqueue(Request{Text: text, Voice: "f1", Speed: 100, Engine: synth.EngineAquesTalk1})
	if err != nil {
		t.Fatalf("enqueue %q: %v", text, err)
	}
	return req
}
