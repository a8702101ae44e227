package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// abortGrace bounds the wait for a cancelled worker to exit.
const abortGrace = 2 * time.Second

// Session is the playback state of one guild's voice connection.
//
// Idle: empty queue, no worker. Draining: exactly one worker. Stopping: a
// stop sentinel is queued and new requests are refused.
type Session struct {
	guildID string
	sink    Sink
	synth   Synthesizer
	gate    EngineGate
	opts    Options
	log     *slog.Logger
	metrics *metrics
	notify  func(ctx context.Context, evt Event)
	clock   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []Request
	running  bool
	stopping bool
	idle     chan struct{}
	spawned  int

	detach    sync.Once
	detachErr error

	// gone is closed once the registry has forgotten the session.
	gone     chan struct{}
	goneOnce sync.Once
}

func newSession(parent context.Context, guildID string, sink Sink, r *Registry) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		guildID: guildID,
		sink:    sink,
		synth:   r.synth,
		gate:    r.gate,
		opts:    r.opts,
		log:     r.log.With(slog.String("guild_id", guildID)),
		metrics: r.metrics,
		notify:  r.notify,
		clock:   r.clock,
		ctx:     ctx,
		cancel:  cancel,
		gone:    make(chan struct{}),
	}
}

func (s *Session) GuildID() string { return s.guildID }

func (s *Session) Sink() Sink { return s.sink }

// Pending returns the number of queued requests, excluding the one in flight.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if s.stopping && n > 0 {
		n--
	}
	return n
}

func (s *Session) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Session) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// Active reports whether a worker is draining the queue.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Enqueue appends req and starts a worker if none is running. The check and
// the spawn happen under the same lock, so racing callers never start two.
func (s *Session) Enqueue(req Request) (Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = s.clock()
	}
	req.GuildID = s.guildID
	req.stop = false

	var displaced *Request
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return req, ErrSessionClosed
	}
	if limit := s.opts.QueueLimit; limit > 0 && len(s.queue) >= limit {
		if s.opts.Overflow == RejectNewest {
			s.mu.Unlock()
			s.log.Warn("queue full, rejecting newest request", slog.String("request_id", req.ID), slog.Int("limit", limit))
			s.finish(s.ctx, Event{Request: req, Status: StatusDropped, Err: ErrQueueFull})
			return req, ErrQueueFull
		}
		oldest := s.queue[0]
		s.queue[0] = Request{}
		s.queue = s.queue[1:]
		displaced = &oldest
	}
	s.queue = append(s.queue, req)
	if !s.running {
		s.running = true
		s.spawned++
		s.idle = make(chan struct{})
		go s.run(s.idle)
	}
	s.mu.Unlock()

	s.metrics.recordEnqueue(s.ctx, req.Engine)
	if displaced != nil {
		s.log.Warn("queue full, dropping oldest request", slog.String("request_id", displaced.ID), slog.Int("limit", s.opts.QueueLimit))
		s.finish(s.ctx, Event{Request: *displaced, Status: StatusDropped, Err: ErrQueueFull})
	}
	return req, nil
}

func (s *Session) run(idle chan struct{}) {
	defer close(idle)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		req := s.queue[0]
		s.queue[0] = Request{}
		s.queue = s.queue[1:]
		if req.stop {
			s.running = false
			s.queue = nil
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.process(req)
	}
}

func (s *Session) process(req Request) {
	ctx, span := s.metrics.tracer.Start(s.ctx, "playback.utterance", trace.WithAttributes(
		attribute.String("guild_id", s.guildID),
		attribute.String("request_id", req.ID),
		attribute.String("engine", req.Engine),
	))
	defer span.End()
	log := s.log.With(slog.String("request_id", req.ID), slog.String("engine", req.Engine))

	if !s.gate.Enabled(req.Engine) {
		log.Debug("engine disabled, dropping request")
		s.finish(ctx, Event{Request: req, Status: StatusDropped, Err: &synth.ConfigurationError{Engine: req.Engine, Cause: synth.ErrEngineDisabled}})
		return
	}

	started := s.clock()
	sctx, cancel := context.WithTimeout(ctx, s.opts.SynthesisTimeout)
	artifact, err := s.synth.Synthesize(sctx, req.Engine, synth.Request{Text: req.Text, Voice: req.Voice, Speed: req.Speed})
	cancel()
	elapsed := s.clock().Sub(started)
	if err != nil {
		status := StatusFailed
		var cfgErr *synth.ConfigurationError
		var synErr *synth.SynthesisError
		switch {
		case errors.As(err, &cfgErr):
			status = StatusDropped
		case !errors.As(err, &synErr):
			err = &synth.SynthesisError{Engine: req.Engine, Cause: err}
		}
		log.Warn("synthesis failed", slog.String("error", err.Error()), slog.Duration("elapsed", elapsed))
		span.SetStatus(codes.Error, err.Error())
		s.finish(ctx, Event{Request: req, Status: status, Err: err, Synthesis: elapsed})
		return
	}

	evt := Event{Request: req, Status: StatusPlayed, Synthesis: elapsed}
	if d, err := artifact.Duration(); err == nil {
		evt.Audio = d
	}

	if err := s.play(ctx, artifact); err != nil {
		evt.Status = StatusFailed
		evt.Err = &PlaybackError{GuildID: s.guildID, Cause: err}
		log.Warn("playback failed", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, err.Error())
	}
	if err := artifact.Dispose(); err != nil {
		log.Warn("failed to remove artifact", slog.String("path", artifact.Path), slog.String("error", err.Error()))
	}
	s.finish(ctx, evt)
}

func (s *Session) play(ctx context.Context, artifact *synth.Artifact) error {
	if err := s.awaitIdle(ctx); err != nil {
		return err
	}
	done, err := s.sink.Play(ctx, artifact)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) awaitIdle(ctx context.Context) error {
	if !s.sink.Playing() {
		return nil
	}
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for s.sink.Playing() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Session) finish(ctx context.Context, evt Event) {
	evt.At = s.clock()
	evt.Latency = evt.At.Sub(evt.Request.EnqueuedAt)
	ctx = context.WithoutCancel(ctx)
	s.metrics.recordOutcome(ctx, evt)
	if s.notify != nil {
		s.notify(ctx, evt)
	}
}

// Close discards queued requests, lets the in-flight one finish and waits for
// the worker to exit. After the teardown timeout the session context is
// cancelled, which aborts synthesis and playback of the in-flight item.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	first := !s.stopping
	s.stopping = true
	var discarded []Request
	if first {
		discarded = s.queue
		s.queue = nil
		if s.running {
			s.queue = []Request{{stop: true}}
		}
	}
	idle, running := s.idle, s.running
	s.mu.Unlock()

	if len(discarded) > 0 {
		s.log.Info("discarding queued requests", slog.Int("count", len(discarded)))
		for _, req := range discarded {
			s.finish(s.ctx, Event{Request: req, Status: StatusDiscarded, Err: ErrDiscarded})
		}
	}

	var err error
	if running {
		timer := time.NewTimer(s.opts.TeardownTimeout)
		select {
		case <-idle:
		case <-timer.C:
			err = ErrTeardownTimeout
			s.log.Warn("in-flight request outlived teardown, cancelling", slog.Duration("timeout", s.opts.TeardownTimeout))
			s.cancel()
			s.awaitExit(ctx, idle)
		case <-ctx.Done():
			err = ctx.Err()
			s.cancel()
			s.awaitExit(context.Background(), idle)
		}
		timer.Stop()
	}
	s.cancel()
	return err
}

// awaitExit gives a cancelled worker abortGrace to dispose its artifact.
func (s *Session) awaitExit(ctx context.Context, idle <-chan struct{}) {
	grace := time.NewTimer(abortGrace)
	defer grace.Stop()
	select {
	case <-idle:
	case <-grace.C:
		s.log.Error("worker did not exit after cancellation", slog.Duration("grace", abortGrace))
	case <-ctx.Done():
	}
}

func (s *Session) disconnect(ctx context.Context) error {
	s.detach.Do(func() {
		s.detachErr = s.sink.Disconnect(ctx)
	})
	return s.detachErr
}
