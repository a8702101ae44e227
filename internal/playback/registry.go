package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Dialer opens the voice connection for a new session.
type Dialer func(ctx context.Context) (Sink, error)

// Registry holds at most one Session per guild.
type Registry struct {
	ctx     context.Context
	cancel  context.CancelFunc
	synth   Synthesizer
	gate    EngineGate
	opts    Options
	log     *slog.Logger
	metrics *metrics
	clock   func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*Session
	dialing   map[string]*pendingDial
	closed    bool
	observers []Observer
	dials     singleflight.Group

	meter metric.Meter
}

func NewRegistry(ctx context.Context, synth Synthesizer, gate EngineGate, opts Options, log *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	log = log.With(slog.String("component", "playback"))
	r := &Registry{
		ctx:      ctx,
		cancel:   cancel,
		synth:    synth,
		gate:     gate,
		opts:     opts.withDefaults(),
		log:      log,
		metrics:  newMetrics(log),
		clock:    time.Now,
		sessions: make(map[string]*Session),
		dialing:  make(map[string]*pendingDial),
		meter:    otel.Meter(instrumentation),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// AddObserver registers an observer for events from every session.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) notify(ctx context.Context, evt Event) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, o := range observers {
		o.Observe(ctx, evt)
	}
}

// GetOrCreate returns the guild's session, dialing a new voice connection if
// there is none. Concurrent calls for one guild share a single dial. A session
// that is being torn down is waited out and replaced.
func (r *Registry) GetOrCreate(ctx context.Context, guildID string, dial Dialer) (*Session, error) {
	if s, err := r.settle(ctx, guildID); s != nil || err != nil {
		return s, err
	}
	v, err, _ := r.dials.Do(guildID, func() (any, error) {
		return r.dial(ctx, guildID, dial)
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	if s.closing() {
		return nil, ErrSessionClosed
	}
	return s, nil
}

// settle returns the guild's live session, or nil once no session remains.
func (r *Registry) settle(ctx context.Context, guildID string) (*Session, error) {
	for {
		s, ok := r.Get(guildID)
		if !ok {
			return nil, nil
		}
		if !s.closing() {
			return s, nil
		}
		select {
		case <-s.gone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// dial runs inside the guild's singleflight call. A Destroy that arrives
// while the dial is running marks it aborted and the new sink is dropped.
func (r *Registry) dial(ctx context.Context, guildID string, dial Dialer) (*Session, error) {
	if s, err := r.settle(ctx, guildID); s != nil || err != nil {
		return s, err
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pd := &pendingDial{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	if r.closed || r.ctx.Err() != nil {
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}
	r.dialing[guildID] = pd
	r.mu.Unlock()
	defer close(pd.done)

	sink, err := dial(dctx)

	r.mu.Lock()
	delete(r.dialing, guildID)
	aborted := pd.aborted || r.closed
	if err == nil && !aborted {
		s := newSession(r.ctx, guildID, sink, r)
		r.sessions[guildID] = s
		r.mu.Unlock()
		r.log.Info("voice session created", slog.String("guild_id", guildID))
		return s, nil
	}
	r.mu.Unlock()

	if !aborted {
		return nil, fmt.Errorf("dial voice for guild %s: %w", guildID, err)
	}
	if err == nil {
		if derr := sink.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			r.log.Warn("failed to disconnect abandoned voice connection", slog.String("guild_id", guildID), slog.String("error", derr.Error()))
		}
	}
	r.log.Info("voice dial abandoned by teardown", slog.String("guild_id", guildID))
	return nil, ErrSessionClosed
}

type pendingDial struct {
	cancel  context.CancelFunc
	done    chan struct{}
	aborted bool
}

func (r *Registry) Get(guildID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[guildID]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Destroy stops the guild's session, disconnects its sink and forgets it. A
// dial in progress is abandoned and awaited. Destroying a guild without a
// session is a no-op.
func (r *Registry) Destroy(ctx context.Context, guildID string) error {
	r.mu.Lock()
	s := r.sessions[guildID]
	pd := r.dialing[guildID]
	if pd != nil {
		pd.aborted = true
		pd.cancel()
	}
	r.mu.Unlock()

	if pd != nil {
		select {
		case <-pd.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s == nil {
		return nil
	}

	closeErr := s.Close(ctx)
	discErr := s.disconnect(ctx)

	r.mu.Lock()
	if r.sessions[guildID] == s {
		delete(r.sessions, guildID)
	}
	r.mu.Unlock()
	s.markGone()

	if discErr != nil {
		discErr = fmt.Errorf("disconnect: %w", discErr)
	}
	r.log.Info("voice session destroyed", slog.String("guild_id", guildID))
	return errors.Join(closeErr, discErr)
}

// CloseAll refuses new sessions and destroys every session and pending dial
// in parallel.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	guilds := make([]string, 0, len(r.sessions)+len(r.dialing))
	for id := range r.sessions {
		guilds = append(guilds, id)
	}
	for id := range r.dialing {
		if _, ok := r.sessions[id]; !ok {
			guilds = append(guilds, id)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(guilds))
	for i, id := range guilds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.Destroy(ctx, id)
		}()
	}
	wg.Wait()
	r.cancel()
	return errors.Join(errs...)
}

func (r *Registry) snapshot() (sessions, pending int64) {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	for _, s := range list {
		sessions++
		pending += int64(s.Pending())
	}
	return sessions, pending
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	sessionGauge, err := r.meter.Int64ObservableGauge("voicerelay.playback.sessions", metric.WithDescription("Live voice sessions"))
	if err != nil {
		return err
	}
	pendingGauge, err := r.meter.Int64ObservableGauge("voicerelay.playback.pending", metric.WithDescription("Queued requests across sessions"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		sessions, pending := r.snapshot()
		obs.ObserveInt64(sessionGauge, sessions)
		obs.ObserveInt64(pendingGauge, pending)
		return nil
	}, sessionGauge, pendingGauge)
	return err
}
