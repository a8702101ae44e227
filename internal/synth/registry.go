package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Status is a point-in-time view of one registered engine.
type Status struct {
	Engine   string `json:"engine"`
	Enabled  bool   `json:"enabled"`
	Family   string `json:"speed_family"`
	Phonemes bool   `json:"phonemes"`
	State    string `json:"state"`
}

// Option configures a registered engine.
type Option func(*entry)

// WithPhonemes marks an engine as consuming phonetic text.
func WithPhonemes() Option {
	return func(e *entry) { e.phonemes = true }
}

// Disabled registers an engine that is switched off.
func Disabled() Option {
	return func(e *entry) { e.enabled = false }
}

type entry struct {
	tag      string
	backend  Backend
	family   SpeedFamily
	phonemes bool
	enabled  bool
}

// Registry maps engine tags to backends. Built once at startup.
type Registry struct {
	log        *slog.Logger
	phonemizer Phonemizer

	mu      sync.RWMutex
	entries map[string]*entry

	meter      metric.Meter
	readyGauge metric.Int64ObservableGauge
}

func NewRegistry(phonemizer Phonemizer, log *slog.Logger) *Registry {
	r := &Registry{
		log:        log.With(slog.String("component", "engine-registry")),
		phonemizer: phonemizer,
		entries:    make(map[string]*entry),
		meter:      otel.Meter("github.com/loqalabs/loqa-voicerelay/synth"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Register binds a backend to a tag. The speed family comes from the tag.
func (r *Registry) Register(tag string, backend Backend, opts ...Option) error {
	family, ok := FamilyOf(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, tag)
	}
	e := &entry{tag: tag, backend: backend, family: family, enabled: true}
	for _, opt := range opts {
		opt(e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[tag]; exists {
		return fmt.Errorf("engine %s already registered", tag)
	}
	r.entries[tag] = e
	return nil
}

// Enabled reports whether requests for engine should be served.
func (r *Registry) Enabled(engine string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[engine]
	return ok && e.enabled
}

func (r *Registry) SetEnabled(engine string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[engine]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
	}
	e.enabled = enabled
	return nil
}

// CheckSpeed validates speed against the engine's family. Unknown engines fail.
func (r *Registry) CheckSpeed(engine string, speed float64) error {
	family, ok := FamilyOf(engine)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
	}
	return ValidateSpeed(family, speed)
}

// Synthesize resolves the engine, validates speed, phonemizes when needed and
// calls the backend. Errors are ConfigurationError or SynthesisError.
func (r *Registry) Synthesize(ctx context.Context, engine string, req Request) (*Artifact, error) {
	r.mu.RLock()
	e, ok := r.entries[engine]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Engine: engine, Cause: ErrUnknownEngine}
	}
	if !e.enabled {
		return nil, &ConfigurationError{Engine: engine, Cause: ErrEngineDisabled}
	}
	if err := ValidateSpeed(e.family, req.Speed); err != nil {
		return nil, &ConfigurationError{Engine: engine, Cause: err}
	}

	if e.phonemes {
		if r.phonemizer == nil {
			return nil, &ConfigurationError{Engine: engine, Cause: errors.New("no phonemizer configured")}
		}
		koe, err := r.phonemizer.Phonemize(ctx, StripSpace(req.Text))
		if err != nil {
			return nil, wrapSynthesis(engine, fmt.Errorf("phonemize: %w", err))
		}
		req.Text = koe
	}

	artifact, err := e.backend.Synthesize(ctx, req)
	if err != nil {
		return nil, wrapSynthesis(engine, err)
	}
	return artifact, nil
}

// Reinit clears a failed or ready backend state so the next request sets it up again.
func (r *Registry) Reinit(engine string) error {
	r.mu.RLock()
	e, ok := r.entries[engine]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
	}
	ri, ok := e.backend.(Reinitializer)
	if !ok {
		return fmt.Errorf("engine %s has no one-time setup", engine)
	}
	if err := ri.Reinit(); err != nil {
		return err
	}
	r.log.Info("engine reinitialization requested", slog.String("engine", engine))
	return nil
}

// Statuses lists every registered engine ordered by tag.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Status{
			Engine:   e.tag,
			Enabled:  e.enabled,
			Family:   e.family.String(),
			Phonemes: e.phonemes,
			State:    backendState(e.backend).String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}

func backendState(b Backend) State {
	if ri, ok := b.(Reinitializer); ok {
		return ri.State()
	}
	return StateReady
}

// StripSpace removes whitespace and newlines. Phonetic text rejects them.
func StripSpace(text string) string {
	return strings.Join(strings.Fields(text), "")
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("voicerelay.engine.ready", metric.WithDescription("1 when the engine is enabled and initialized"))
	if err != nil {
		return err
	}
	r.readyGauge = gauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for _, st := range r.Statuses() {
			var v int64
			if st.Enabled && st.State == StateReady.String() {
				v = 1
			}
			obs.ObserveInt64(gauge, v, metric.WithAttributes(attribute.String("engine", st.Engine), attribute.String("state", st.State)))
		}
		return nil
	}, gauge)
	return err
}
