package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type recordingBackend struct {
	calls []Request
	err   error
}

func (b *recordingBackend) Synthesize(ctx context.Context, req Request) (*Artifact, error) {
	b.calls = append(b.calls, req)
	if b.err != nil {
		return nil, b.err
	}
	return NewArtifact("test", []byte("RIFF"))
}

type prefixPhonemizer struct{ err error }

func (p prefixPhonemizer) Phonemize(ctx context.Context, text string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "koe:" + text, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryPhonemizesOnlyPhonemeEngines(t *testing.T) {
	reg := NewRegistry(prefixPhonemizer{}, testLogger())
	aqtk := &recordingBackend{}
	remote := &recordingBackend{}
	if err := reg.Register(EngineAquesTalk1, aqtk, WithPhonemes()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(EngineAivisSpeech, remote); err != nil {
		t.Fatalf("register: %v", err)
	}

	a, err := reg.Synthesize(context.Background(), EngineAquesTalk1, Request{Text: "こんにちは 世界\n", Voice: "f1", Speed: 100})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	a.Dispose()
	b, err := reg.Synthesize(context.Background(), EngineAivisSpeech, Request{Text: "こんにちは 世界", Voice: "888753760", Speed: 1.0})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	b.Dispose()

	if got := aqtk.calls[0].Text; got != "koe:こんにちは世界" {
		t.Fatalf("expected phonemized text without whitespace, got %q", got)
	}
	if got := remote.calls[0].Text; got != "こんにちは 世界" {
		t.Fatalf("expected plain text untouched, got %q", got)
	}
}

func TestRegistryRejectsBeforeBackend(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	backend := &recordingBackend{}
	if err := reg.Register(EngineVoicevox, backend); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(EngineSharevox, backend, Disabled()); err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := map[string]struct {
		engine string
		speed  float64
		cause  error
	}{
		"speed":    {EngineVoicevox, 201, ErrSpeedOutOfRange},
		"disabled": {EngineSharevox, 100, ErrEngineDisabled},
		"unknown":  {"espeak", 100, ErrUnknownEngine},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Synthesize(context.Background(), tc.engine, Request{Text: "x", Speed: tc.speed})
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if !errors.Is(err, tc.cause) {
				t.Fatalf("expected %v, got %v", tc.cause, err)
			}
		})
	}
	if len(backend.calls) != 0 {
		t.Fatalf("backend should not be reached, got %d calls", len(backend.calls))
	}
}

func TestRegistryWrapsBackendFailures(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	boom := errors.New("engine exploded")
	if err := reg.Register(EngineMock, &recordingBackend{err: boom}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := reg.Synthesize(context.Background(), EngineMock, Request{Text: "x", Speed: 100})
	var synErr *SynthesisError
	if !errors.As(err, &synErr) || synErr.Engine != EngineMock {
		t.Fatalf("expected SynthesisError for mock, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause, got %v", err)
	}
}

func TestRegistryPhonemizerFailure(t *testing.T) {
	reg := NewRegistry(prefixPhonemizer{err: errors.New("dictionary missing")}, testLogger())
	if err := reg.Register(EngineAquesTalk2, &recordingBackend{}, WithPhonemes()); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := reg.Synthesize(context.Background(), EngineAquesTalk2, Request{Text: "x", Voice: "f1", Speed: 100})
	var synErr *SynthesisError
	if !errors.As(err, &synErr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
}

type lazyBackend struct {
	*Lazy
}

func (b lazyBackend) Synthesize(ctx context.Context, req Request) (*Artifact, error) {
	if err := b.Ensure(ctx); err != nil {
		return nil, err
	}
	return NewArtifact("lazy", []byte("RIFF"))
}

func TestRegistryReinitAndStatuses(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	attempts := 0
	backend := lazyBackend{NewLazy(EngineVoicevox, func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.New("onnxruntime not found")
		}
		return nil
	})}
	if err := reg.Register(EngineVoicevox, backend); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(EngineMock, NewMock(8000)); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := reg.Synthesize(context.Background(), EngineVoicevox, Request{Text: "x", Speed: 100})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected init failure surfaced as ConfigurationError, got %v", err)
	}
	var initErr *InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected wrapped InitializationError, got %v", err)
	}

	statuses := reg.Statuses()
	if len(statuses) != 2 || statuses[0].Engine != EngineMock || statuses[1].State != "failed" {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}

	if err := reg.Reinit(EngineVoicevox); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	a, err := reg.Synthesize(context.Background(), EngineVoicevox, Request{Text: "x", Speed: 100})
	if err != nil {
		t.Fatalf("expected success after reinit: %v", err)
	}
	a.Dispose()
	if err := reg.Reinit(EngineMock); err == nil {
		t.Fatal("expected reinit of stateless engine to fail")
	}
}

func TestRegistryDuplicateAndUnknownTags(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	if err := reg.Register(EngineMock, NewMock(8000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(EngineMock, NewMock(8000)); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := reg.Register("espeak", NewMock(8000)); !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}
	if err := reg.SetEnabled(EngineMock, false); err != nil {
		t.Fatalf("set enabled: %v", err)
	}
	if reg.Enabled(EngineMock) {
		t.Fatal("expected mock disabled")
	}
}
