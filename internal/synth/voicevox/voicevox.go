// Package voicevox runs voicevox_core compatible local model engines
// (VOICEVOX, SHAREVOX) in process.
package voicevox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
)

var errNoModels = errors.New("no voice models loaded")

// engineRuntime is the subset of voicevox_core used after initialization.
type engineRuntime interface {
	LoadModel(path string) error
	AudioQuery(text string, style uint32) ([]byte, error)
	Synthesis(query []byte, style uint32) ([]byte, error)
	Close() error
}

type opener func(cfg config.CoreConfig, threads int) (engineRuntime, error)

// Backend is a local-model engine. The first request loads the runtime and
// every *.vvm model; later requests reuse it.
type Backend struct {
	*synth.Lazy

	engine string
	cfg    config.CoreConfig
	log    *slog.Logger
	open   opener
	glob   func(pattern string) ([]string, error)

	mu     sync.RWMutex
	rt     engineRuntime
	models []string
}

func New(engine string, cfg config.CoreConfig, log *slog.Logger) *Backend {
	b := &Backend{
		engine: engine,
		cfg:    cfg,
		log:    log.With(slog.String("component", engine)),
		open:   openRuntime,
		glob:   filepath.Glob,
	}
	b.Lazy = synth.NewLazy(engine, b.init)
	return b
}

func openRuntime(cfg config.CoreConfig, threads int) (engineRuntime, error) {
	core, err := openCore(cfg.CoreLibrary)
	if err != nil {
		return nil, err
	}
	return core.newRuntime(cfg.OnnxruntimePath, cfg.DictionaryDir, threads)
}

func (b *Backend) init(ctx context.Context) error {
	threads := b.cfg.CPUThreads
	if threads <= 0 {
		threads = max(runtime.NumCPU(), 2)
	}
	rt, err := b.open(b.cfg, threads)
	if err != nil {
		return fmt.Errorf("open core: %w", err)
	}

	paths, err := b.glob(filepath.Join(b.cfg.ModelDir, "*.vvm"))
	if err != nil {
		rt.Close()
		return fmt.Errorf("list models: %w", err)
	}
	sort.Strings(paths)

	var loaded []string
	for _, path := range paths {
		if err := rt.LoadModel(path); err != nil {
			b.log.Warn("skipping voice model", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		loaded = append(loaded, filepath.Base(path))
	}
	if len(loaded) == 0 {
		rt.Close()
		return fmt.Errorf("%w from %s", errNoModels, b.cfg.ModelDir)
	}

	b.mu.Lock()
	old := b.rt
	b.rt = rt
	b.models = loaded
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
	b.log.Info("engine initialized", slog.Int("models", len(loaded)), slog.Int("cpu_threads", threads))
	return nil
}

// Models lists the model files that loaded successfully.
func (b *Backend) Models() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.models...)
}

func (b *Backend) Synthesize(ctx context.Context, req synth.Request) (*synth.Artifact, error) {
	if err := b.Ensure(ctx); err != nil {
		return nil, err
	}
	style, err := strconv.ParseUint(req.Voice, 10, 32)
	if err != nil {
		return nil, &synth.ConfigurationError{Engine: b.engine, Cause: fmt.Errorf("%w: style id %q", synth.ErrInvalidVoice, req.Voice)}
	}
	wav, err := synth.Blocking(ctx, func() ([]byte, error) {
		b.mu.RLock()
		defer b.mu.RUnlock()
		rt := b.rt
		if rt == nil {
			return nil, errors.New("engine closed")
		}
		query, err := rt.AudioQuery(req.Text, uint32(style))
		if err != nil {
			return nil, fmt.Errorf("audio query: %w", err)
		}
		query, err = synth.SetSpeedScale(query, req.Speed/100)
		if err != nil {
			return nil, err
		}
		return rt.Synthesis(query, uint32(style))
	})
	if err != nil {
		return nil, &synth.SynthesisError{Engine: b.engine, Cause: err}
	}
	return synth.NewArtifact(b.engine, wav)
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rt == nil {
		return nil
	}
	err := b.rt.Close()
	b.rt = nil
	return err
}
