package aquestalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
	"golang.org/x/sync/singleflight"
)

var errLibraryClosed = errors.New("aquestalk2 library closed")

type library2 interface {
	Synthe(koe string, speed int, phont []byte) ([]byte, error)
	Close() error
}

// AquesTalk2 shares one vendor library across voices; each voice is a .phont file.
type AquesTalk2 struct {
	*synth.Lazy

	cfg      config.AquesTalk2Config
	log      *slog.Logger
	open     func(path string) (library2, error)
	readFile func(path string) ([]byte, error)

	mu     sync.RWMutex
	lib    library2
	phonts map[string][]byte
	loads  singleflight.Group
}

func NewAquesTalk2(cfg config.AquesTalk2Config, log *slog.Logger) *AquesTalk2 {
	a := &AquesTalk2{
		cfg:      cfg,
		log:      log.With(slog.String("component", "aquestalk2")),
		readFile: os.ReadFile,
		phonts:   make(map[string][]byte),
	}
	a.open = a.openLibrary
	a.Lazy = synth.NewLazy(synth.EngineAquesTalk2, a.init)
	return a
}

func (a *AquesTalk2) openLibrary(path string) (library2, error) {
	lib, err := openTalk2(path)
	if err != nil {
		return nil, err
	}
	if a.cfg.UsrKey != "" {
		if err := lib.SetUsrKey(a.cfg.UsrKey); err != nil {
			a.log.Warn("usr key rejected", slog.String("error", err.Error()))
		}
	}
	return lib, nil
}

func (a *AquesTalk2) init(ctx context.Context) error {
	a.mu.RLock()
	loaded := a.lib != nil
	a.mu.RUnlock()
	if loaded {
		return nil
	}
	lib, err := a.open(a.cfg.LibraryPath)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.lib = lib
	a.mu.Unlock()
	a.log.Info("library loaded", slog.String("path", a.cfg.LibraryPath))
	return nil
}

func (a *AquesTalk2) Synthesize(ctx context.Context, req synth.Request) (*synth.Artifact, error) {
	if err := a.Ensure(ctx); err != nil {
		return nil, err
	}
	phont, err := a.phont(req.Voice)
	if err != nil {
		return nil, &synth.ConfigurationError{Engine: synth.EngineAquesTalk2, Cause: err}
	}
	a.mu.RLock()
	lib := a.lib
	a.mu.RUnlock()
	if lib == nil {
		return nil, &synth.SynthesisError{Engine: synth.EngineAquesTalk2, Cause: errLibraryClosed}
	}

	wav, err := synth.Blocking(ctx, func() ([]byte, error) {
		return lib.Synthe(req.Text, int(req.Speed), phont)
	})
	if err != nil {
		return nil, &synth.SynthesisError{Engine: synth.EngineAquesTalk2, Cause: err}
	}
	return synth.NewArtifact(synth.EngineAquesTalk2, wav)
}

func (a *AquesTalk2) phont(name string) ([]byte, error) {
	if !voicePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", synth.ErrInvalidVoice, name)
	}
	a.mu.RLock()
	data, ok := a.phonts[name]
	a.mu.RUnlock()
	if ok {
		return data, nil
	}

	loaded, err, _ := a.loads.Do(name, func() (any, error) {
		path := filepath.Join(a.cfg.PhontDir, name+".phont")
		data, err := a.readFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read phont %s: %v", synth.ErrInvalidVoice, name, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: phont %s is empty", synth.ErrInvalidVoice, name)
		}
		a.mu.Lock()
		a.phonts[name] = data
		a.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return loaded.([]byte), nil
}

func (a *AquesTalk2) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lib == nil {
		return nil
	}
	err := a.lib.Close()
	a.lib = nil
	return err
}
