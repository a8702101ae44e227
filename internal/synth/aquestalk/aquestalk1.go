package aquestalk

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
	"golang.org/x/sync/singleflight"
)

var voicePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type voice1 interface {
	Synthe(koe string, speed int) ([]byte, error)
}

// AquesTalk1 loads one vendor library per voice family on first use.
type AquesTalk1 struct {
	dir    string
	usrKey string
	log    *slog.Logger
	open   func(path string) (voice1, error)

	mu     sync.RWMutex
	voices map[string]voice1
	loads  singleflight.Group
}

func NewAquesTalk1(cfg config.AquesTalk1Config, log *slog.Logger) *AquesTalk1 {
	a := &AquesTalk1{
		dir:    cfg.LibraryDir,
		usrKey: cfg.UsrKey,
		log:    log.With(slog.String("component", "aquestalk1")),
		voices: make(map[string]voice1),
	}
	a.open = a.openVoice
	return a
}

func (a *AquesTalk1) openVoice(path string) (voice1, error) {
	lib, err := openTalk1(path)
	if err != nil {
		return nil, err
	}
	if a.usrKey != "" {
		if err := lib.SetUsrKey(a.usrKey); err != nil {
			a.log.Warn("usr key rejected", slog.String("library", path), slog.String("error", err.Error()))
		}
	}
	return lib, nil
}

func (a *AquesTalk1) Synthesize(ctx context.Context, req synth.Request) (*synth.Artifact, error) {
	voice, err := a.voice(req.Voice)
	if err != nil {
		return nil, &synth.ConfigurationError{Engine: synth.EngineAquesTalk1, Cause: err}
	}
	wav, err := synth.Blocking(ctx, func() ([]byte, error) {
		return voice.Synthe(req.Text, int(req.Speed))
	})
	if err != nil {
		return nil, &synth.SynthesisError{Engine: synth.EngineAquesTalk1, Cause: err}
	}
	return synth.NewArtifact(synth.EngineAquesTalk1, wav)
}

// Loaded reports how many voice libraries are resident.
func (a *AquesTalk1) Loaded() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.voices)
}

func (a *AquesTalk1) voice(name string) (voice1, error) {
	if !voicePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", synth.ErrInvalidVoice, name)
	}
	a.mu.RLock()
	v, ok := a.voices[name]
	a.mu.RUnlock()
	if ok {
		return v, nil
	}

	loaded, err, _ := a.loads.Do(name, func() (any, error) {
		a.mu.RLock()
		v, ok := a.voices[name]
		a.mu.RUnlock()
		if ok {
			return v, nil
		}
		path := filepath.Join(a.dir, name, "libAquesTalk.so")
		v, err := a.open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", synth.ErrInvalidVoice, name, err)
		}
		a.mu.Lock()
		a.voices[name] = v
		a.mu.Unlock()
		a.log.Info("voice library loaded", slog.String("voice", name), slog.String("path", path))
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return loaded.(voice1), nil
}
