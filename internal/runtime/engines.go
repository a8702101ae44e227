package runtime

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
	"github.com/loqalabs/loqa-voicerelay/internal/synth/aquestalk"
	"github.com/loqalabs/loqa-voicerelay/internal/synth/remote"
	"github.com/loqalabs/loqa-voicerelay/internal/synth/voicevox"
)

// engineSet is the synthesis registry plus everything that must be closed
// with it.
type engineSet struct {
	registry *synth.Registry
	closers  []io.Closer
}

func (e *engineSet) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildEngines registers every engine the config knows about. Native and
// remote engines are registered even when disabled so their status is
// visible; exec and mock only exist when enabled.
func buildEngines(cfg config.EnginesConfig, log *slog.Logger) (*engineSet, error) {
	set := &engineSet{}

	var phonemizer synth.Phonemizer
	if cfg.AquesTalk1.Enabled || cfg.AquesTalk2.Enabled {
		k2k := aquestalk.NewKanji2Koe(cfg.Kanji2Koe, log)
		set.closers = append(set.closers, k2k)
		phonemizer = k2k
	}
	reg := synth.NewRegistry(phonemizer, log)
	set.registry = reg

	register := func(tag string, backend synth.Backend, enabled bool, opts ...synth.Option) error {
		if !enabled {
			opts = append(opts, synth.Disabled())
		}
		if err := reg.Register(tag, backend, opts...); err != nil {
			return fmt.Errorf("register %s: %w", tag, err)
		}
		if c, ok := backend.(io.Closer); ok {
			set.closers = append(set.closers, c)
		}
		return nil
	}

	if err := register(synth.EngineAquesTalk1, aquestalk.NewAquesTalk1(cfg.AquesTalk1, log), cfg.AquesTalk1.Enabled, synth.WithPhonemes()); err != nil {
		return nil, err
	}
	if err := register(synth.EngineAquesTalk2, aquestalk.NewAquesTalk2(cfg.AquesTalk2, log), cfg.AquesTalk2.Enabled, synth.WithPhonemes()); err != nil {
		return nil, err
	}
	if err := register(synth.EngineVoicevox, voicevox.New(synth.EngineVoicevox, cfg.Voicevox, log), cfg.Voicevox.Enabled); err != nil {
		return nil, err
	}
	if err := register(synth.EngineSharevox, voicevox.New(synth.EngineSharevox, cfg.Sharevox, log), cfg.Sharevox.Enabled); err != nil {
		return nil, err
	}
	if err := register(synth.EngineAivisSpeech, remote.New(synth.EngineAivisSpeech, cfg.AivisSpeech), cfg.AivisSpeech.Enabled); err != nil {
		return nil, err
	}
	if err := register(synth.EngineVoicevoxEngine, remote.New(synth.EngineVoicevoxEngine, cfg.VoicevoxEngine), cfg.VoicevoxEngine.Enabled); err != nil {
		return nil, err
	}
	if cfg.Exec.Enabled {
		backend, err := synth.NewExec(cfg.Exec.Command)
		if err != nil {
			return nil, err
		}
		if err := register(synth.EngineExec, backend, true); err != nil {
			return nil, err
		}
	}
	if cfg.Mock.Enabled {
		if err := register(synth.EngineMock, synth.NewMock(cfg.Mock.SampleRate), true); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// enabledTags lists the engines a user may pick.
func enabledTags(reg *synth.Registry) []string {
	var tags []string
	for _, st := range reg.Statuses() {
		if st.Enabled {
			tags = append(tags, st.Engine)
		}
	}
	return tags
}
