package aquestalk

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
)

var errConverterClosed = errors.New("kanji2koe converter closed")

type converter interface {
	Convert(text string) (string, error)
	Close() error
}

// Kanji2Koe turns kana-kanji text into AquesTalk phonetic notation.
type Kanji2Koe struct {
	*synth.Lazy

	cfg  config.Kanji2KoeConfig
	log  *slog.Logger
	open func(cfg config.Kanji2KoeConfig) (converter, error)

	mu   sync.Mutex
	conv converter
}

func NewKanji2Koe(cfg config.Kanji2KoeConfig, log *slog.Logger) *Kanji2Koe {
	k := &Kanji2Koe{
		cfg:  cfg,
		log:  log.With(slog.String("component", "kanji2koe")),
		open: openConverter,
	}
	k.Lazy = synth.NewLazy("kanji2koe", k.init)
	return k
}

func openConverter(cfg config.Kanji2KoeConfig) (converter, error) {
	lib, err := openKanji2Koe(cfg.LibraryPath)
	if err != nil {
		return nil, err
	}
	if cfg.DevKey != "" {
		if err := lib.SetDevKey(cfg.DevKey); err != nil {
			lib.lib.Close()
			return nil, err
		}
	}
	inst, err := lib.New(cfg.DictionaryDir)
	if err != nil {
		lib.lib.Close()
		return nil, err
	}
	return inst, nil
}

func (k *Kanji2Koe) init(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.conv != nil {
		return nil
	}
	conv, err := k.open(k.cfg)
	if err != nil {
		return err
	}
	k.conv = conv
	k.log.Info("converter ready", slog.String("dictionary", k.cfg.DictionaryDir))
	return nil
}

func (k *Kanji2Koe) Phonemize(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", nil
	}
	if err := k.Ensure(ctx); err != nil {
		return "", err
	}
	data, err := synth.Blocking(ctx, func() ([]byte, error) {
		k.mu.Lock()
		defer k.mu.Unlock()
		if k.conv == nil {
			return nil, errConverterClosed
		}
		koe, err := k.conv.Convert(text)
		return []byte(koe), err
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (k *Kanji2Koe) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.conv == nil {
		return nil
	}
	err := k.conv.Close()
	k.conv = nil
	return err
}
