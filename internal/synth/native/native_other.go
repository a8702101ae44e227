//go:build !(darwin || freebsd || linux)

package native

import (
	"fmt"

	"github.com/loqalabs/loqa-voicerelay/internal/synth"
)

func Open(path string) (*Library, error) {
	return nil, fmt.Errorf("open %s: %w", path, synth.ErrUnsupportedPlatform)
}

func (l *Library) Bind(fptr any, name string) error {
	return synth.ErrUnsupportedPlatform
}

func (l *Library) Close() error { return nil }
