package synth

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// Artifact is a synthesized WAV file on local disk owned by one playback request.
type Artifact struct {
	Path   string
	Engine string

	once sync.Once
	err  error
}

// NewArtifact writes wav bytes to a fresh temp file.
func NewArtifact(engine string, data []byte) (*Artifact, error) {
	return CreateArtifact(engine, func(w io.WriteSeeker) error {
		_, err := w.Write(data)
		return err
	})
}

// CreateArtifact hands a temp file to write and returns it as an artifact.
// The file is removed when write fails.
func CreateArtifact(engine string, write func(w io.WriteSeeker) error) (*Artifact, error) {
	file, err := os.CreateTemp("", "voicerelay_"+engine+"_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	if err := write(file); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return nil, fmt.Errorf("close artifact: %w", err)
	}
	return &Artifact{Path: file.Name(), Engine: engine}, nil
}

// Dispose removes the file. Safe to call more than once.
func (a *Artifact) Dispose() error {
	a.once.Do(func() {
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			a.err = err
		}
	})
	return a.err
}

// Duration reads the WAV header to report the clip length.
func (a *Artifact) Duration() (time.Duration, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("artifact %s is not a wav file", a.Path)
	}
	return dec.Duration()
}
