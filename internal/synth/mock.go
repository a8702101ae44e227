package synth

import (
	"context"
	"io"
	"time"
	"unicode/utf8"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const mockPerRune = 80 * time.Millisecond

type mockBackend struct {
	sampleRate int
	delay      time.Duration
}

// NewMock returns a backend that writes silence proportional to text length.
func NewMock(sampleRate int) Backend {
	return &mockBackend{sampleRate: sampleRate, delay: 50 * time.Millisecond}
}

func (m *mockBackend) Synthesize(ctx context.Context, req Request) (*Artifact, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}

	speed := req.Speed
	if speed <= 0 {
		speed = SpeedPercent.Normal()
	}
	length := time.Duration(utf8.RuneCountInString(req.Text)) * mockPerRune
	length = time.Duration(float64(length) * 100 / speed)
	frames := int(length.Seconds() * float64(m.sampleRate))
	if frames < 1 {
		frames = 1
	}

	return CreateArtifact(EngineMock, func(w io.WriteSeeker) error {
		buffer := &audio.IntBuffer{
			Format: &audio.Format{NumChannels: 1, SampleRate: m.sampleRate},
			Data:   make([]int, frames),
		}
		enc := wav.NewEncoder(w, m.sampleRate, 16, 1, 1)
		if err := enc.Write(buffer); err != nil {
			return err
		}
		return enc.Close()
	})
}
