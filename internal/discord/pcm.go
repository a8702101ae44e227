package discord

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

const (
	sampleRate = 48000
	channels   = 2
	frameSize  = 960 // 20ms at 48kHz
)

// pcmSource decodes an audio file into interleaved s16le 48kHz stereo PCM.
type pcmSource interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

func newPCMSource(ffmpeg string) (pcmSource, error) {
	if ffmpeg == "" {
		return wavSource{}, nil
	}
	argv, err := shellwords.Parse(ffmpeg)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(argv) == 0 {
		return wavSource{}, nil
	}
	return ffmpegSource{argv: argv}, nil
}

type ffmpegSource struct {
	argv []string
}

func (f ffmpegSource) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	args := append([]string{}, f.argv[1:]...)
	args = append(args,
		"-loglevel", "error",
		"-i", path,
		"-f", "s16le",
		"-ar", fmt.Sprint(sampleRate),
		"-ac", fmt.Sprint(channels),
		"pipe:1")
	cmd := exec.CommandContext(ctx, f.argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &ffmpegStream{ReadCloser: stdout, cmd: cmd, stderr: &stderr}, nil
}

type ffmpegStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (s *ffmpegStream) Close() error {
	_ = s.ReadCloser.Close()
	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && s.stderr.Len() > 0 {
			return fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(s.stderr.Bytes()))
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// wavSource decodes PCM WAV in process and resamples it linearly. Used when
// no ffmpeg is configured.
type wavSource struct{}

func (wavSource) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("wav %s has no format", path)
	}

	mono := downmix(buf.Data, buf.Format.NumChannels, int(dec.BitDepth))
	out := resample(mono, buf.Format.SampleRate, sampleRate)

	pcm := make([]byte, len(out)*channels*2)
	for i, s := range out {
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*channels+c)*2:], uint16(s))
		}
	}
	return io.NopCloser(bytes.NewReader(pcm)), nil
}

// downmix averages interleaved channels and scales samples to 16 bits.
func downmix(data []int, numChannels, bitDepth int) []int16 {
	shift := bitDepth - 16
	frames := len(data) / numChannels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < numChannels; c++ {
			sum += data[i*numChannels+c]
		}
		v := sum / numChannels
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			// 8-bit wav is unsigned
			v = (v - 128) << -shift
		}
		out[i] = int16(v)
	}
	return out
}

func resample(in []int16, from, to int) []int16 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}
