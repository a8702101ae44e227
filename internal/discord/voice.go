package discord

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/playback"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
	"layeh.com/gopus"
)

const maxOpusPacket = 4000

// frameTimeout bounds how long a single Opus frame may wait for the voice
// websocket before playback is abandoned.
const frameTimeout = 5 * time.Second

var errFrameTimeout = errors.New("voice connection stopped accepting audio")

// voiceConn is the part of *discordgo.VoiceConnection the sink drives.
type voiceConn interface {
	Speaking(bool) error
	Frames() chan<- []byte
	Disconnect() error
}

type discordConn struct {
	vc *discordgo.VoiceConnection
}

func (c discordConn) Speaking(b bool) error  { return c.vc.Speaking(b) }
func (c discordConn) Frames() chan<- []byte { return c.vc.OpusSend }
func (c discordConn) Disconnect() error     { return c.vc.Disconnect() }

// Sink plays artifacts into one guild's voice connection.
type Sink struct {
	conn    voiceConn
	source  pcmSource
	encoder *gopus.Encoder
	log     *slog.Logger

	playing atomic.Bool
	mu      sync.Mutex
	stop    context.CancelFunc
}

var _ playback.Sink = (*Sink)(nil)

func newSink(conn voiceConn, source pcmSource, bitrate int, log *slog.Logger) (*Sink, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &Sink{conn: conn, source: source, encoder: enc, log: log}, nil
}

func (s *Sink) Playing() bool { return s.playing.Load() }

// Play streams the artifact in the background. The returned channel receives
// the result when the last frame has been handed to the connection.
func (s *Sink) Play(ctx context.Context, artifact *synth.Artifact) (<-chan error, error) {
	if !s.playing.CompareAndSwap(false, true) {
		return nil, errors.New("sink already playing")
	}
	ctx, cancel := context.WithCancel(ctx)
	stream, err := s.source.Open(ctx, artifact.Path)
	if err != nil {
		cancel()
		s.playing.Store(false)
		return nil, fmt.Errorf("decode %s: %w", artifact.Path, err)
	}
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		err := s.stream(ctx, stream)
		if cerr := stream.Close(); err == nil && ctx.Err() == nil {
			err = cerr
		}
		cancel()
		s.playing.Store(false)
		done <- err
	}()
	return done, nil
}

func (s *Sink) stream(ctx context.Context, r io.Reader) error {
	if err := s.conn.Speaking(true); err != nil {
		s.log.Debug("failed to set speaking", slog.String("error", err.Error()))
	}
	defer func() {
		if err := s.conn.Speaking(false); err != nil {
			s.log.Debug("failed to clear speaking", slog.String("error", err.Error()))
		}
	}()

	raw := make([]byte, frameSize*channels*2)
	pcm := make([]int16, frameSize*channels)
	frames := s.conn.Frames()
	timer := time.NewTimer(frameTimeout)
	defer timer.Stop()
	for {
		n, err := io.ReadFull(r, raw)
		if errors.Is(err, io.EOF) {
			return nil
		}
		last := errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !last {
			return fmt.Errorf("read pcm: %w", err)
		}
		clear(raw[n:])
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		packet, err := s.encoder.Encode(pcm, frameSize, maxOpusPacket)
		if err != nil {
			return fmt.Errorf("encode opus: %w", err)
		}

		timer.Reset(frameTimeout)
		select {
		case frames <- packet:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errFrameTimeout
		}
		if last {
			return nil
		}
	}
}

// Disconnect stops any playback and leaves the voice channel.
func (s *Sink) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Unlock()
	return s.conn.Disconnect()
}

// Voice dials voice connections through the gateway session.
type Voice struct {
	session *discordgo.Session
	cfg     config.DiscordConfig
	source  pcmSource
	log     *slog.Logger
}

func NewVoice(session *discordgo.Session, cfg config.DiscordConfig, log *slog.Logger) (*Voice, error) {
	source, err := newPCMSource(cfg.FFmpegPath)
	if err != nil {
		return nil, err
	}
	return &Voice{
		session: session,
		cfg:     cfg,
		source:  source,
		log:     log.With(slog.String("component", "discord.voice")),
	}, nil
}

// Connect joins the voice channel, retrying with exponential backoff.
func (v *Voice) Connect(ctx context.Context, guildID, channelID string) (playback.Sink, error) {
	attempts := v.cfg.JoinAttempts
	if attempts <= 0 {
		attempts = 1
	}
	vc, err := backoff.Retry(ctx, func() (*discordgo.VoiceConnection, error) {
		vc, err := v.session.ChannelVoiceJoin(guildID, channelID, false, v.cfg.SelfDeaf)
		if err != nil {
			v.log.Warn("voice join failed", slog.String("guild_id", guildID), slog.String("channel_id", channelID), slog.String("error", err.Error()))
			if vc != nil {
				_ = vc.Disconnect()
			}
			return nil, err
		}
		return vc, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(attempts)),
	)
	if err != nil {
		return nil, fmt.Errorf("join voice channel %s: %w", channelID, err)
	}
	v.log.Info("joined voice channel", slog.String("guild_id", guildID), slog.String("channel_id", channelID))

	sink, err := newSink(discordConn{vc: vc}, v.source, v.cfg.FrameBitrate, v.log.With(slog.String("guild_id", guildID)))
	if err != nil {
		_ = vc.Disconnect()
		return nil, err
	}
	return sink, nil
}
