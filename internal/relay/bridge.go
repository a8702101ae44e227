package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voicerelay/internal/playback"
	"github.com/loqalabs/loqa-voicerelay/internal/protocol"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
	"github.com/nats-io/nats.go"
)

// Bus is the messaging surface the bridge needs. *bus.Client implements it.
type Bus interface {
	PublishJSON(subject string, v any) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Bridge accepts speak requests from the bus and publishes playback outcomes.
type Bridge struct {
	bus     Bus
	service *Service
	log     *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBridge(b Bus, service *Service, log *slog.Logger) *Bridge {
	return &Bridge{
		bus:     b,
		service: service,
		log:     log.With(slog.String("component", "bridge")),
	}
}

// Start subscribes to speak requests. Call Stop to unsubscribe.
func (b *Bridge) Start(ctx context.Context) error {
	sub, err := b.bus.Subscribe(protocol.SubjectSpeak, func(msg *nats.Msg) {
		b.handleSpeak(ctx, msg)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	b.log.Info("listening for speak requests", slog.String("subject", protocol.SubjectSpeak))
	return nil
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.log.Warn("unsubscribe failed", slog.String("error", err.Error()))
		}
	}
}

func (b *Bridge) handleSpeak(ctx context.Context, msg *nats.Msg) {
	var req protocol.SpeakRequest
	reply := protocol.SpeakReply{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.log.Warn("invalid speak request", slog.String("error", err.Error()))
		reply.Error = fmt.Sprintf("decode request: %v", err)
		b.respond(msg, reply)
		return
	}
	queued, err := b.service.Speak(ctx, req)
	reply.RequestID = queued.ID
	if err != nil {
		b.log.Debug("speak request refused", slog.String("guild_id", req.GuildID), slog.String("error", err.Error()))
		reply.Error = err.Error()
	} else {
		reply.Accepted = true
	}
	b.respond(msg, reply)
}

func (b *Bridge) respond(msg *nats.Msg, reply protocol.SpeakReply) {
	if msg.Reply == "" {
		return
	}
	if err := b.bus.PublishJSON(msg.Reply, reply); err != nil {
		b.log.Warn("failed to reply to speak request", slog.String("error", err.Error()))
	}
}

// Observe publishes a playback outcome on its status subject.
func (b *Bridge) Observe(_ context.Context, evt playback.Event) {
	out := protocol.PlaybackEvent{
		RequestID:   evt.Request.ID,
		GuildID:     evt.Request.GuildID,
		AuthorID:    evt.Request.AuthorID,
		Engine:      evt.Request.Engine,
		Voice:       evt.Request.Voice,
		Status:      string(evt.Status),
		Chars:       utf8.RuneCountInString(evt.Request.Text),
		SynthesisMS: evt.Synthesis.Milliseconds(),
		AudioMS:     evt.Audio.Milliseconds(),
		LatencyMS:   evt.Latency.Milliseconds(),
		Timestamp:   evt.At,
	}
	if evt.Err != nil {
		out.Error = evt.Err.Error()
	}
	if err := b.bus.PublishJSON(protocol.PlaybackSubject(out.Status), out); err != nil {
		b.log.Warn("failed to publish playback event", slog.String("request_id", out.RequestID), slog.String("error", err.Error()))
	}
}

// Speak normalizes and queues a bus request. Empty voice, speed or engine
// fall back to the author's preference. A stored speed that does not fit an
// overriding engine's family becomes that family's normal speed.
func (s *Service) Speak(ctx context.Context, req protocol.SpeakRequest) (playback.Request, error) {
	if req.GuildID == "" {
		return playback.Request{}, errors.New("speak request missing guild_id")
	}
	pref, err := s.prefs.Preference(ctx, req.GuildID, req.AuthorID)
	if err != nil {
		s.log.Warn("using default voice", slog.String("guild_id", req.GuildID), slog.String("error", err.Error()))
	}
	if req.Engine != "" {
		pref.Engine = req.Engine
	}
	if req.Voice != "" {
		pref.Voice = req.Voice
	}
	if req.Speed != 0 {
		pref.Speed = req.Speed
	} else {
		pref.Speed = synth.FitSpeed(pref.Engine, pref.Speed)
	}
	if err := s.prefs.CheckSpeed(pref.Engine, pref.Speed); err != nil {
		return playback.Request{}, err
	}
	text, err := s.normalize(ctx, req.GuildID, req.Text, nil)
	if err != nil {
		return playback.Request{}, err
	}
	return s.enqueue(req.GuildID, playback.Request{
		ID:       req.RequestID,
		AuthorID: req.AuthorID,
		Text:     text,
		Voice:    pref.Voice,
		Speed:    pref.Speed,
		Engine:   pref.Engine,
	})
}
