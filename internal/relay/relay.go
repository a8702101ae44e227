// Package relay is the command-layer facade: it turns chat messages and
// commands into playback requests and session changes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voicerelay/internal/normalize"
	"github.com/loqalabs/loqa-voicerelay/internal/playback"
	"github.com/loqalabs/loqa-voicerelay/internal/prefs"
	"github.com/loqalabs/loqa-voicerelay/internal/store"
)

var (
	ErrNotConnected     = errors.New("not connected to a voice channel")
	ErrAlreadyConnected = errors.New("already connected to a voice channel")
	ErrEmptyText        = errors.New("nothing to speak")
)

// Settings is the persisted guild configuration the relay reads and edits.
type Settings interface {
	ReadChannels(ctx context.Context) (map[string]string, error)
	SetReadChannel(ctx context.Context, guildID, channelID string) error
	DeleteReadChannel(ctx context.Context, guildID string) error
	Autojoin(ctx context.Context, guildID string) (store.Autojoin, bool, error)
	SetAutojoin(ctx context.Context, a store.Autojoin) error
	DeleteAutojoin(ctx context.Context, guildID string) (bool, error)
}

// Voice opens voice connections on the chat platform.
type Voice interface {
	Connect(ctx context.Context, guildID, channelID string) (playback.Sink, error)
}

// Message is an inbound chat message.
type Message struct {
	GuildID   string
	ChannelID string
	AuthorID  string
	Content   string
	Bot       bool
}

type Service struct {
	settings   Settings
	prefs      *prefs.Cache
	normalizer *normalize.Normalizer
	sessions   *playback.Registry
	voice      Voice
	log        *slog.Logger

	mu           sync.RWMutex
	readChannels map[string]string
}

func New(settings Settings, cache *prefs.Cache, normalizer *normalize.Normalizer, sessions *playback.Registry, voice Voice, log *slog.Logger) *Service {
	return &Service{
		settings:     settings,
		prefs:        cache,
		normalizer:   normalizer,
		sessions:     sessions,
		voice:        voice,
		log:          log.With(slog.String("component", "relay")),
		readChannels: make(map[string]string),
	}
}

// Load reads the registered read channels into memory.
func (s *Service) Load(ctx context.Context) error {
	channels, err := s.settings.ReadChannels(ctx)
	if err != nil {
		return fmt.Errorf("load read channels: %w", err)
	}
	s.mu.Lock()
	s.readChannels = channels
	s.mu.Unlock()
	s.log.Info("read channels loaded", slog.Int("count", len(channels)))
	return nil
}

// HandleMessage speaks a message if it was posted in its guild's read channel
// while the guild has a voice session. Other messages are ignored.
func (s *Service) HandleMessage(ctx context.Context, msg Message, dir normalize.Directory) error {
	if msg.Bot || msg.GuildID == "" {
		return nil
	}
	s.mu.RLock()
	channel, ok := s.readChannels[msg.GuildID]
	s.mu.RUnlock()
	if !ok || channel != msg.ChannelID {
		return nil
	}
	if _, ok := s.sessions.Get(msg.GuildID); !ok {
		return nil
	}

	text, err := s.normalize(ctx, msg.GuildID, msg.Content, dir)
	if err != nil {
		return err
	}
	if _, err := s.EnqueueMessage(ctx, msg.GuildID, text, msg.AuthorID); err != nil && !errors.Is(err, ErrEmptyText) {
		return err
	}
	return nil
}

func (s *Service) normalize(ctx context.Context, guildID, text string, dir normalize.Directory) (string, error) {
	dict, err := s.prefs.Dictionary(ctx, guildID)
	if err != nil {
		return "", err
	}
	return s.normalizer.Normalize(text, normalize.Group{Dictionary: dict, Directory: dir}), nil
}

// EnqueueMessage queues already normalized text in the author's voice.
func (s *Service) EnqueueMessage(ctx context.Context, guildID, text, authorID string) (playback.Request, error) {
	pref, err := s.prefs.Preference(ctx, guildID, authorID)
	if err != nil {
		// The default voice still speaks when the store is unavailable.
		s.log.Warn("using default voice", slog.String("guild_id", guildID), slog.String("error", err.Error()))
	}
	return s.enqueue(guildID, playback.Request{AuthorID: authorID, Text: text, Voice: pref.Voice, Speed: pref.Speed, Engine: pref.Engine})
}

func (s *Service) enqueue(guildID string, req playback.Request) (playback.Request, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return req, ErrEmptyText
	}
	session, ok := s.sessions.Get(guildID)
	if !ok {
		return req, ErrNotConnected
	}
	return session.Enqueue(req)
}

func (s *Service) UpdateVoicePreference(ctx context.Context, guildID, userID, voice string, speed float64, engine string) error {
	return s.prefs.Update(ctx, guildID, userID, prefs.Preference{Engine: engine, Voice: voice, Speed: speed})
}

func (s *Service) VoicePreference(ctx context.Context, guildID, userID string) (prefs.Preference, error) {
	return s.prefs.Preference(ctx, guildID, userID)
}

// TeardownSession stops the guild's playback and disconnects from voice. The
// read channel registration is kept.
func (s *Service) TeardownSession(ctx context.Context, guildID string) error {
	return s.sessions.Destroy(ctx, guildID)
}

// Join connects to a voice channel and reads textChannelID aloud there.
func (s *Service) Join(ctx context.Context, guildID, voiceChannelID, textChannelID string) error {
	if _, ok := s.sessions.Get(guildID); ok {
		return fmt.Errorf("guild %s: %w", guildID, ErrAlreadyConnected)
	}
	_, err := s.sessions.GetOrCreate(ctx, guildID, func(ctx context.Context) (playback.Sink, error) {
		return s.voice.Connect(ctx, guildID, voiceChannelID)
	})
	if err != nil {
		return err
	}
	if textChannelID == "" {
		return nil
	}
	return s.SetReadChannel(ctx, guildID, textChannelID)
}

// Leave tears the session down and stops reading the guild's channel.
func (s *Service) Leave(ctx context.Context, guildID string) error {
	if _, ok := s.sessions.Get(guildID); !ok {
		return ErrNotConnected
	}
	teardownErr := s.TeardownSession(ctx, guildID)
	return errors.Join(teardownErr, s.RemoveReadChannel(ctx, guildID))
}

func (s *Service) Connected(guildID string) bool {
	_, ok := s.sessions.Get(guildID)
	return ok
}

func (s *Service) SetReadChannel(ctx context.Context, guildID, channelID string) error {
	if err := s.settings.SetReadChannel(ctx, guildID, channelID); err != nil {
		return fmt.Errorf("save read channel: %w", err)
	}
	s.mu.Lock()
	s.readChannels[guildID] = channelID
	s.mu.Unlock()
	return nil
}

func (s *Service) RemoveReadChannel(ctx context.Context, guildID string) error {
	if err := s.settings.DeleteReadChannel(ctx, guildID); err != nil {
		return fmt.Errorf("delete read channel: %w", err)
	}
	s.mu.Lock()
	delete(s.readChannels, guildID)
	s.mu.Unlock()
	return nil
}

// ReadChannels returns a copy of the guild to text channel mapping.
func (s *Service) ReadChannels() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.readChannels))
	for g, c := range s.readChannels {
		out[g] = c
	}
	return out
}

func (s *Service) AddReplacement(ctx context.Context, guildID, original, replacement string) error {
	return s.prefs.AddReplacement(ctx, guildID, normalize.Replacement{Original: original, Replacement: replacement})
}

func (s *Service) RemoveReplacement(ctx context.Context, guildID, original string) (bool, error) {
	return s.prefs.RemoveReplacement(ctx, guildID, original)
}

func (s *Service) Dictionary(ctx context.Context, guildID string) ([]normalize.Replacement, error) {
	return s.prefs.Dictionary(ctx, guildID)
}

func (s *Service) SetAutojoin(ctx context.Context, a store.Autojoin) error {
	if err := s.settings.SetAutojoin(ctx, a); err != nil {
		return fmt.Errorf("save autojoin: %w", err)
	}
	return nil
}

func (s *Service) RemoveAutojoin(ctx context.Context, guildID string) (bool, error) {
	removed, err := s.settings.DeleteAutojoin(ctx, guildID)
	if err != nil {
		return false, fmt.Errorf("delete autojoin: %w", err)
	}
	return removed, nil
}

// MemberJoinedVoice joins the guild's auto-join channel when a human enters it
// and no session exists yet.
func (s *Service) MemberJoinedVoice(ctx context.Context, guildID, channelID string) error {
	if s.Connected(guildID) {
		return nil
	}
	a, ok, err := s.settings.Autojoin(ctx, guildID)
	if err != nil {
		return fmt.Errorf("load autojoin: %w", err)
	}
	if !ok || a.VoiceChannelID != channelID {
		return nil
	}
	s.log.Info("auto-joining voice channel", slog.String("guild_id", guildID), slog.String("channel_id", channelID))
	err = s.Join(ctx, guildID, channelID, a.TextChannelID)
	if errors.Is(err, ErrAlreadyConnected) {
		return nil
	}
	return err
}

// ChannelEmptied tears the session down once no humans remain with the bot.
func (s *Service) ChannelEmptied(ctx context.Context, guildID string) error {
	if !s.Connected(guildID) {
		return nil
	}
	s.log.Info("no listeners left, leaving voice", slog.String("guild_id", guildID))
	return s.TeardownSession(ctx, guildID)
}

// ForgetGuild drops a guild's session and cached settings after the bot is
// removed from it.
func (s *Service) ForgetGuild(ctx context.Context, guildID string) error {
	err := s.TeardownSession(ctx, guildID)
	s.prefs.Forget(guildID)
	return err
}
