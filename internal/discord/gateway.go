// Package discord adapts the Discord gateway and voice connections to the relay.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/relay"
)

const eventTimeout = 30 * time.Second

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsMessageContent

// NewSession creates an unopened gateway session.
func NewSession(cfg config.DiscordConfig) (*discordgo.Session, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord token not configured")
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = intents
	s.StateEnabled = true
	return s, nil
}

// Bot routes gateway events into the relay.
type Bot struct {
	session *discordgo.Session
	relay   *relay.Service
	engines []string
	cmds    map[string]command
	cfg     config.DiscordConfig
	log     *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	removers []func()
	wg       sync.WaitGroup
}

// NewBot wires handlers; engines lists the tags offered by the voice command.
func NewBot(session *discordgo.Session, svc *relay.Service, engines []string, cfg config.DiscordConfig, log *slog.Logger) *Bot {
	b := &Bot{
		session: session,
		relay:   svc,
		engines: engines,
		cfg:     cfg,
		log:     log.With(slog.String("component", "discord")),
	}
	b.cmds = b.commands()
	return b
}

// Open connects to the gateway. Handlers run until Close.
func (b *Bot) Open(ctx context.Context) error {
	b.mu.Lock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()
	b.removers = append(b.removers,
		b.session.AddHandler(b.onReady),
		b.session.AddHandler(b.onMessageCreate),
		b.session.AddHandler(b.onVoiceStateUpdate),
		b.session.AddHandler(b.onGuildDelete),
		b.session.AddHandler(b.onInteraction),
	)
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

// Close stops accepting events, cancels running handlers and waits for them.
func (b *Bot) Close() error {
	b.mu.Lock()
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	for _, remove := range b.removers {
		remove()
	}
	b.removers = nil
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return b.session.Close()
}

func (b *Bot) Healthy() bool {
	return b.session.DataReady
}

// event runs fn with a per-event deadline and logs its error.
// Events arriving after Close are ignored.
func (b *Bot) event(name string, fn func(ctx context.Context) error) {
	b.mu.Lock()
	if b.closed || b.ctx == nil {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	parent := b.ctx
	b.mu.Unlock()
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(parent, eventTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		b.log.Warn("event handler failed", slog.String("event", name), slog.String("error", err.Error()))
	}
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info("logged in", slog.String("user", r.User.Username), slog.Int("guilds", len(r.Guilds)))
	b.event("ready", func(ctx context.Context) error {
		return b.registerCommands(s, r)
	})
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return
	}
	b.event("message_create", func(ctx context.Context) error {
		msg := relay.Message{
			GuildID:   m.GuildID,
			ChannelID: m.ChannelID,
			AuthorID:  m.Author.ID,
			Content:   m.Content,
			Bot:       m.Author.Bot,
		}
		return b.relay.HandleMessage(ctx, msg, directory{state: s.State, guildID: m.GuildID, mentions: m.Mentions})
	})
}

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	selfID := ""
	if s.State.User != nil {
		selfID = s.State.User.ID
	}
	if vs.VoiceState == nil {
		return
	}
	if vs.UserID == selfID {
		// Kicked or moved out by a moderator.
		if vs.ChannelID == "" && b.relay.Connected(vs.GuildID) {
			b.event("voice_state_update", func(ctx context.Context) error {
				return b.relay.TeardownSession(ctx, vs.GuildID)
			})
		}
		return
	}
	b.event("voice_state_update", func(ctx context.Context) error {
		joined := vs.ChannelID != "" && (vs.BeforeUpdate == nil || vs.BeforeUpdate.ChannelID == "")
		if joined && !b.isBot(s, vs.GuildID, vs.UserID, vs.Member) {
			if err := b.relay.MemberJoinedVoice(ctx, vs.GuildID, vs.ChannelID); err != nil {
				b.log.Warn("auto-join failed", slog.String("guild_id", vs.GuildID), slog.String("error", err.Error()))
			}
		}
		if !b.cfg.AutoLeave || !b.relay.Connected(vs.GuildID) {
			return nil
		}
		self, err := s.State.VoiceState(vs.GuildID, selfID)
		if err != nil || self.ChannelID == "" {
			return nil
		}
		guild, err := s.State.Guild(vs.GuildID)
		if err != nil {
			return nil
		}
		isBot := func(userID string) bool { return b.isBot(s, vs.GuildID, userID, nil) }
		if humanCount(guild, self.ChannelID, selfID, isBot) == 0 {
			return b.relay.ChannelEmptied(ctx, vs.GuildID)
		}
		return nil
	})
}

func (b *Bot) isBot(s *discordgo.Session, guildID, userID string, m *discordgo.Member) bool {
	if m == nil {
		m, _ = s.State.Member(guildID, userID)
	}
	return m != nil && m.User != nil && m.User.Bot
}

func (b *Bot) onGuildDelete(s *discordgo.Session, g *discordgo.GuildDelete) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	b.event("guild_delete", func(ctx context.Context) error {
		b.log.Info("removed from guild", slog.String("guild_id", g.ID))
		return b.relay.ForgetGuild(ctx, g.ID)
	})
}
