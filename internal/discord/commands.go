package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/loqa-voicerelay/internal/relay"
	"github.com/loqalabs/loqa-voicerelay/internal/store"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
)

type commandFunc func(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, opts options) (string, error)

type command struct {
	def      *discordgo.ApplicationCommand
	run      commandFunc
	deferred bool
}

type options map[string]*discordgo.ApplicationCommandInteractionDataOption

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) options {
	out := make(options, len(opts))
	for _, o := range opts {
		out[o.Name] = o
	}
	return out
}

func (o options) str(name string) string {
	if v, ok := o[name]; ok {
		return v.StringValue()
	}
	return ""
}

func (o options) float(name string) (float64, bool) {
	if v, ok := o[name]; ok {
		return v.FloatValue(), true
	}
	return 0, false
}

// userError is shown to the invoking user as is.
type userError string

func (e userError) Error() string { return string(e) }

func (b *Bot) commands() map[string]command {
	engineChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(b.engines))
	for _, tag := range b.engines {
		engineChoices = append(engineChoices, &discordgo.ApplicationCommandOptionChoice{Name: tag, Value: tag})
	}
	list := []command{
		{
			def: &discordgo.ApplicationCommand{
				Name:        "join",
				Description: "ボイスチャンネルに参加し、このチャンネルのメッセージを読み上げます",
			},
			run:      b.cmdJoin,
			deferred: true,
		},
		{
			def: &discordgo.ApplicationCommand{
				Name:        "leave",
				Description: "ボイスチャンネルから退出し、読み上げを停止します",
			},
			run:      b.cmdLeave,
			deferred: true,
		},
		{
			def: &discordgo.ApplicationCommand{
				Name:        "read_channels",
				Description: "読み上げ対象のチャンネルを表示します",
			},
			run: b.cmdReadChannels,
		},
		{
			def: &discordgo.ApplicationCommand{
				Name:        "voice",
				Description: "自分の読み上げ音声を設定します",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "engine", Description: "音声エンジン", Choices: engineChoices},
					{Type: discordgo.ApplicationCommandOptionString, Name: "voice", Description: "声の名前またはスタイルID"},
					{Type: discordgo.ApplicationCommandOptionNumber, Name: "speed", Description: "話速 (AquesTalk/VOICEVOX/SHAREVOXは50-200、リモートエンジンは0.5-5.0)"},
				},
			},
			run: b.cmdVoice,
		},
		{
			def: &discordgo.ApplicationCommand{
				Name:        "dict_add",
				Description: "読み替え辞書に単語を登録します",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "word", Description: "置き換える語", Required: true},
					{Type: discordgo.ApplicationCommandOptionString, Name: "reading", Description: "読み", Required: true},
				},
			},
			run: b.cmdDictAdd,
		},
		{
			def: &discordgo.ApplicationCommand{
				Name:        "dict_remove",
				Description: "読み替え辞書から単語を削除します",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "word", Description: "削除する語", Required: true},
				},
			},
			run: b.cmdDictRemove,
		},
		{
			def: &discordgo.ApplicationCommand{
				Name:        "dict_list",
				Description: "読み替え辞書を表示します",
			},
			run: b.cmdDictList,
		},
		{
			def: &discordgo.ApplicationCommand{
				Name:        "autojoin",
				Description: "指定したボイスチャンネルに誰かが入ったら自動で参加します",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "channel",
						Description:  "ボイスチャンネル",
						Required:     true,
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice},
					},
				},
			},
			run: b.cmdAutojoin,
		},
		{
			def: &discordgo.ApplicationCommand{
				Name:        "autojoin_remove",
				Description: "自動参加の設定を解除します",
			},
			run: b.cmdAutojoinRemove,
		},
	}
	out := make(map[string]command, len(list))
	for _, c := range list {
		out[c.def.Name] = c
	}
	return out
}

func (b *Bot) registerCommands(s *discordgo.Session, r *discordgo.Ready) error {
	cmds := b.cmds
	defs := make([]*discordgo.ApplicationCommand, 0, len(cmds))
	for _, c := range cmds {
		defs = append(defs, c.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	if b.cfg.RegisterGlobal {
		if _, err := s.ApplicationCommandBulkOverwrite(r.User.ID, "", defs); err != nil {
			return fmt.Errorf("register global commands: %w", err)
		}
		b.log.Info("registered global commands", slog.Int("count", len(defs)))
		return nil
	}
	var errs []error
	for _, g := range r.Guilds {
		if _, err := s.ApplicationCommandBulkOverwrite(r.User.ID, g.ID, defs); err != nil {
			errs = append(errs, fmt.Errorf("register commands in guild %s: %w", g.ID, err))
		}
	}
	b.log.Info("registered guild commands", slog.Int("count", len(defs)), slog.Int("guilds", len(r.Guilds)))
	return errors.Join(errs...)
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand || i.GuildID == "" {
		return
	}
	data := i.ApplicationCommandData()
	cmd, ok := b.cmds[data.Name]
	if !ok {
		return
	}
	b.event("command."+data.Name, func(ctx context.Context) error {
		if cmd.deferred {
			err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			})
			if err != nil {
				return fmt.Errorf("defer response: %w", err)
			}
		}
		reply, err := cmd.run(ctx, s, i, optionMap(data.Options))
		ephemeral := false
		if err != nil {
			var ue userError
			if errors.As(err, &ue) {
				reply = ue.Error()
			} else {
				b.log.Warn("command failed", slog.String("command", data.Name), slog.String("guild_id", i.GuildID), slog.String("error", err.Error()))
				reply = "エラーが発生しました: " + err.Error()
			}
			ephemeral = true
		}
		return b.reply(s, i, cmd.deferred, reply, ephemeral)
	})
}

func (b *Bot) reply(s *discordgo.Session, i *discordgo.InteractionCreate, deferred bool, content string, ephemeral bool) error {
	if deferred {
		_, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content})
		return err
	}
	data := &discordgo.InteractionResponseData{Content: content}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
}

func invoker(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func (b *Bot) cmdJoin(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, _ options) (string, error) {
	vs, err := s.State.VoiceState(i.GuildID, invoker(i))
	if err != nil || vs.ChannelID == "" {
		return "", userError("ボイスチャンネルに接続していません。")
	}
	err = b.relay.Join(ctx, i.GuildID, vs.ChannelID, i.ChannelID)
	if errors.Is(err, relay.ErrAlreadyConnected) {
		return "", userError("すでにボイスチャンネルに接続しています。")
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%sに参加しました！このチャンネルのメッセージを読み上げます。", channelName(s, vs.ChannelID)), nil
}

func (b *Bot) cmdLeave(ctx context.Context, _ *discordgo.Session, i *discordgo.InteractionCreate, _ options) (string, error) {
	err := b.relay.Leave(ctx, i.GuildID)
	if errors.Is(err, relay.ErrNotConnected) {
		return "", userError("ボイスチャンネルに接続していません。")
	}
	if err != nil {
		return "", err
	}
	return "ボイスチャンネルから退出しました！読み上げを停止しました。", nil
}

func (b *Bot) cmdReadChannels(_ context.Context, s *discordgo.Session, _ *discordgo.InteractionCreate, _ options) (string, error) {
	channels := b.relay.ReadChannels()
	if len(channels) == 0 {
		return "", userError("読み上げ対象のチャンネルはありません。")
	}
	guilds := make([]string, 0, len(channels))
	for g := range channels {
		guilds = append(guilds, g)
	}
	sort.Strings(guilds)

	var sb strings.Builder
	sb.WriteString("読み上げ対象のチャンネル:\n")
	for _, id := range guilds {
		guild, err := s.State.Guild(id)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", guild.Name, channelName(s, channels[id]))
	}
	return sb.String(), nil
}

func (b *Bot) cmdVoice(ctx context.Context, _ *discordgo.Session, i *discordgo.InteractionCreate, opts options) (string, error) {
	user := invoker(i)
	pref, err := b.relay.VoicePreference(ctx, i.GuildID, user)
	if err != nil {
		return "", err
	}
	if engine := opts.str("engine"); engine != "" {
		pref.Engine = engine
	}
	if voice := opts.str("voice"); voice != "" {
		pref.Voice = voice
	}
	if speed, ok := opts.float("speed"); ok {
		pref.Speed = speed
	} else {
		pref.Speed = synth.FitSpeed(pref.Engine, pref.Speed)
	}
	err = b.relay.UpdateVoicePreference(ctx, i.GuildID, user, pref.Voice, pref.Speed, pref.Engine)
	if errors.Is(err, synth.ErrSpeedOutOfRange) || errors.Is(err, synth.ErrUnknownEngine) {
		return "", userError("設定できません: " + err.Error())
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("音声を %s / %s / 速度 %g に設定しました。", pref.Engine, pref.Voice, pref.Speed), nil
}

func (b *Bot) cmdDictAdd(ctx context.Context, _ *discordgo.Session, i *discordgo.InteractionCreate, opts options) (string, error) {
	word, reading := opts.str("word"), opts.str("reading")
	if err := b.relay.AddReplacement(ctx, i.GuildID, word, reading); err != nil {
		return "", err
	}
	return fmt.Sprintf("「%s」を「%s」と読みます。", word, reading), nil
}

func (b *Bot) cmdDictRemove(ctx context.Context, _ *discordgo.Session, i *discordgo.InteractionCreate, opts options) (string, error) {
	word := opts.str("word")
	removed, err := b.relay.RemoveReplacement(ctx, i.GuildID, word)
	if err != nil {
		return "", err
	}
	if !removed {
		return "", userError(fmt.Sprintf("「%s」は辞書に登録されていません。", word))
	}
	return fmt.Sprintf("「%s」を辞書から削除しました。", word), nil
}

func (b *Bot) cmdDictList(ctx context.Context, _ *discordgo.Session, i *discordgo.InteractionCreate, _ options) (string, error) {
	dict, err := b.relay.Dictionary(ctx, i.GuildID)
	if err != nil {
		return "", err
	}
	if len(dict) == 0 {
		return "", userError("辞書に登録された単語はありません。")
	}
	var sb strings.Builder
	for _, r := range dict {
		fmt.Fprintf(&sb, "- %s → %s\n", r.Original, r.Replacement)
	}
	return sb.String(), nil
}

func (b *Bot) cmdAutojoin(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, opts options) (string, error) {
	opt, ok := opts["channel"]
	if !ok {
		return "", userError("チャンネルを指定してください。")
	}
	channelID, _ := opt.Value.(string)
	a := store.Autojoin{GuildID: i.GuildID, VoiceChannelID: channelID, TextChannelID: i.ChannelID}
	if err := b.relay.SetAutojoin(ctx, a); err != nil {
		return "", err
	}
	return fmt.Sprintf("%sに誰かが参加したら自動で参加します。", channelName(s, channelID)), nil
}

func (b *Bot) cmdAutojoinRemove(ctx context.Context, _ *discordgo.Session, i *discordgo.InteractionCreate, _ options) (string, error) {
	removed, err := b.relay.RemoveAutojoin(ctx, i.GuildID)
	if err != nil {
		return "", err
	}
	if !removed {
		return "", userError("自動参加は設定されていません。")
	}
	return "自動参加を解除しました。", nil
}

func channelName(s *discordgo.Session, channelID string) string {
	if c, err := s.State.Channel(channelID); err == nil && c.Name != "" {
		return c.Name
	}
	return "<#" + channelID + ">"
}
