package discord

import (
	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/loqa-voicerelay/internal/normalize"
)

// directory resolves mentions from the gateway state cache, falling back to
// the users mentioned in the message itself.
type directory struct {
	state    *discordgo.State
	guildID  string
	mentions []*discordgo.User
}

var _ normalize.Directory = directory{}

func (d directory) MemberName(userID string) (string, bool) {
	if d.state != nil {
		if m, err := d.state.Member(d.guildID, userID); err == nil {
			if name := displayName(m); name != "" {
				return name, true
			}
		}
	}
	for _, u := range d.mentions {
		if u != nil && u.ID == userID {
			return userName(u), true
		}
	}
	return "", false
}

func (d directory) ChannelName(channelID string) (string, bool) {
	if d.state == nil {
		return "", false
	}
	c, err := d.state.Channel(channelID)
	if err != nil || c.Name == "" {
		return "", false
	}
	return c.Name, true
}

func displayName(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	return userName(m.User)
}

func userName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// humanCount counts the non-bot users other than self in a voice channel.
func humanCount(g *discordgo.Guild, channelID, selfID string, isBot func(userID string) bool) int {
	if g == nil || channelID == "" {
		return 0
	}
	n := 0
	for _, vs := range g.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == selfID {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil {
			if vs.Member.User.Bot {
				continue
			}
		} else if isBot(vs.UserID) {
			continue
		}
		n++
	}
	return n
}
