// Package normalize rewrites chat messages into speakable text.
package normalize

import (
	"regexp"
	"strings"
)

// DefaultURLPlaceholder is read instead of a link ("URL omitted").
const DefaultURLPlaceholder = "URL省略"

var (
	mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)
	channelPattern = regexp.MustCompile(`<#(\d+)>`)
	urlPattern     = regexp.MustCompile(`https?://\S+`)
	emojiPattern   = regexp.MustCompile(`<a?:[^:<>\s]+:\d+>`)
	symbolPattern  = regexp.MustCompile(`[\p{So}\x{FE0F}\x{200D}]`)
)

// Replacement is one user-defined dictionary entry.
type Replacement struct {
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
}

// Directory resolves platform identifiers to names.
type Directory interface {
	MemberName(userID string) (string, bool)
	ChannelName(channelID string) (string, bool)
}

// Group is the per-guild context a message is normalized against.
type Group struct {
	Dictionary []Replacement
	Directory  Directory
}

type Normalizer struct {
	urlPlaceholder string
}

func New(urlPlaceholder string) *Normalizer {
	if urlPlaceholder == "" {
		urlPlaceholder = DefaultURLPlaceholder
	}
	return &Normalizer{urlPlaceholder: urlPlaceholder}
}

// Normalize applies, in order: dictionary replacements, member mentions,
// channel mentions, URLs, custom emoji. It never fails.
func (n *Normalizer) Normalize(text string, g Group) string {
	for _, r := range g.Dictionary {
		if r.Original == "" {
			continue
		}
		text = strings.ReplaceAll(text, r.Original, r.Replacement)
	}

	text = mentionPattern.ReplaceAllStringFunc(text, func(token string) string {
		if g.Directory == nil {
			return token
		}
		id := mentionPattern.FindStringSubmatch(token)[1]
		if name, ok := g.Directory.MemberName(id); ok {
			return name
		}
		return token
	})

	text = channelPattern.ReplaceAllStringFunc(text, func(token string) string {
		if g.Directory == nil {
			return token
		}
		id := channelPattern.FindStringSubmatch(token)[1]
		if name, ok := g.Directory.ChannelName(id); ok {
			return StripSymbols(name)
		}
		return token
	})

	text = urlPattern.ReplaceAllLiteralString(text, n.urlPlaceholder)
	text = emojiPattern.ReplaceAllLiteralString(text, "")
	return text
}

// StripSymbols drops pictographs channel names are often decorated with.
func StripSymbols(s string) string {
	return strings.TrimSpace(symbolPattern.ReplaceAllLiteralString(s, ""))
}
