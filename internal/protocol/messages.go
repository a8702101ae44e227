package protocol

import "time"

// SpeakRequest asks the relay to read text aloud in a guild's voice session.
// Voice, Speed and Engine are optional; the author's preference fills them.
type SpeakRequest struct {
	RequestID string  `json:"request_id,omitempty"`
	GuildID   string  `json:"guild_id"`
	AuthorID  string  `json:"author_id,omitempty"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Engine    string  `json:"engine,omitempty"`
}

// SpeakReply is returned to SpeakRequest callers that set a reply subject.
type SpeakReply struct {
	RequestID string `json:"request_id,omitempty"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

// PlaybackEvent reports the outcome of one utterance.
type PlaybackEvent struct {
	RequestID   string    `json:"request_id"`
	GuildID     string    `json:"guild_id"`
	AuthorID    string    `json:"author_id,omitempty"`
	Engine      string    `json:"engine"`
	Voice       string    `json:"voice"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Chars       int       `json:"chars"`
	SynthesisMS int64     `json:"synthesis_ms"`
	AudioMS     int64     `json:"audio_ms"`
	LatencyMS   int64     `json:"latency_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectSpeak             = "voicerelay.speak"
	SubjectPlaybackPrefix    = "voicerelay.playback"
	SubjectPlaybackPlayed    = SubjectPlaybackPrefix + ".played"
	SubjectPlaybackDropped   = SubjectPlaybackPrefix + ".dropped"
	SubjectPlaybackFailed    = SubjectPlaybackPrefix + ".failed"
	SubjectPlaybackDiscarded = SubjectPlaybackPrefix + ".discarded"
	SubjectPlaybackAll       = SubjectPlaybackPrefix + ".>"
)

// PlaybackSubject maps an outcome status onto its event subject.
func PlaybackSubject(status string) string {
	return SubjectPlaybackPrefix + "." + status
}
