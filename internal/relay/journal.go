package relay

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voicerelay/internal/playback"
	"github.com/loqalabs/loqa-voicerelay/internal/store"
)

// Journal persists finished utterances.
type Journal interface {
	AppendUtterance(ctx context.Context, u store.Utterance) error
}

// JournalObserver records every playback outcome in the utterance journal.
// The text itself is not stored, only its length.
func JournalObserver(j Journal, log *slog.Logger) playback.Observer {
	log = log.With(slog.String("component", "journal"))
	return playback.ObserverFunc(func(ctx context.Context, evt playback.Event) {
		u := store.Utterance{
			RequestID: evt.Request.ID,
			GuildID:   evt.Request.GuildID,
			AuthorID:  evt.Request.AuthorID,
			Engine:    evt.Request.Engine,
			Voice:     evt.Request.Voice,
			Status:    string(evt.Status),
			Chars:     utf8.RuneCountInString(evt.Request.Text),
			Latency:   evt.Latency,
			CreatedAt: evt.At,
		}
		if evt.Err != nil {
			u.Error = evt.Err.Error()
		}
		if err := j.AppendUtterance(ctx, u); err != nil {
			log.Warn("failed to journal utterance", slog.String("request_id", u.RequestID), slog.String("error", err.Error()))
		}
	})
}
