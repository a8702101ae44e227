package store

import (
	"context"
	"log/slog"
	"time"
)

func (s *Store) journalEnabled() bool {
	return s.cfg.JournalMode == "persistent"
}

// AppendUtterance writes a journal row. A no-op when the journal is off.
func (s *Store) AppendUtterance(ctx context.Context, u Utterance) error {
	if !s.journalEnabled() {
		return nil
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(request_id, guild_id, author_id, engine, voice, status, error, chars, latency_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.RequestID, u.GuildID, u.AuthorID, u.Engine, u.Voice, u.Status, u.Error, u.Chars,
		u.Latency.Milliseconds(), u.CreatedAt.UnixNano())
	return err
}

// ListUtterances returns up to limit of a guild's most recent rows, newest first.
func (s *Store) ListUtterances(ctx context.Context, guildID string, limit int) ([]Utterance, error) {
	if !s.journalEnabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, guild_id, author_id, engine, voice, status, error, chars, latency_ms, created_at
		 FROM utterances WHERE guild_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		var u Utterance
		var latency, created int64
		if err := rows.Scan(&u.ID, &u.RequestID, &u.GuildID, &u.AuthorID, &u.Engine, &u.Voice, &u.Status, &u.Error, &u.Chars, &latency, &created); err != nil {
			return nil, err
		}
		u.Latency = time.Duration(latency) * time.Millisecond
		u.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and on a schedule).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.journalEnabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxUtterances > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE id IN (
			SELECT id FROM utterances ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxUtterances)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunPruner prunes on every tick until ctx ends.
func (s *Store) RunPruner(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
