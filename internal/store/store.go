package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/normalize"
	"github.com/loqalabs/loqa-voicerelay/internal/prefs"
	_ "modernc.org/sqlite"
)

// Autojoin names the voice channel the bot follows a guild's first member into.
type Autojoin struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
}

// Utterance is one journal row describing a finished playback request.
type Utterance struct {
	ID        int64
	RequestID string
	GuildID   string
	AuthorID  string
	Engine    string
	Voice     string
	Status    string
	Error     string
	Chars     int
	Latency   time.Duration
	CreatedAt time.Time
}

// Store wraps the SQLite database holding settings and the utterance journal.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

var _ prefs.Store = (*Store)(nil)

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "store")), clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			s.log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		s.log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS read_channels (
    guild_id TEXT PRIMARY KEY,
    channel_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS autojoin (
    guild_id TEXT PRIMARY KEY,
    voice_channel_id TEXT NOT NULL,
    text_channel_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS voice_settings (
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    voice TEXT NOT NULL,
    speed REAL NOT NULL,
    engine TEXT NOT NULL,
    PRIMARY KEY (guild_id, user_id)
);
CREATE TABLE IF NOT EXISTS dictionary_replacements (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    original_text TEXT NOT NULL,
    replacement_text TEXT NOT NULL,
    UNIQUE (guild_id, original_text)
);
CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    guild_id TEXT NOT NULL,
    author_id TEXT,
    engine TEXT,
    voice TEXT,
    status TEXT NOT NULL,
    error TEXT,
    chars INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_utterances_guild_created ON utterances(guild_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReadChannels maps guild IDs to the text channel read aloud in each.
func (s *Store) ReadChannels(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id, channel_id FROM read_channels`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var guild, channel string
		if err := rows.Scan(&guild, &channel); err != nil {
			return nil, err
		}
		out[guild] = channel
	}
	return out, rows.Err()
}

func (s *Store) SetReadChannel(ctx context.Context, guildID, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO read_channels(guild_id, channel_id) VALUES(?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET channel_id=excluded.channel_id`,
		guildID, channelID)
	return err
}

func (s *Store) DeleteReadChannel(ctx context.Context, guildID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM read_channels WHERE guild_id = ?`, guildID)
	return err
}

// Autojoin returns the guild's auto-join target, if one is configured.
func (s *Store) Autojoin(ctx context.Context, guildID string) (Autojoin, bool, error) {
	a := Autojoin{GuildID: guildID}
	err := s.db.QueryRowContext(ctx,
		`SELECT voice_channel_id, text_channel_id FROM autojoin WHERE guild_id = ?`, guildID).
		Scan(&a.VoiceChannelID, &a.TextChannelID)
	if errors.Is(err, sql.ErrNoRows) {
		return Autojoin{}, false, nil
	}
	if err != nil {
		return Autojoin{}, false, err
	}
	return a, true, nil
}

func (s *Store) SetAutojoin(ctx context.Context, a Autojoin) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO autojoin(guild_id, voice_channel_id, text_channel_id) VALUES(?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET voice_channel_id=excluded.voice_channel_id, text_channel_id=excluded.text_channel_id`,
		a.GuildID, a.VoiceChannelID, a.TextChannelID)
	return err
}

func (s *Store) DeleteAutojoin(ctx context.Context, guildID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM autojoin WHERE guild_id = ?`, guildID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) VoicePreference(ctx context.Context, guildID, userID string) (prefs.Preference, bool, error) {
	var p prefs.Preference
	err := s.db.QueryRowContext(ctx,
		`SELECT voice, speed, engine FROM voice_settings WHERE guild_id = ? AND user_id = ?`, guildID, userID).
		Scan(&p.Voice, &p.Speed, &p.Engine)
	if errors.Is(err, sql.ErrNoRows) {
		return prefs.Preference{}, false, nil
	}
	if err != nil {
		return prefs.Preference{}, false, err
	}
	return p, true, nil
}

func (s *Store) SaveVoicePreference(ctx context.Context, guildID, userID string, p prefs.Preference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_settings(guild_id, user_id, voice, speed, engine) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(guild_id, user_id) DO UPDATE SET voice=excluded.voice, speed=excluded.speed, engine=excluded.engine`,
		guildID, userID, p.Voice, p.Speed, p.Engine)
	return err
}

// DictionaryReplacements lists a guild's pairs in the order they were first added.
func (s *Store) DictionaryReplacements(ctx context.Context, guildID string) ([]normalize.Replacement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT original_text, replacement_text FROM dictionary_replacements WHERE guild_id = ? ORDER BY id ASC`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []normalize.Replacement
	for rows.Next() {
		var r normalize.Replacement
		if err := rows.Scan(&r.Original, &r.Replacement); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveReplacement adds a pair, or updates the replacement in place when the
// original already exists so its position is kept.
func (s *Store) SaveReplacement(ctx context.Context, guildID string, r normalize.Replacement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dictionary_replacements(guild_id, original_text, replacement_text) VALUES(?, ?, ?)
		 ON CONFLICT(guild_id, original_text) DO UPDATE SET replacement_text=excluded.replacement_text`,
		guildID, r.Original, r.Replacement)
	return err
}

func (s *Store) DeleteReplacement(ctx context.Context, guildID, original string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dictionary_replacements WHERE guild_id = ? AND original_text = ?`, guildID, original)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
