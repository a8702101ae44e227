// Package prefs caches per-user voice preferences and per-guild dictionaries
// in front of the settings store.
package prefs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-voicerelay/internal/normalize"
)

// Preference selects how one user's messages are spoken.
type Preference struct {
	Engine string  `json:"engine"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed"`
}

// Store is the persistence the cache reads through and writes through.
type Store interface {
	VoicePreference(ctx context.Context, guildID, userID string) (Preference, bool, error)
	SaveVoicePreference(ctx context.Context, guildID, userID string, p Preference) error
	DictionaryReplacements(ctx context.Context, guildID string) ([]normalize.Replacement, error)
	SaveReplacement(ctx context.Context, guildID string, r normalize.Replacement) error
	DeleteReplacement(ctx context.Context, guildID, original string) (bool, error)
}

// SpeedChecker validates a speed for an engine before it is stored.
type SpeedChecker interface {
	CheckSpeed(engine string, speed float64) error
}

type key struct {
	guildID string
	userID  string
}

// Cache holds preferences without expiry. Every write goes through it, so an
// entry is only replaced by an explicit update or refilled after eviction.
type Cache struct {
	store    Store
	checker  SpeedChecker
	defaults Preference
	log      *slog.Logger

	prefs *lru.Cache[key, Preference]

	dictMu sync.RWMutex
	dicts  map[string][]normalize.Replacement
}

func New(store Store, checker SpeedChecker, defaults Preference, size int, log *slog.Logger) (*Cache, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[key, Preference](size)
	if err != nil {
		return nil, fmt.Errorf("create preference cache: %w", err)
	}
	return &Cache{
		store:    store,
		checker:  checker,
		defaults: defaults,
		log:      log.With(slog.String("component", "prefs")),
		prefs:    cache,
		dicts:    make(map[string][]normalize.Replacement),
	}, nil
}

// Preference returns the user's stored preference or the configured default.
func (c *Cache) Preference(ctx context.Context, guildID, userID string) (Preference, error) {
	k := key{guildID, userID}
	if p, ok := c.prefs.Get(k); ok {
		return p, nil
	}
	p, found, err := c.store.VoicePreference(ctx, guildID, userID)
	if err != nil {
		return c.defaults, fmt.Errorf("load voice preference: %w", err)
	}
	if !found {
		p = c.defaults
	}
	// An Update racing this fill wins; PeekOrAdd never overwrites it.
	if prev, ok, _ := c.prefs.PeekOrAdd(k, p); ok {
		return prev, nil
	}
	return p, nil
}

// Update validates, persists, then caches a new preference.
func (c *Cache) Update(ctx context.Context, guildID, userID string, p Preference) error {
	if err := c.checker.CheckSpeed(p.Engine, p.Speed); err != nil {
		return err
	}
	if err := c.store.SaveVoicePreference(ctx, guildID, userID, p); err != nil {
		return fmt.Errorf("save voice preference: %w", err)
	}
	c.prefs.Add(key{guildID, userID}, p)
	return nil
}

// CheckSpeed validates an override that bypasses Update.
func (c *Cache) CheckSpeed(engine string, speed float64) error {
	return c.checker.CheckSpeed(engine, speed)
}

// Dictionary returns the guild's replacements in insertion order.
func (c *Cache) Dictionary(ctx context.Context, guildID string) ([]normalize.Replacement, error) {
	c.dictMu.RLock()
	dict, ok := c.dicts[guildID]
	c.dictMu.RUnlock()
	if ok {
		return dict, nil
	}

	c.dictMu.Lock()
	defer c.dictMu.Unlock()
	if dict, ok := c.dicts[guildID]; ok {
		return dict, nil
	}
	dict, err := c.store.DictionaryReplacements(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("load dictionary: %w", err)
	}
	c.dicts[guildID] = dict
	return dict, nil
}

func (c *Cache) AddReplacement(ctx context.Context, guildID string, r normalize.Replacement) error {
	if r.Original == "" {
		return fmt.Errorf("replacement original must not be empty")
	}
	c.dictMu.Lock()
	defer c.dictMu.Unlock()
	if err := c.store.SaveReplacement(ctx, guildID, r); err != nil {
		return fmt.Errorf("save replacement: %w", err)
	}
	delete(c.dicts, guildID)
	return nil
}

func (c *Cache) RemoveReplacement(ctx context.Context, guildID, original string) (bool, error) {
	c.dictMu.Lock()
	defer c.dictMu.Unlock()
	removed, err := c.store.DeleteReplacement(ctx, guildID, original)
	if err != nil {
		return false, fmt.Errorf("delete replacement: %w", err)
	}
	delete(c.dicts, guildID)
	return removed, nil
}

// Forget drops everything cached for a guild, e.g. after the bot leaves it.
func (c *Cache) Forget(guildID string) {
	for _, k := range c.prefs.Keys() {
		if k.guildID == guildID {
			c.prefs.Remove(k)
		}
	}
	c.dictMu.Lock()
	delete(c.dicts, guildID)
	c.dictMu.Unlock()
	c.log.Debug("guild cache dropped", slog.String("guild_id", guildID))
}
