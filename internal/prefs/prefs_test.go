package prefs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-voicerelay/internal/normalize"
)

type memoryStore struct {
	mu        sync.Mutex
	prefs     map[key]Preference
	dicts     map[string][]normalize.Replacement
	prefReads int
	dictReads int
	failSave  bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{prefs: map[key]Preference{}, dicts: map[string][]normalize.Replacement{}}
}

func (m *memoryStore) VoicePreference(ctx context.Context, guildID, userID string) (Preference, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefReads++
	p, ok := m.prefs[key{guildID, userID}]
	return p, ok, nil
}

func (m *memoryStore) SaveVoicePreference(ctx context.Context, guildID, userID string, p Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("disk full")
	}
	m.prefs[key{guildID, userID}] = p
	return nil
}

func (m *memoryStore) DictionaryReplacements(ctx context.Context, guildID string) ([]normalize.Replacement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dictReads++
	return append([]normalize.Replacement(nil), m.dicts[guildID]...), nil
}

func (m *memoryStore) SaveReplacement(ctx context.Context, guildID string, r normalize.Replacement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.dicts[guildID]
	for i := range list {
		if list[i].Original == r.Original {
			list[i].Replacement = r.Replacement
			return nil
		}
	}
	m.dicts[guildID] = append(list, r)
	return nil
}

func (m *memoryStore) DeleteReplacement(ctx context.Context, guildID, original string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.dicts[guildID]
	for i := range list {
		if list[i].Original == original {
			m.dicts[guildID] = append(list[:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

type rangeChecker struct{}

func (rangeChecker) CheckSpeed(engine string, speed float64) error {
	if speed < 50 || speed > 200 {
		return errors.New("speed out of range")
	}
	return nil
}

var defaults = Preference{Engine: "aquestalk1", Voice: "f1", Speed: 100}

func newCache(t *testing.T, store Store, size int) *Cache {
	t.Helper()
	c, err := New(store, rangeChecker{}, defaults, size, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestPreferenceDefaultsAndLazyFill(t *testing.T) {
	store := newMemoryStore()
	store.prefs[key{"g1", "u2"}] = Preference{Engine: "voicevox", Voice: "3", Speed: 120}
	c := newCache(t, store, 16)
	ctx := context.Background()

	p, err := c.Preference(ctx, "g1", "u1")
	if err != nil || p != defaults {
		t.Fatalf("expected defaults, got %+v %v", p, err)
	}
	p, err = c.Preference(ctx, "g1", "u2")
	if err != nil || p.Engine != "voicevox" || p.Speed != 120 {
		t.Fatalf("expected stored preference, got %+v %v", p, err)
	}
	for i := 0; i < 5; i++ {
		if _, err := c.Preference(ctx, "g1", "u2"); err != nil {
			t.Fatalf("preference: %v", err)
		}
	}
	if store.prefReads != 2 {
		t.Fatalf("expected two store reads, got %d", store.prefReads)
	}
}

func TestUpdateWritesThrough(t *testing.T) {
	store := newMemoryStore()
	c := newCache(t, store, 16)
	ctx := context.Background()

	if _, err := c.Preference(ctx, "g", "u"); err != nil {
		t.Fatalf("preference: %v", err)
	}
	want := Preference{Engine: "aquestalk2", Voice: "aq_f3a", Speed: 150}
	if err := c.Update(ctx, "g", "u", want); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ := c.Preference(ctx, "g", "u"); got != want {
		t.Fatalf("expected updated preference served from cache, got %+v", got)
	}
	if store.prefs[key{"g", "u"}] != want {
		t.Fatalf("expected store to hold update")
	}

	if err := c.Update(ctx, "g", "u", Preference{Engine: "aquestalk1", Voice: "f1", Speed: 201}); err == nil {
		t.Fatal("expected out of range speed to be rejected")
	}
	if got, _ := c.Preference(ctx, "g", "u"); got != want {
		t.Fatalf("rejected update must not change cache, got %+v", got)
	}

	store.failSave = true
	if err := c.Update(ctx, "g", "u", Preference{Engine: "aquestalk1", Voice: "f2", Speed: 90}); err == nil {
		t.Fatal("expected store failure to surface")
	}
	if got, _ := c.Preference(ctx, "g", "u"); got != want {
		t.Fatalf("failed store write must not change cache, got %+v", got)
	}
}

func TestEvictionRereadsStore(t *testing.T) {
	store := newMemoryStore()
	c := newCache(t, store, 1)
	ctx := context.Background()

	want := Preference{Engine: "mock", Voice: "x", Speed: 60}
	if err := c.Update(ctx, "g", "a", want); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := c.Preference(ctx, "g", "b"); err != nil {
		t.Fatalf("preference: %v", err)
	}
	got, err := c.Preference(ctx, "g", "a")
	if err != nil || got != want {
		t.Fatalf("expected evicted entry reloaded from store, got %+v %v", got, err)
	}
}

func TestDictionaryCaching(t *testing.T) {
	store := newMemoryStore()
	c := newCache(t, store, 16)
	ctx := context.Background()

	if err := c.AddReplacement(ctx, "g", normalize.Replacement{Original: "w", Replacement: "わら"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.AddReplacement(ctx, "g", normalize.Replacement{Original: "草", Replacement: "くさ"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	dict, err := c.Dictionary(ctx, "g")
	if err != nil {
		t.Fatalf("dictionary: %v", err)
	}
	if len(dict) != 2 || dict[0].Original != "w" || dict[1].Original != "草" {
		t.Fatalf("unexpected dictionary order %+v", dict)
	}
	if _, err := c.Dictionary(ctx, "g"); err != nil {
		t.Fatalf("dictionary: %v", err)
	}
	if store.dictReads != 1 {
		t.Fatalf("expected cached dictionary, got %d reads", store.dictReads)
	}

	removed, err := c.RemoveReplacement(ctx, "g", "w")
	if err != nil || !removed {
		t.Fatalf("expected removal, got %v %v", removed, err)
	}
	dict, _ = c.Dictionary(ctx, "g")
	if len(dict) != 1 || dict[0].Original != "草" {
		t.Fatalf("expected dictionary refreshed after removal, got %+v", dict)
	}
	if err := c.AddReplacement(ctx, "g", normalize.Replacement{}); err == nil {
		t.Fatal("expected empty original to be rejected")
	}
}

func TestForget(t *testing.T) {
	store := newMemoryStore()
	c := newCache(t, store, 16)
	ctx := context.Background()
	_, _ = c.Preference(ctx, "g", "u")
	_, _ = c.Dictionary(ctx, "g")
	c.Forget("g")
	_, _ = c.Preference(ctx, "g", "u")
	_, _ = c.Dictionary(ctx, "g")
	if store.prefReads != 2 || store.dictReads != 2 {
		t.Fatalf("expected reloads after forget, got %d/%d", store.prefReads, store.dictReads)
	}
}
