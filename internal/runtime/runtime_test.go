package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/store"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngines() config.EnginesConfig {
	cfg := config.Default().Engines
	cfg.AquesTalk1.Enabled = false
	cfg.Mock.Enabled = true
	cfg.Mock.SampleRate = 24000
	return cfg
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	log := testLogger()
	st, err := store.Open(context.Background(), config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "runtime.db"),
		JournalMode: "persistent",
	}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	engines, err := buildEngines(testEngines(), log)
	if err != nil {
		t.Fatalf("build engines: %v", err)
	}
	t.Cleanup(func() { _ = engines.Close() })

	r := New(config.Default(), log)
	r.store = st
	r.engines = engines
	return r
}

func TestBuildEnginesRegistersDisabled(t *testing.T) {
	engines, err := buildEngines(testEngines(), testLogger())
	if err != nil {
		t.Fatalf("build engines: %v", err)
	}
	defer engines.Close()

	statuses := engines.registry.Statuses()
	byTag := make(map[string]synth.Status, len(statuses))
	for _, st := range statuses {
		byTag[st.Engine] = st
	}
	for _, tag := range []string{
		synth.EngineAquesTalk1, synth.EngineAquesTalk2, synth.EngineVoicevox,
		synth.EngineSharevox, synth.EngineAivisSpeech, synth.EngineVoicevoxEngine,
	} {
		st, ok := byTag[tag]
		if !ok {
			t.Fatalf("expected %s to be registered", tag)
		}
		if st.Enabled {
			t.Fatalf("expected %s to be disabled", tag)
		}
	}
	if _, ok := byTag[synth.EngineExec]; ok {
		t.Fatal("exec should only be registered when enabled")
	}
	if !byTag[synth.EngineMock].Enabled {
		t.Fatal("expected mock to be enabled")
	}
	if !byTag[synth.EngineAquesTalk1].Phonemes {
		t.Fatal("expected aquestalk1 to consume phonemes")
	}

	tags := enabledTags(engines.registry)
	if len(tags) != 1 || tags[0] != synth.EngineMock {
		t.Fatalf("unexpected enabled tags %v", tags)
	}
}

func TestBuildEnginesExec(t *testing.T) {
	cfg := testEngines()
	cfg.Exec.Enabled = true
	cfg.Exec.Command = "tts-wrapper --format wav"
	engines, err := buildEngines(cfg, testLogger())
	if err != nil {
		t.Fatalf("build engines: %v", err)
	}
	defer engines.Close()
	if !engines.registry.Enabled(synth.EngineExec) {
		t.Fatal("expected exec to be enabled")
	}
}

func TestHealthAndReady(t *testing.T) {
	r := newTestRuntime(t)
	srv := httptest.NewServer(r.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503 before start, got %d", resp.StatusCode)
	}

	r.ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", resp.StatusCode)
	}
}

func TestEnginesEndpoint(t *testing.T) {
	r := newTestRuntime(t)
	srv := httptest.NewServer(r.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/engines")
	if err != nil {
		t.Fatalf("engines: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var statuses []synth.Status
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(statuses) != 7 {
		t.Fatalf("expected 7 engines, got %d", len(statuses))
	}
}

func TestReinitEndpoint(t *testing.T) {
	r := newTestRuntime(t)
	srv := httptest.NewServer(r.routes())
	defer srv.Close()

	cases := []struct {
		tag  string
		want int
	}{
		{tag: synth.EngineVoicevox, want: http.StatusAccepted},
		{tag: "festival", want: http.StatusNotFound},
		{tag: synth.EngineMock, want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		resp, err := http.Post(srv.URL+"/engines/"+tc.tag+"/reinit", "application/json", nil)
		if err != nil {
			t.Fatalf("reinit %s: %v", tc.tag, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("reinit %s: expected %d, got %d", tc.tag, tc.want, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/engines/voicevox/reinit")
	if err != nil {
		t.Fatalf("get reinit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET reinit, got %d", resp.StatusCode)
	}
}

func TestUtterancesEndpoint(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()
	for i, status := range []string{"played", "failed"} {
		err := r.store.AppendUtterance(ctx, store.Utterance{
			RequestID: status,
			GuildID:   "g1",
			AuthorID:  "u1",
			Engine:    synth.EngineMock,
			Voice:     "f1",
			Status:    status,
			Chars:     4,
			Latency:   120 * time.Millisecond,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	srv := httptest.NewServer(r.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/guilds/g1/utterances?limit=1")
	if err != nil {
		t.Fatalf("utterances: %v", err)
	}
	defer resp.Body.Close()
	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0]["status"] != "failed" {
		t.Fatalf("expected newest row only, got %v", rows)
	}
	if rows[0]["latency_ms"].(float64) != 120 {
		t.Fatalf("unexpected latency %v", rows[0]["latency_ms"])
	}

	bad, err := http.Get(srv.URL + "/guilds/g1/utterances?limit=zero")
	if err != nil {
		t.Fatalf("utterances: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.StatusCode)
	}
}
