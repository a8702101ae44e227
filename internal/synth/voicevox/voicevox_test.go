package voicevox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
)

type fakeRuntime struct {
	mu      sync.Mutex
	loaded  []string
	queries []string
	scales  []float64
	closed  bool
}

func (f *fakeRuntime) LoadModel(path string) error {
	if strings.Contains(path, "broken") {
		return errors.New("invalid model file")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = append(f.loaded, path)
	return nil
}

func (f *fakeRuntime) AudioQuery(text string, style uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, text)
	return []byte(`{"speedScale":1.0,"pitchScale":0.0}`), nil
}

func (f *fakeRuntime) Synthesis(query []byte, style uint32) ([]byte, error) {
	var doc struct {
		SpeedScale float64 `json:"speedScale"`
	}
	if err := json.Unmarshal(query, &doc); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.scales = append(f.scales, doc.SpeedScale)
	f.mu.Unlock()
	return []byte("RIFF"), nil
}

func (f *fakeRuntime) Close() error {
	f.closed = true
	return nil
}

func newTestBackend(rt *fakeRuntime, models []string, opens *atomic.Int32) *Backend {
	b := New(synth.EngineVoicevox, config.CoreConfig{ModelDir: "/models"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.open = func(cfg config.CoreConfig, threads int) (engineRuntime, error) {
		opens.Add(1)
		return rt, nil
	}
	b.glob = func(pattern string) ([]string, error) { return models, nil }
	return b
}

func TestBackendInitializesOnceAndSkipsBrokenModels(t *testing.T) {
	rt := &fakeRuntime{}
	var opens atomic.Int32
	b := newTestBackend(rt, []string{"/models/1.vvm", "/models/broken.vvm", "/models/0.vvm"}, &opens)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			art, err := b.Synthesize(context.Background(), synth.Request{Text: "こんにちは", Voice: "3", Speed: 150})
			if err != nil {
				t.Errorf("synthesize: %v", err)
				return
			}
			art.Dispose()
		}()
	}
	wg.Wait()

	if opens.Load() != 1 {
		t.Fatalf("expected one runtime open, got %d", opens.Load())
	}
	if got := b.Models(); len(got) != 2 || got[0] != "0.vvm" || got[1] != "1.vvm" {
		t.Fatalf("unexpected models %v", got)
	}
	for _, scale := range rt.scales {
		if scale != 1.5 {
			t.Fatalf("expected speedScale 1.5, got %v", scale)
		}
	}
}

func TestBackendFailsWithoutModels(t *testing.T) {
	rt := &fakeRuntime{}
	var opens atomic.Int32
	b := newTestBackend(rt, []string{"/models/broken.vvm"}, &opens)

	_, err := b.Synthesize(context.Background(), synth.Request{Text: "x", Voice: "0", Speed: 100})
	var initErr *synth.InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected InitializationError, got %v", err)
	}
	if !errors.Is(err, errNoModels) {
		t.Fatalf("expected errNoModels, got %v", err)
	}
	if !rt.closed {
		t.Fatal("expected runtime closed after failed init")
	}
	if b.State() != synth.StateFailed {
		t.Fatalf("expected failed state, got %s", b.State())
	}
}

func TestBackendRejectsNonNumericStyle(t *testing.T) {
	var opens atomic.Int32
	b := newTestBackend(&fakeRuntime{}, []string{"/models/0.vvm"}, &opens)
	_, err := b.Synthesize(context.Background(), synth.Request{Text: "x", Voice: "zundamon", Speed: 100})
	if !errors.Is(err, synth.ErrInvalidVoice) {
		t.Fatalf("expected ErrInvalidVoice, got %v", err)
	}
}

func TestWithThreads(t *testing.T) {
	opts := uint64(0xdead_0000_0001)
	got := withThreads(opts, 4)
	if got&0xffffffff != 1 {
		t.Fatalf("acceleration mode clobbered: %x", got)
	}
	if (got>>32)&0xffff != 4 {
		t.Fatalf("expected 4 threads, got %x", got)
	}
}

func TestOpenMissingCore(t *testing.T) {
	if _, err := openCore(os.DevNull + "/libvoicevox_core.so"); err == nil {
		t.Fatal("expected error opening missing core")
	}
}
