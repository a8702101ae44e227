package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Playback.OverflowPolicy != "drop_oldest" {
		t.Fatalf("expected drop_oldest default, got %q", cfg.Playback.OverflowPolicy)
	}
	if cfg.Defaults.Engine != "aquestalk1" || cfg.Defaults.Speed != 100 {
		t.Fatalf("unexpected voice defaults: %+v", cfg.Defaults)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicerelay.yaml")
	data := []byte(`
runtime_name: relay-test
playback:
  queue_limit: 8
  overflow_policy: reject_newest
engines:
  aivisspeech:
    enabled: true
    url: http://aivis:10101
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "relay-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Playback.QueueLimit != 8 || cfg.Playback.OverflowPolicy != "reject_newest" {
		t.Fatalf("unexpected playback config: %+v", cfg.Playback)
	}
	if cfg.Playback.SynthesisTimeoutMS != 30000 {
		t.Fatalf("expected default synthesis timeout to survive partial file, got %d", cfg.Playback.SynthesisTimeoutMS)
	}
	if !cfg.Engines.AivisSpeech.Enabled || cfg.Engines.AivisSpeech.URL != "http://aivis:10101" {
		t.Fatalf("unexpected aivisspeech config: %+v", cfg.Engines.AivisSpeech)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICERELAY_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOICERELAY_BUS_USERNAME", "alice")
	t.Setenv("VOICERELAY_BUS_PASSWORD", "secret")
	t.Setenv("VOICERELAY_BUS_TLS_INSECURE", "true")
	t.Setenv("VOICERELAY_DISCORD_TOKEN", "bot-token")
	t.Setenv("VOICERELAY_STORE_PATH", "./tmp.db")
	t.Setenv("VOICERELAY_STORE_RETENTION_DAYS", "3")
	t.Setenv("VOICERELAY_PLAYBACK_QUEUE_LIMIT", "16")
	t.Setenv("VOICERELAY_PLAYBACK_SYNTHESIS_TIMEOUT_MS", "5000")
	t.Setenv("VOICERELAY_DEFAULT_SPEED", "1.5")
	t.Setenv("VOICERELAY_VOICEVOX_ENABLED", "true")
	t.Setenv("VOICERELAY_VOICEVOX_CPU_THREADS", "4")
	t.Setenv("VOICERELAY_AIVISSPEECH_URL", "http://remote:10101")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Discord.Token != "bot-token" {
		t.Fatalf("expected discord token override")
	}
	if cfg.Store.Path != "./tmp.db" || cfg.Store.RetentionDays != 3 {
		t.Fatalf("expected store overrides, got %+v", cfg.Store)
	}
	if cfg.Playback.QueueLimit != 16 || cfg.Playback.SynthesisTimeoutMS != 5000 {
		t.Fatalf("expected playback overrides, got %+v", cfg.Playback)
	}
	if cfg.Defaults.Speed != 1.5 {
		t.Fatalf("expected default speed override, got %v", cfg.Defaults.Speed)
	}
	if !cfg.Engines.Voicevox.Enabled || cfg.Engines.Voicevox.CPUThreads != 4 {
		t.Fatalf("expected voicevox overrides, got %+v", cfg.Engines.Voicevox)
	}
	if cfg.Engines.AivisSpeech.URL != "http://remote:10101" {
		t.Fatalf("expected aivisspeech url override")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad overflow policy": func(c *Config) { c.Playback.OverflowPolicy = "block" },
		"zero timeout":        func(c *Config) { c.Playback.SynthesisTimeoutMS = 0 },
		"negative queue":      func(c *Config) { c.Playback.QueueLimit = -1 },
		"empty store path":    func(c *Config) { c.Store.Path = "" },
		"exec without cmd":    func(c *Config) { c.Engines.Exec.Enabled = true },
		"remote without url": func(c *Config) {
			c.Engines.VoicevoxEngine.Enabled = true
			c.Engines.VoicevoxEngine.URL = ""
		},
		"core without models": func(c *Config) {
			c.Engines.Sharevox.Enabled = true
			c.Engines.Sharevox.ModelDir = ""
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
