package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Discord     DiscordConfig    `yaml:"discord"`
	Store       StoreConfig      `yaml:"store"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Normalizer  NormalizerConfig `yaml:"normalizer"`
	Defaults    VoiceDefaults    `yaml:"defaults"`
	Engines     EnginesConfig    `yaml:"engines"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type DiscordConfig struct {
	Token          string `yaml:"token"`
	SelfDeaf       bool   `yaml:"self_deaf"`
	AutoLeave      bool   `yaml:"auto_leave"`
	JoinAttempts   int    `yaml:"join_attempts"`
	FFmpegPath     string `yaml:"ffmpeg_path"`
	FrameBitrate   int    `yaml:"opus_bitrate"`
	RegisterGlobal bool   `yaml:"register_global_commands"`
}

type StoreConfig struct {
	Path           string `yaml:"path"`
	JournalMode    string `yaml:"journal_mode"`
	RetentionDays  int    `yaml:"retention_days"`
	MaxUtterances  int    `yaml:"max_utterances"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
	PreferenceSize int    `yaml:"preference_cache_size"`
}

type PlaybackConfig struct {
	QueueLimit         int    `yaml:"queue_limit"`
	OverflowPolicy     string `yaml:"overflow_policy"`
	SynthesisTimeoutMS int    `yaml:"synthesis_timeout_ms"`
	TeardownTimeoutMS  int    `yaml:"teardown_timeout_ms"`
	PollIntervalMS     int    `yaml:"poll_interval_ms"`
}

type NormalizerConfig struct {
	URLPlaceholder string `yaml:"url_placeholder"`
}

// VoiceDefaults apply to users without a stored preference.
type VoiceDefaults struct {
	Engine string  `yaml:"engine"`
	Voice  string  `yaml:"voice"`
	Speed  float64 `yaml:"speed"`
}

type EnginesConfig struct {
	AquesTalk1     AquesTalk1Config `yaml:"aquestalk1"`
	AquesTalk2     AquesTalk2Config `yaml:"aquestalk2"`
	Kanji2Koe      Kanji2KoeConfig  `yaml:"kanji2koe"`
	Voicevox       CoreConfig       `yaml:"voicevox"`
	Sharevox       CoreConfig       `yaml:"sharevox"`
	AivisSpeech    RemoteConfig     `yaml:"aivisspeech"`
	VoicevoxEngine RemoteConfig     `yaml:"voicevox_engine"`
	Exec           ExecConfig       `yaml:"exec"`
	Mock           MockConfig       `yaml:"mock"`
}

// AquesTalk1Config points at lib/<voice>/libAquesTalk.so files.
// UsrKey, when set, is applied to each voice library after it loads.
type AquesTalk1Config struct {
	Enabled    bool   `yaml:"enabled"`
	LibraryDir string `yaml:"library_dir"`
	UsrKey     string `yaml:"usr_key"`
}

type AquesTalk2Config struct {
	Enabled     bool   `yaml:"enabled"`
	LibraryPath string `yaml:"library_path"`
	PhontDir    string `yaml:"phont_dir"`
	UsrKey      string `yaml:"usr_key"`
}

type Kanji2KoeConfig struct {
	LibraryPath   string `yaml:"library_path"`
	DictionaryDir string `yaml:"dictionary_dir"`
	DevKey        string `yaml:"dev_key"`
}

// CoreConfig describes a voicevox_core compatible local model runtime.
type CoreConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CoreLibrary     string `yaml:"core_library"`
	OnnxruntimePath string `yaml:"onnxruntime_path"`
	DictionaryDir   string `yaml:"dictionary_dir"`
	ModelDir        string `yaml:"model_dir"`
	CPUThreads      int    `yaml:"cpu_threads"`
}

type RemoteConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type ExecConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

type MockConfig struct {
	Enabled    bool `yaml:"enabled"`
	SampleRate int  `yaml:"sample_rate"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicerelay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Discord: DiscordConfig{
			SelfDeaf:     true,
			AutoLeave:    true,
			JoinAttempts: 3,
			FFmpegPath:   "ffmpeg",
			FrameBitrate: 64000,
		},
		Store: StoreConfig{
			Path:           "./data/voicerelay.db",
			JournalMode:    "persistent",
			RetentionDays:  7,
			MaxUtterances:  50000,
			PreferenceSize: 4096,
		},
		Playback: PlaybackConfig{
			QueueLimit:         64,
			OverflowPolicy:     "drop_oldest",
			SynthesisTimeoutMS: 30000,
			TeardownTimeoutMS:  15000,
			PollIntervalMS:     100,
		},
		Normalizer: NormalizerConfig{
			URLPlaceholder: "URL省略",
		},
		Defaults: VoiceDefaults{
			Engine: "aquestalk1",
			Voice:  "f1",
			Speed:  100,
		},
		Engines: EnginesConfig{
			AquesTalk1: AquesTalk1Config{
				Enabled:    true,
				LibraryDir: "./AquesTalk1/lib",
			},
			AquesTalk2: AquesTalk2Config{
				LibraryPath: "./AquesTalk2/lib/libAquesTalk2.so",
				PhontDir:    "./AquesTalk2/phont",
			},
			Kanji2Koe: Kanji2KoeConfig{
				LibraryPath:   "./AqKanji2Koe/lib/libAqKanji2Koe.so",
				DictionaryDir: "./AqKanji2Koe/aq_dic",
			},
			Voicevox: CoreConfig{
				CoreLibrary:     "./voicevox/c_api/lib/libvoicevox_core.so",
				OnnxruntimePath: "./voicevox/onnxruntime/lib/libvoicevox_onnxruntime.so",
				DictionaryDir:   "./voicevox/dict/open_jtalk_dic_utf_8-1.11",
				ModelDir:        "./voicevox/models/vvms",
			},
			Sharevox: CoreConfig{
				CoreLibrary:     "./sharevox/lib/libsharevox_core.so",
				OnnxruntimePath: "./sharevox/lib/libonnxruntime.so",
				DictionaryDir:   "./sharevox/dict/open_jtalk_dic_utf",
				ModelDir:        "./sharevox/models",
			},
			AivisSpeech: RemoteConfig{
				URL:       "http://127.0.0.1:10101",
				TimeoutMS: 30000,
			},
			VoicevoxEngine: RemoteConfig{
				URL:       "http://127.0.0.1:50021",
				TimeoutMS: 30000,
			},
			Mock: MockConfig{
				SampleRate: 16000,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICERELAY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICERELAY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICERELAY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICERELAY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICERELAY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICERELAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICERELAY_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "VOICERELAY_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "VOICERELAY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICERELAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICERELAY_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICERELAY_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICERELAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICERELAY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICERELAY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICERELAY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICERELAY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICERELAY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Discord.Token, "VOICERELAY_DISCORD_TOKEN")
	overrideBool(&cfg.Discord.SelfDeaf, "VOICERELAY_DISCORD_SELF_DEAF")
	overrideBool(&cfg.Discord.AutoLeave, "VOICERELAY_DISCORD_AUTO_LEAVE")
	overrideInt(&cfg.Discord.JoinAttempts, "VOICERELAY_DISCORD_JOIN_ATTEMPTS")
	overrideString(&cfg.Discord.FFmpegPath, "VOICERELAY_DISCORD_FFMPEG_PATH")
	overrideInt(&cfg.Discord.FrameBitrate, "VOICERELAY_DISCORD_OPUS_BITRATE")
	overrideString(&cfg.Store.Path, "VOICERELAY_STORE_PATH")
	overrideString(&cfg.Store.JournalMode, "VOICERELAY_STORE_JOURNAL_MODE")
	overrideInt(&cfg.Store.RetentionDays, "VOICERELAY_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxUtterances, "VOICERELAY_STORE_MAX_UTTERANCES")
	overrideBool(&cfg.Store.VacuumOnStart, "VOICERELAY_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Store.PreferenceSize, "VOICERELAY_STORE_PREFERENCE_CACHE_SIZE")
	overrideInt(&cfg.Playback.QueueLimit, "VOICERELAY_PLAYBACK_QUEUE_LIMIT")
	overrideString(&cfg.Playback.OverflowPolicy, "VOICERELAY_PLAYBACK_OVERFLOW_POLICY")
	overrideInt(&cfg.Playback.SynthesisTimeoutMS, "VOICERELAY_PLAYBACK_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Playback.TeardownTimeoutMS, "VOICERELAY_PLAYBACK_TEARDOWN_TIMEOUT_MS")
	overrideInt(&cfg.Playback.PollIntervalMS, "VOICERELAY_PLAYBACK_POLL_INTERVAL_MS")
	overrideString(&cfg.Normalizer.URLPlaceholder, "VOICERELAY_NORMALIZER_URL_PLACEHOLDER")
	overrideString(&cfg.Defaults.Engine, "VOICERELAY_DEFAULT_ENGINE")
	overrideString(&cfg.Defaults.Voice, "VOICERELAY_DEFAULT_VOICE")
	overrideFloat(&cfg.Defaults.Speed, "VOICERELAY_DEFAULT_SPEED")
	overrideBool(&cfg.Engines.AquesTalk1.Enabled, "VOICERELAY_AQUESTALK1_ENABLED")
	overrideString(&cfg.Engines.AquesTalk1.LibraryDir, "VOICERELAY_AQUESTALK1_LIBRARY_DIR")
	overrideString(&cfg.Engines.AquesTalk1.UsrKey, "VOICERELAY_AQUESTALK1_USR_KEY")
	overrideBool(&cfg.Engines.AquesTalk2.Enabled, "VOICERELAY_AQUESTALK2_ENABLED")
	overrideString(&cfg.Engines.AquesTalk2.LibraryPath, "VOICERELAY_AQUESTALK2_LIBRARY_PATH")
	overrideString(&cfg.Engines.AquesTalk2.PhontDir, "VOICERELAY_AQUESTALK2_PHONT_DIR")
	overrideString(&cfg.Engines.AquesTalk2.UsrKey, "VOICERELAY_AQUESTALK2_USR_KEY")
	overrideString(&cfg.Engines.Kanji2Koe.LibraryPath, "VOICERELAY_KANJI2KOE_LIBRARY_PATH")
	overrideString(&cfg.Engines.Kanji2Koe.DictionaryDir, "VOICERELAY_KANJI2KOE_DICTIONARY_DIR")
	overrideString(&cfg.Engines.Kanji2Koe.DevKey, "VOICERELAY_KANJI2KOE_DEV_KEY")
	overrideCore(&cfg.Engines.Voicevox, "VOICERELAY_VOICEVOX")
	overrideCore(&cfg.Engines.Sharevox, "VOICERELAY_SHAREVOX")
	overrideRemote(&cfg.Engines.AivisSpeech, "VOICERELAY_AIVISSPEECH")
	overrideRemote(&cfg.Engines.VoicevoxEngine, "VOICERELAY_VOICEVOX_ENGINE")
	overrideBool(&cfg.Engines.Exec.Enabled, "VOICERELAY_EXEC_ENABLED")
	overrideString(&cfg.Engines.Exec.Command, "VOICERELAY_EXEC_COMMAND")
	overrideBool(&cfg.Engines.Mock.Enabled, "VOICERELAY_MOCK_ENABLED")
	overrideInt(&cfg.Engines.Mock.SampleRate, "VOICERELAY_MOCK_SAMPLE_RATE")
}

func overrideCore(target *CoreConfig, prefix string) {
	overrideBool(&target.Enabled, prefix+"_ENABLED")
	overrideString(&target.CoreLibrary, prefix+"_CORE_LIBRARY")
	overrideString(&target.OnnxruntimePath, prefix+"_ONNXRUNTIME_PATH")
	overrideString(&target.DictionaryDir, prefix+"_DICTIONARY_DIR")
	overrideString(&target.ModelDir, prefix+"_MODEL_DIR")
	overrideInt(&target.CPUThreads, prefix+"_CPU_THREADS")
}

func overrideRemote(target *RemoteConfig, prefix string) {
	overrideBool(&target.Enabled, prefix+"_ENABLED")
	overrideString(&target.URL, prefix+"_URL")
	overrideInt(&target.TimeoutMS, prefix+"_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Discord.JoinAttempts <= 0 {
		return errors.New("discord.join_attempts must be >= 1")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.JournalMode {
	case "off", "persistent":
	default:
		return errors.New("store.journal_mode must be one of off|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Playback.QueueLimit < 0 {
		return errors.New("playback.queue_limit must be >= 0")
	}
	switch cfg.Playback.OverflowPolicy {
	case "drop_oldest", "reject_newest":
	default:
		return errors.New("playback.overflow_policy must be one of drop_oldest|reject_newest")
	}
	if cfg.Playback.SynthesisTimeoutMS <= 0 {
		return errors.New("playback.synthesis_timeout_ms must be positive")
	}
	if cfg.Playback.TeardownTimeoutMS <= 0 {
		return errors.New("playback.teardown_timeout_ms must be positive")
	}
	if cfg.Playback.PollIntervalMS <= 0 {
		return errors.New("playback.poll_interval_ms must be positive")
	}
	if cfg.Defaults.Engine == "" {
		return errors.New("defaults.engine must not be empty")
	}
	if cfg.Engines.AquesTalk1.Enabled && cfg.Engines.AquesTalk1.LibraryDir == "" {
		return errors.New("engines.aquestalk1.library_dir must be set when enabled")
	}
	if cfg.Engines.AquesTalk2.Enabled && (cfg.Engines.AquesTalk2.LibraryPath == "" || cfg.Engines.AquesTalk2.PhontDir == "") {
		return errors.New("engines.aquestalk2.library_path and phont_dir must be set when enabled")
	}
	if (cfg.Engines.AquesTalk1.Enabled || cfg.Engines.AquesTalk2.Enabled) && cfg.Engines.Kanji2Koe.LibraryPath == "" {
		return errors.New("engines.kanji2koe.library_path must be set when an aquestalk engine is enabled")
	}
	for name, core := range map[string]CoreConfig{"voicevox": cfg.Engines.Voicevox, "sharevox": cfg.Engines.Sharevox} {
		if core.Enabled && (core.CoreLibrary == "" || core.ModelDir == "" || core.DictionaryDir == "") {
			return fmt.Errorf("engines.%s.core_library, dictionary_dir and model_dir must be set when enabled", name)
		}
	}
	for name, remote := range map[string]RemoteConfig{"aivisspeech": cfg.Engines.AivisSpeech, "voicevox_engine": cfg.Engines.VoicevoxEngine} {
		if remote.Enabled && remote.URL == "" {
			return fmt.Errorf("engines.%s.url must be set when enabled", name)
		}
	}
	if cfg.Engines.Exec.Enabled && cfg.Engines.Exec.Command == "" {
		return errors.New("engines.exec.command must be set when enabled")
	}
	if cfg.Engines.Mock.Enabled && cfg.Engines.Mock.SampleRate <= 0 {
		return errors.New("engines.mock.sample_rate must be positive")
	}
	return nil
}
