package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/loqa-voicerelay/internal/bus"
	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/discord"
	"github.com/loqalabs/loqa-voicerelay/internal/natsserver"
	"github.com/loqalabs/loqa-voicerelay/internal/normalize"
	"github.com/loqalabs/loqa-voicerelay/internal/playback"
	"github.com/loqalabs/loqa-voicerelay/internal/prefs"
	"github.com/loqalabs/loqa-voicerelay/internal/protocol"
	"github.com/loqalabs/loqa-voicerelay/internal/relay"
	"github.com/loqalabs/loqa-voicerelay/internal/store"
	"golang.org/x/sync/errgroup"
)

var Version = "0.1.0-dev"

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
	eventRetention  = 24 * time.Hour
)

var errNoVoice = errors.New("discord is not configured")

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool

	store    *store.Store
	engines  *engineSet
	sessions *playback.Registry
	relay    *relay.Service
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	bridge   *relay.Bridge
	bot      *discord.Bot
	metrics  http.Handler
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the relay until ctx is cancelled, then shuts everything down.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.metrics = metricHandler

	runErr := r.run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := r.shutdown(shutdownCtx)
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	if runErr != nil {
		return runErr
	}
	return closeErr
}

func (r *Runtime) run(ctx context.Context) error {
	if err := r.build(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if r.bot != nil {
		if err := r.bot.Open(ctx); err != nil {
			return err
		}
	}
	if r.bridge != nil {
		if err := r.bridge.Start(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.store.RunPruner(ctx, pruneInterval)
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("version", Version))

	g.Go(func() error {
		<-ctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// build opens storage, engines, the bus and the chat gateway.
func (r *Runtime) build(ctx context.Context) error {
	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = st

	engines, err := buildEngines(r.cfg.Engines, r.logger)
	if err != nil {
		return fmt.Errorf("build engines: %w", err)
	}
	r.engines = engines

	defaults := prefs.Preference{Engine: r.cfg.Defaults.Engine, Voice: r.cfg.Defaults.Voice, Speed: r.cfg.Defaults.Speed}
	cache, err := prefs.New(st, engines.registry, defaults, r.cfg.Store.PreferenceSize, r.logger)
	if err != nil {
		return err
	}

	r.sessions = playback.NewRegistry(context.WithoutCancel(ctx), engines.registry, engines.registry, playback.OptionsFromConfig(r.cfg.Playback), r.logger)
	r.sessions.AddObserver(relay.JournalObserver(st, r.logger))

	var voice relay.Voice = noVoice{}
	var session *discordSession
	if r.cfg.Discord.Token != "" {
		session, err = newDiscordSession(r.cfg.Discord, r.logger)
		if err != nil {
			return err
		}
		voice = session.voice
	} else {
		r.logger.Warn("discord token not configured, running without a chat gateway")
	}

	r.relay = relay.New(st, cache, normalize.New(r.cfg.Normalizer.URLPlaceholder), r.sessions, voice, r.logger)
	if err := r.relay.Load(ctx); err != nil {
		return err
	}
	if session != nil {
		r.bot = discord.NewBot(session.session, r.relay, enabledTags(engines.registry), r.cfg.Discord, r.logger)
	}

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	if err := client.EnsurePlaybackStream([]string{protocol.SubjectPlaybackAll}, eventRetention); err != nil {
		r.logger.Warn("playback stream unavailable", slog.String("error", err.Error()))
	}

	r.bridge = relay.NewBridge(client, r.relay, r.logger)
	r.sessions.AddObserver(r.bridge)
	return nil
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var errs []error
	if r.bridge != nil {
		r.bridge.Stop()
	}
	if r.bot != nil {
		if err := r.bot.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close discord: %w", err))
		}
	}
	if r.sessions != nil {
		if err := r.sessions.CloseAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.engines != nil {
		if err := r.engines.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engines: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

type discordSession struct {
	session *discordgo.Session
	voice   *discord.Voice
}

func newDiscordSession(cfg config.DiscordConfig, log *slog.Logger) (*discordSession, error) {
	session, err := discord.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	voice, err := discord.NewVoice(session, cfg, log)
	if err != nil {
		return nil, err
	}
	return &discordSession{session: session, voice: voice}, nil
}

type noVoice struct{}

func (noVoice) Connect(context.Context, string, string) (playback.Sink, error) {
	return nil, errNoVoice
}
