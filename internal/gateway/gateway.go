// Package gateway wires configuration into a running bot: channels, the
// conversation engine, housekeeping jobs and the HTTP endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/channel"
	"github.com/stellarlinkco/platebot/internal/config"
	"github.com/stellarlinkco/platebot/internal/cron"
	"github.com/stellarlinkco/platebot/internal/dedup"
	"github.com/stellarlinkco/platebot/internal/engine"
	"github.com/stellarlinkco/platebot/internal/journal"
	"github.com/stellarlinkco/platebot/internal/logging"
	"github.com/stellarlinkco/platebot/internal/messages"
	"github.com/stellarlinkco/platebot/internal/nutrition"
	"github.com/stellarlinkco/platebot/internal/session"
	"github.com/stellarlinkco/platebot/internal/vision"
)

const (
	dedupSweepEvery   = time.Minute
	sessionSweepEvery = 5 * time.Minute
	mediaSweepEvery   = time.Minute
	mediaMaxAge       = 10 * time.Minute
	cachePurgeSpec    = "0 0 4 * * *"
	maxActive         = 64
)

// Options for creating a Gateway. Zero values select the production
// implementations built from config.
type Options struct {
	Logger     *zerolog.Logger
	Channels   []channel.Channel
	Vision     engine.VisionAnalyzer
	Lookup     nutrition.Lookup
	SignalChan chan os.Signal // for testing
}

type Gateway struct {
	cfg        *config.Config
	log        zerolog.Logger
	bus        *bus.MessageBus
	channels   *channel.ChannelManager
	engine     *engine.Engine
	dispatcher *Dispatcher
	store      *journal.Store
	cache      *nutrition.Cache
	cron       *cron.Service
	server     *http.Server
	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}
	if opts.Logger != nil {
		g.log = *opts.Logger
	} else {
		g.log = logging.New(cfg.Logging, nil)
	}
	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	store, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return nil, fmt.Errorf("open data store: %w", err)
	}
	g.store = store

	lookup := opts.Lookup
	if lookup == nil {
		lookup = nutrition.NewUSDAClient(cfg.Nutrition.USDAAPIKey, cfg.Nutrition.BaseURL, nil)
	}
	lookupTimeout := config.Duration(cfg.Timeouts.Lookup, config.DefaultLookupTimeout)
	g.cache, err = nutrition.NewCache(store.DB(), lookup,
		config.Duration(cfg.Nutrition.CacheTTL, config.DefaultNutrientTTL),
		nutrition.WithFetchTimeout(lookupTimeout))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pipeline := nutrition.NewPipeline(g.cache,
		nutrition.WithLookupTimeout(lookupTimeout),
		nutrition.WithMaxParallel(cfg.Nutrition.MaxParallelLookups),
		nutrition.WithLogger(logging.Component(g.log, "nutrition")),
	)

	analyzer := opts.Vision
	if analyzer == nil {
		analyzer = vision.NewAnalyzer(vision.NewProvider(cfg.Provider),
			vision.WithLogger(logging.Component(g.log, "vision")),
			vision.WithMaxTokens(cfg.Provider.MaxTokens),
		)
	}

	catalog, err := messages.Load(cfg.Conversation.MessagesFile, cfg.Conversation.Locale)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if opts.Channels != nil {
		g.channels = channel.NewChannelManagerWith(g.bus, cfg.Conversation.ListRowLimit, g.log, opts.Channels...)
	} else {
		g.channels, err = channel.NewChannelManager(*cfg, g.bus, g.log)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create channel manager: %w", err)
		}
	}

	deps := engine.Deps{
		Dedup:     dedup.New(config.Duration(cfg.Conversation.DedupWindow, config.DefaultDedupWindow)),
		Sessions:  session.NewStore(),
		Transport: g.channels,
		Media:     g.channels,
		Vision:    analyzer,
		Enricher:  pipeline,
		Messages:  catalog,
	}
	if cfg.Journal.Enabled {
		deps.Journal = store
	}
	g.engine = engine.New(deps, engine.Options{
		Timeouts: engine.Timeouts{
			Media:  config.Duration(cfg.Timeouts.Media, config.DefaultMediaTimeout),
			Vision: config.Duration(cfg.Timeouts.Vision, config.DefaultVisionTimeout),
			Send:   config.Duration(cfg.Timeouts.Send, config.DefaultSendTimeout),
		},
		ListRowLimit: cfg.Conversation.ListRowLimit,
		Logger:       logging.Component(g.log, "engine"),
	})
	g.dispatcher = NewDispatcher(g.engine, maxActive, logging.Component(g.log, "dispatch"))

	g.cron = cron.NewService(g.log)
	if err := g.registerHousekeeping(); err != nil {
		_ = store.Close()
		return nil, err
	}

	g.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           NewHTTPHandler(g.engine, logging.Component(g.log, "http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

func (g *Gateway) registerHousekeeping() error {
	sessionTTL := config.Duration(g.cfg.Conversation.SessionTTL, config.DefaultSessionTTL)
	jobs := []struct {
		name, schedule string
		run            cron.JobFunc
	}{
		{"dedup-sweep", cron.Every(dedupSweepEvery), func(context.Context) (string, error) {
			return fmt.Sprintf("evicted %d", g.engine.Dedup().Sweep()), nil
		}},
		{"session-sweep", cron.Every(sessionSweepEvery), func(context.Context) (string, error) {
			return fmt.Sprintf("expired %d", g.engine.Sessions().Sweep(sessionTTL)), nil
		}},
		{"media-sweep", cron.Every(mediaSweepEvery), func(context.Context) (string, error) {
			return fmt.Sprintf("dropped %d", g.channels.SweepMedia(mediaMaxAge)), nil
		}},
		{"nutrient-cache-purge", cachePurgeSpec, func(ctx context.Context) (string, error) {
			n, err := g.cache.Purge(ctx)
			return fmt.Sprintf("purged %d", n), err
		}},
	}
	for _, j := range jobs {
		if err := g.cron.AddJob(j.name, j.schedule, j.run); err != nil {
			return fmt.Errorf("register %s: %w", j.name, err)
		}
	}
	return nil
}

// Engine exposes the conversation engine, e.g. for one-shot analysis.
func (g *Gateway) Engine() *engine.Engine { return g.engine }

// Journal exposes the meal journal store.
func (g *Gateway) Journal() *journal.Store { return g.store }

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if err := g.cron.Start(ctx); err != nil {
		g.log.Warn().Err(err).Msg("cron start failed")
	}

	go g.dispatcher.Run(ctx, g.bus.Inbound)

	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("listen %s: %w", g.server.Addr, err)
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error().Err(err).Msg("http server error")
		}
	}()
	g.log.Info().Str("addr", ln.Addr().String()).Msg("gateway running")

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.log.Info().Msg("shutting down")
	cancel()
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if g.server != nil {
		_ = g.server.Shutdown(shutdownCtx)
	}
	_ = g.channels.StopAll()
	g.cron.Stop()
	g.dispatcher.Close()
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.log.Warn().Err(err).Msg("close data store failed")
		}
	}
	g.log.Info().Msg("shutdown complete")
	return nil
}
