package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/groupsend/internal/api"
	"github.com/foxzi/groupsend/internal/batch"
	"github.com/foxzi/groupsend/internal/config"
	"github.com/foxzi/groupsend/internal/connection"
	"github.com/foxzi/groupsend/internal/dispatch"
	"github.com/foxzi/groupsend/internal/dkim"
	"github.com/foxzi/groupsend/internal/events"
	"github.com/foxzi/groupsend/internal/ipfilter"
	"github.com/foxzi/groupsend/internal/metrics"
	"github.com/foxzi/groupsend/internal/notify"
	"github.com/foxzi/groupsend/internal/ratelimit"
	"github.com/foxzi/groupsend/internal/relay"
	"github.com/foxzi/groupsend/internal/scheduler"
	"github.com/foxzi/groupsend/internal/session"
	"github.com/foxzi/groupsend/internal/store"
	apiTLS "github.com/foxzi/groupsend/internal/tls"
	"github.com/foxzi/groupsend/internal/whatsapp"
)

// shutdownGrace is used when the configured timeout is unset
const shutdownGrace = 30 * time.Second

// App is the main application
type App struct {
	config      *config.Config
	version     string
	logger      *slog.Logger
	store       *store.BoltStore
	rateLimiter *ratelimit.Limiter
	bus         *events.Bus
	client      *whatsapp.Client
	tracker     *connection.Tracker
	gate        *scheduler.Gate
	notifier    *notify.Notifier
	apiServer   *api.Server
	tlsConfig   *tls.Config
	acmeManager *apiTLS.ACMEManager
	acmeServer  *http.Server

	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	loc, err := cfg.Dispatch.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	boltStore, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{
		config:  cfg,
		version: version,
		logger:  logger,
		store:   boltStore,
		bus:     events.NewBus(),
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)
	}

	if cfg.RateLimit.Enabled {
		rlConfig := &ratelimit.Config{FlushInterval: cfg.RateLimit.FlushInterval}
		if cfg.RateLimit.Global != nil {
			rlConfig.Global = &ratelimit.LimitConfig{
				MessagesPerHour: cfg.RateLimit.Global.MessagesPerHour,
				MessagesPerDay:  cfg.RateLimit.Global.MessagesPerDay,
			}
		}
		if cfg.RateLimit.PerRecipient != nil {
			rlConfig.PerRecipient = &ratelimit.LimitConfig{
				MessagesPerHour: cfg.RateLimit.PerRecipient.MessagesPerHour,
				MessagesPerDay:  cfg.RateLimit.PerRecipient.MessagesPerDay,
			}
		}

		a.rateLimiter, err = ratelimit.NewLimiter(boltStore.DB(), rlConfig)
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		logger.Info("rate limiting enabled")
	}

	a.client, err = whatsapp.Open(context.Background(), whatsapp.Options{
		StorePath:  cfg.WhatsApp.StorePath,
		DeviceName: cfg.WhatsApp.DeviceName,
		Logger:     logger,
	})
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("failed to open chat session: %w", err)
	}

	a.tracker = connection.NewTracker(a.bus, connection.Options{
		Reconnect:      a.client.Connect,
		ReconnectDelay: cfg.WhatsApp.ReconnectDelay,
		Logger:         logger.With("component", "connection"),
	})

	dispatcher := dispatch.New(a.client, a.bus, dispatch.Config{
		SendDelay:        cfg.Dispatch.SendDelay,
		CaptionSeparator: cfg.Dispatch.CaptionSeparator,
	}, logger.With("component", "dispatch"))
	if a.rateLimiter != nil {
		dispatcher.SetQuota(a.rateLimiter)
	}

	a.gate, err = scheduler.New(dispatcher, boltStore, logger.With("component", "scheduler"))
	if err != nil {
		a.client.Close()
		a.closeStore()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	a.gate.SetReadiness(a.tracker)

	if cfg.Notify.Enabled {
		if a.notifier, err = newNotifier(cfg, logger); err != nil {
			a.client.Close()
			a.closeStore()
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		a.metricsServer = metrics.NewServer(
			a.metrics,
			cfg.Metrics.ListenAddr,
			cfg.Metrics.Path,
			ipfilter.New(cfg.Metrics.AllowedIPs, logger),
			logger.With("component", "metrics"),
		)
		a.collector = metrics.NewCollector(a.metrics, a.gate, cfg.Storage.Path, cfg.Metrics.CollectInterval)
	}

	tlsCfg := cfg.API.TLS
	if tlsCfg.ACME.Enabled {
		a.acmeManager = apiTLS.NewACMEManager(tlsCfg.ACME.Email, tlsCfg.ACME.Domains, tlsCfg.ACME.CacheDir)
		a.tlsConfig = a.acmeManager.TLSConfig()
		logger.Info("ACME (Let's Encrypt) enabled", "domains", tlsCfg.ACME.Domains)
	} else if tlsCfg.CertFile != "" {
		a.tlsConfig, err = apiTLS.LoadCertificate(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			a.client.Close()
			a.closeStore()
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		logger.Info("TLS enabled with manual certificates")
	}

	var filter *ipfilter.Filter
	if len(cfg.API.AllowedIPs) > 0 {
		filter = ipfilter.New(cfg.API.AllowedIPs, logger.With("component", "ipfilter"))
		logger.Info("API IP filtering enabled", "allowed_networks", filter.Count())
	}

	a.apiServer = api.NewServer(&cfg.API, cfg.WhatsApp.GroupsCacheTTL, api.Deps{
		Conn:      a.tracker,
		Groups:    a.client,
		Gate:      a.gate,
		Bus:       a.bus,
		Validator: batch.NewValidator(loc),
		Location:  loc,
		Filter:    filter,
		Version:   version,
	}, logger)

	return a, nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (*notify.Notifier, error) {
	n := cfg.Notify

	statuses := make([]events.Status, 0, len(n.Statuses))
	for _, s := range n.Statuses {
		statuses = append(statuses, events.Status(s))
	}

	notifier := notify.New(&notify.SMTPMailer{
		Addr:     n.SMTPAddr,
		Username: n.Username,
		Password: n.Password,
		Hostname: cfg.Server.Hostname,
		Timeout:  n.Timeout,
		StartTLS: n.TLSMode == "starttls",
	}, notify.Config{
		From:          n.From,
		To:            n.To,
		Statuses:      statuses,
		SubjectPrefix: n.SubjectPrefix,
		RatePerMinute: n.RatePerMinute,
		Hostname:      cfg.Server.Hostname,
		Timeout:       n.Timeout,
	}, logger)

	if n.DKIM.Enabled {
		signer, err := dkim.NewSignerFromFile(n.DKIM.KeyFile, n.DKIM.Domain, n.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		notifier.SetSigner(signer)
		logger.Info("DKIM signing enabled", "domain", n.DKIM.Domain, "selector", n.DKIM.Selector)
	}

	logger.Info("email notifications enabled", "to", n.To, "statuses", n.Statuses)
	return notifier, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting groupsend",
		"version", a.version,
		"api_addr", a.config.API.ListenAddr,
		"tls", a.tlsConfig != nil,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var publisher *relay.Publisher
	if a.config.Relay.Enabled {
		r := a.config.Relay
		var err error
		publisher, err = relay.Dial(ctx, relay.Options{
			URL:           r.URL,
			Exchange:      r.Exchange,
			RoutingPrefix: r.RoutingPrefix,
			MaxRetries:    r.MaxRetries,
			RetryDelay:    r.RetryDelay,
		}, a.logger)
		if err != nil {
			a.logger.Error("failed to start event relay", "error", err)
			a.release(nil)
			return fmt.Errorf("failed to start event relay: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// Consumers subscribe before anything can publish.
	if a.notifier != nil {
		ch, unsubscribe := a.bus.Subscribe(64)
		g.Go(func() error {
			defer unsubscribe()
			a.notifier.Run(gctx, ch)
			return nil
		})
	}
	if publisher != nil {
		ch, unsubscribe := a.bus.Subscribe(a.config.Relay.BufferSize)
		g.Go(func() error {
			defer unsubscribe()
			publisher.Run(gctx, ch)
			return nil
		})
	}

	g.Go(func() error {
		a.tracker.Run(gctx, a.client.Signals())
		return nil
	})

	a.gate.Start(gctx)
	restored, err := a.gate.Restore(gctx)
	if err != nil {
		a.logger.Error("failed to restore scheduled batches", "error", err)
	} else if restored > 0 {
		a.logger.Info("scheduled batches restored", "count", restored)
	}

	if a.collector != nil {
		a.collector.Start(gctx)
	}

	if err := a.client.Connect(gctx); err != nil {
		a.logger.Warn("initial connect failed", "error", err)
		a.tracker.Handle(gctx, session.Signal{Kind: session.SignalDisconnected, Reason: err.Error()})
	}

	g.Go(func() error {
		if err := a.apiServer.ListenAndServe(a.tlsConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if a.metricsServer != nil {
		g.Go(func() error {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// HTTP-01 challenges; everything else is redirected to HTTPS
	if a.acmeManager != nil {
		addr := a.config.API.TLS.ACME.ChallengeAddr
		a.acmeServer = &http.Server{
			Addr: addr,
			Handler: a.acmeManager.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				target := "https://" + r.Host + r.URL.Path
				if r.URL.RawQuery != "" {
					target += "?" + r.URL.RawQuery
				}
				http.Redirect(w, r, target, http.StatusMovedPermanently)
			})),
		}
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", addr)
			if err := a.acmeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	// Servers only return on failure; shut everything down once gctx ends.
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			a.logger.Info("shutdown signal received")
		}
		a.shutdownServers()
		return nil
	})

	err = g.Wait()
	if err != nil {
		a.logger.Error("server error", "error", err)
	}

	a.release(publisher)
	return err
}

// shutdownServers stops accepting HTTP traffic
func (a *App) shutdownServers() {
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = shutdownGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.apiServer.Shutdown(ctx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.acmeServer != nil {
		if err := a.acmeServer.Shutdown(ctx); err != nil {
			a.logger.Error("acme server shutdown error", "error", err)
		}
	}
}

// release stops background work and closes every resource. Dispatches in
// flight see a cancelled context and stop between sends.
func (a *App) release(publisher *relay.Publisher) {
	a.logger.Info("shutting down")

	if err := a.gate.Stop(); err != nil {
		a.logger.Error("scheduler stop error", "error", err)
	}

	if a.collector != nil {
		a.collector.Stop()
	}

	if err := a.client.Close(); err != nil {
		a.logger.Error("chat session close error", "error", err)
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			a.logger.Error("relay close error", "error", err)
		}
	}

	a.closeStore()
	a.logger.Info("shutdown complete")
}

func (a *App) closeStore() {
	// Persists counters, so it must run before the database closes.
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
