package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/walkerhughes/agent-sandboxing/internal/app/delivery"
	"github.com/walkerhughes/agent-sandboxing/internal/app/orchestrator"
	"github.com/walkerhughes/agent-sandboxing/internal/app/session"
	"github.com/walkerhughes/agent-sandboxing/internal/app/webhook"
	serverHTTP "github.com/walkerhughes/agent-sandboxing/internal/delivery/server/http"
	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/worker"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/config"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

const correlatorCacheSize = 1024

// Server is a fully wired agentd process.
type Server struct {
	foundation   *Foundation
	store        task.Store
	closeStore   func()
	orchestrator *orchestrator.Orchestrator
	router       *serverHTTP.Router
	http         *http.Server
	logger       logging.Logger
}

// Option customises Build.
type Option func(*buildOptions)

type buildOptions struct {
	spawner task.Spawner
}

// WithSpawner replaces the HTTP worker client.
func WithSpawner(s task.Spawner) Option {
	return func(o *buildOptions) { o.spawner = s }
}

// Build wires the store, the worker client, the orchestrator, the webhook
// ingestor, the observer source and the router.
func Build(ctx context.Context, f *Foundation, opts ...Option) (*Server, error) {
	var bo buildOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&bo)
		}
	}
	cfg := f.Config
	s := &Server{foundation: f, logger: f.Logger, closeStore: func() {}}

	var (
		correlator *session.Correlator
		spawner    = bo.spawner
		hub        *delivery.Hub
		source     delivery.Source
		ingestor   *webhook.Ingestor
	)
	stages := []Stage{
		{
			Name: "store", Required: true,
			Init: func() error {
				store, closeStore, err := OpenStore(ctx, cfg.Store, logging.NewComponentLogger("Store"))
				if err != nil {
					return err
				}
				s.store, s.closeStore = store, closeStore
				return nil
			},
		},
		{
			Name: "session-correlator", Required: true,
			Init: func() (err error) {
				correlator, err = session.NewCorrelator(s.store, correlatorCacheSize)
				return err
			},
		},
		{
			Name: "worker-client", Required: true,
			Init: func() error {
				if spawner != nil {
					return nil
				}
				client, err := worker.NewClient(worker.Config{
					SpawnURL:  cfg.Worker.SpawnURL,
					CancelURL: cfg.Worker.CancelURL,
					Token:     cfg.Worker.Token,
					Timeout:   cfg.Worker.SpawnTimeout,
				}, worker.WithLogger(logging.NewComponentLogger("Worker")))
				if err != nil {
					return err
				}
				spawner = client
				return nil
			},
		},
		{
			Name: "delivery", Required: true,
			Init: func() error {
				switch cfg.Delivery.Mode {
				case config.DeliveryPoll:
					source = delivery.NewPoller(s.store, cfg.Delivery.PollInterval, delivery.WithPollMetrics(f.Metrics))
				default:
					hub = delivery.NewHub(s.store, delivery.WithHubMetrics(f.Metrics))
					source = hub
				}
				return nil
			},
		},
		{
			Name: "orchestrator", Required: true,
			Init: func() error {
				orchOpts := []orchestrator.Option{
					orchestrator.WithMetrics(f.Metrics),
					orchestrator.WithTracer(f.Tracer),
					orchestrator.WithLogger(logging.NewComponentLogger("Orchestrator")),
				}
				if hub != nil {
					orchOpts = append(orchOpts, orchestrator.WithNotifier(hub))
				}
				orch, err := orchestrator.New(s.store, spawner, correlator, orchestrator.Config{
					CallbackURL:  cfg.Worker.CallbackURL,
					SpawnTimeout: cfg.Worker.SpawnTimeout,
				}, orchOpts...)
				if err != nil {
					return err
				}
				s.orchestrator = orch
				return nil
			},
		},
		{
			Name: "webhook-ingestor", Required: true,
			Init: func() (err error) {
				ingestor, err = webhook.NewIngestor(webhook.Config{
					Secret:          cfg.Webhook.Secret,
					ReplayCacheSize: cfg.Webhook.ReplayCacheSize,
					ReplayWindow:    cfg.Webhook.ReplayWindow,
				}, s.orchestrator, webhook.WithMetrics(f.Metrics), webhook.WithTracer(f.Tracer))
				return err
			},
		},
		{
			Name: "router", Required: true,
			Init: func() (err error) {
				s.router, err = serverHTTP.NewRouter(serverHTTP.Config{
					AllowedOrigins: cfg.CORS.AllowedOrigins,
					RateLimit: serverHTTP.RateLimitConfig{
						RPS:   cfg.RateLimit.RPS,
						Burst: cfg.RateLimit.Burst,
					},
					Heartbeat: cfg.Delivery.Heartbeat,
				}, serverHTTP.Deps{
					Tasks:    s.orchestrator,
					Webhooks: ingestor,
					Streams:  source,
					Metrics:  f.Metrics,
					Tracer:   f.Tracer,
					Gatherer: f.Registry,
					Logger:   logging.NewComponentLogger("HTTP"),
				})
				return err
			},
		},
	}
	if err := RunStages(stages, f.Degraded, f.Logger); err != nil {
		s.closeStore()
		return nil, err
	}

	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.router.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	return s, nil
}

// Handler is the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ApplyConfig applies the settings that can change without a restart.
func (s *Server) ApplyConfig(cfg config.Config) {
	s.foundation.Backend.SetLevel(cfg.Log.Level)
	s.router.SetRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	s.logger.Info("[Bootstrap] config reloaded (log level %s, rate limit %.1f rps burst %d)",
		cfg.Log.Level, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
}

// Serve accepts connections on ln until ctx ends, then shuts down
// gracefully: in-flight requests finish, background spawns drain and the
// store closes.
func (s *Server) Serve(ctx context.Context, ln net.Listener, watcher *config.Watcher) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("[Bootstrap] listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	if watcher != nil {
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				s.logger.Warn("[Bootstrap] config hot reload disabled: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	if !s.foundation.Degraded.IsEmpty() {
		s.logger.Warn("[Bootstrap] running degraded: %v", s.foundation.Degraded.Map())
	}
	return g.Wait()
}

func (s *Server) shutdown() error {
	s.logger.Info("[Bootstrap] shutting down")
	ctx, cancel := shutdownContext(s.foundation.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.orchestrator.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain spawns: %w", err))
	}
	s.closeStore()
	if err := s.foundation.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunServer loads configuration, builds the server and blocks until SIGINT
// or SIGTERM.
func RunServer(ctx context.Context, opts config.Options) error {
	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := BootstrapFoundation(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	srv, err := Build(ctx, f)
	if err != nil {
		_ = f.Cleanup(context.Background())
		return err
	}

	var watcher *config.Watcher
	if opts.Path != "" {
		watcher, err = config.NewWatcher(opts, srv.ApplyConfig, config.WithWatchLogger(logging.NewComponentLogger("ConfigWatcher")))
		if err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = srv.shutdown()
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	return srv.Serve(ctx, ln, watcher)
}
