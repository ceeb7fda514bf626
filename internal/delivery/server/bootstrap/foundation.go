package bootstrap

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/config"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
	id "github.com/walkerhughes/agent-sandboxing/internal/shared/utils/id"
)

// Foundation is the process-wide infrastructure every service is built on.
type Foundation struct {
	Config   config.Config
	Backend  *observability.Logger
	Logger   logging.Logger
	Tracer   *observability.TracerProvider
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Degraded *DegradedComponents

	cleanups []func(context.Context) error
}

// BootstrapFoundation configures logging, tracing and metrics. Tracing is
// optional: when its exporter cannot be built the process runs untraced.
func BootstrapFoundation(ctx context.Context, cfg config.Config, logOutput io.Writer) (*Foundation, error) {
	f := &Foundation{
		Config:   cfg,
		Tracer:   observability.NoopTracer(),
		Degraded: NewDegradedComponents(),
	}

	f.Backend = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: logOutput,
	})
	logging.Configure(f.Backend)
	f.Logger = logging.NewComponentLogger("Bootstrap")

	stages := []Stage{
		{
			Name: "ids", Required: true,
			Init: func() error {
				strategy, err := id.ParseStrategy(cfg.IDs.Strategy)
				if err != nil {
					return err
				}
				id.SetStrategy(strategy)
				return nil
			},
		},
		{
			Name: "metrics", Required: true,
			Init: func() error {
				f.Registry = prometheus.NewRegistry()
				f.Registry.MustRegister(
					collectors.NewGoCollector(),
					collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
				)
				f.Metrics = observability.MustNewMetrics(f.Registry)
				return nil
			},
		},
		{
			Name: "tracing", Required: false,
			Init: func() error {
				tracer, err := observability.NewTracerProvider(ctx, cfg.Tracing)
				if err != nil {
					return err
				}
				f.Tracer = tracer
				f.addCleanup(tracer.Shutdown)
				return nil
			},
		},
	}
	if err := RunStages(stages, f.Degraded, f.Logger); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Foundation) addCleanup(fn func(context.Context) error) {
	f.cleanups = append(f.cleanups, fn)
}

// Cleanup runs registered cleanups in reverse order.
func (f *Foundation) Cleanup(ctx context.Context) error {
	var errs []error
	for i := len(f.cleanups) - 1; i >= 0; i-- {
		if err := f.cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	f.cleanups = nil
	return errors.Join(errs...)
}

func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
