package backbone

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/narwhalmedia/backbone/pkg/config"
	"github.com/narwhalmedia/backbone/pkg/eventbus"
	"github.com/narwhalmedia/backbone/pkg/eventstore"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
	"github.com/narwhalmedia/backbone/pkg/logger"
)

// Runtime holds a fully wired event bus and everything it depends on.
type Runtime struct {
	Config     *config.Config
	Logger     *logger.ZapLogger
	Store      *eventstore.Store
	Transport  interfaces.Transport
	Registry   *eventbus.Registry
	Dispatcher *eventbus.Dispatcher
	Bus        *eventbus.Bus
	Metrics    *eventbus.Metrics
	Prometheus *prometheus.Registry
}

type healthChecker interface {
	Health(ctx context.Context) error
}

// Health pings the broker when the transport supports it.
func (r *Runtime) Health(ctx context.Context) error {
	if h, ok := r.Transport.(healthChecker); ok {
		return h.Health(ctx)
	}
	return nil
}

// Shutdown closes the bus, draining in-flight handlers, then the store.
func (r *Runtime) Shutdown(ctx context.Context) error {
	busErr := r.Bus.Close(ctx)
	storeErr := r.Store.Close()
	return errors.Join(busErr, storeErr)
}

// ProvideLogger builds the root logger from cfg.Logger.
func ProvideLogger(cfg *config.Config) (*logger.ZapLogger, func(), error) {
	lc := cfg.Logger
	zl, err := lc.Build()
	if err != nil {
		return nil, nil, err
	}
	l := logger.NewFromZap(zl.Zap().With(zap.String("service", cfg.Service.Name)))
	return l, func() { _ = l.Sync() }, nil
}

// ProvideZap exposes the zap logger that infrastructure clients take.
func ProvideZap(l *logger.ZapLogger) *zap.Logger {
	return l.Zap()
}

// ProvidePrometheus creates the registry /metrics is served from.
func ProvidePrometheus() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics returns nil when metrics are disabled.
func ProvideMetrics(cfg *config.Config, reg *prometheus.Registry) (*eventbus.Metrics, error) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}
	return eventbus.NewMetrics(cfg.Metrics.Namespace, reg)
}

// ProvideRegistry creates a handler registry with the configured default policy.
func ProvideRegistry(cfg config.Provider) *eventbus.Registry {
	return eventbus.NewRegistry(cfg.RetryDefaults())
}

// ProvideDispatcher creates the dispatcher the bus delivers to.
func ProvideDispatcher(cfg *config.Config, registry *eventbus.Registry, store interfaces.EventStore, log interfaces.Logger, metrics *eventbus.Metrics) *eventbus.Dispatcher {
	return eventbus.NewDispatcher(registry, store, log,
		eventbus.WithDrainTimeout(cfg.Dispatcher.DrainTimeout),
		eventbus.WithErrorBuffer(cfg.Dispatcher.ErrorBuffer),
		eventbus.WithMetrics(metrics),
	)
}

// ProvideBus creates the event bus.
func ProvideBus(cfg *config.Config, transport interfaces.Transport, store interfaces.EventStore, registry *eventbus.Registry, dispatcher *eventbus.Dispatcher, log interfaces.Logger, metrics *eventbus.Metrics) *eventbus.Bus {
	return eventbus.NewBus(transport, store, registry, dispatcher, log,
		eventbus.WithPublishRetry(cfg.Broker.PublishRetry.Policy()),
		eventbus.WithBusMetrics(metrics),
	)
}
