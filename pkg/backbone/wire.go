//go:build wireinject
// +build wireinject

package backbone

import (
	"context"

	"github.com/google/wire"

	"github.com/narwhalmedia/backbone/pkg/config"
	"github.com/narwhalmedia/backbone/pkg/eventstore"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
	"github.com/narwhalmedia/backbone/pkg/logger"
)

// InitializeRuntime wires a runtime from cfg.
func InitializeRuntime(ctx context.Context, cfg *config.Config) (*Runtime, func(), error) {
	wire.Build(
		// Logging
		ProvideLogger,
		ProvideZap,
		wire.Bind(new(interfaces.Logger), new(*logger.ZapLogger)),

		// Configuration
		wire.Bind(new(config.Provider), new(*config.Config)),

		// Metrics
		ProvidePrometheus,
		ProvideMetrics,

		// Event store
		NewStore,
		wire.Bind(new(interfaces.EventStore), new(*eventstore.Store)),

		// Transport
		NewTransport,

		// Event bus
		ProvideRegistry,
		ProvideDispatcher,
		ProvideBus,

		// Runtime
		wire.Struct(new(Runtime), "*"),
	)

	return nil, nil, nil
}
