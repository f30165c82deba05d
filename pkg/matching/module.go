package matching

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/matching-engine/pkg/validation"
)

// Module provides the matching service to an fx application. The embedding
// application supplies ServiceConfig, validation.Config, and a *zap.Logger.
var Module = fx.Options(
	fx.Provide(
		newFxValidator,
		newFxEngine,
		newFxService,
	),
)

func newFxValidator(cfg validation.Config) *validation.Validator {
	return validation.NewValidatorWithConfig(cfg)
}

func newFxEngine(cfg ServiceConfig, validator *validation.Validator, logger *zap.Logger) *PartitionedEngine {
	return NewPartitionedEngine(cfg.Engine, validator, logger)
}

func newFxService(lc fx.Lifecycle, cfg ServiceConfig, engine *PartitionedEngine, logger *zap.Logger) (*Service, error) {
	service, err := NewService(cfg, engine, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("matching module online",
				zap.Int("partitions", engine.PartitionCount()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			service.Stop()
			return nil
		},
	})

	return service, nil
}
