package matching

import (
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/matching-engine/pkg/protocol"
	"github.com/abdoElHodaky/matching-engine/pkg/timestamp"
)

// TradeHandler consumes stamped trade notifications. Handlers run on the
// publisher pool, not on partition workers, and must be safe for concurrent
// calls.
type TradeHandler func(protocol.TradeNotification)

// ServiceConfig tunes the service façade around the partitioned engine.
type ServiceConfig struct {
	Engine PartitionConfig `mapstructure:"engine"`

	// PublisherPoolSize bounds the goroutine pool that fans stamped trades
	// out to the handler. Zero selects a sensible default.
	PublisherPoolSize int `mapstructure:"publisher_pool_size" validate:"gte=0"`

	// TimestampInterval is the fast-timestamp refresh interval in calls.
	TimestampInterval int `mapstructure:"timestamp_interval" validate:"gte=0"`

	// PreloadSymbols is interned at start so steady-state symbol lookups
	// never take the pool's write lock.
	PreloadSymbols []string `mapstructure:"preload_symbols"`
}

// DefaultServiceConfig returns the tuning the service ships with.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Engine:            DefaultPartitionConfig(),
		PublisherPoolSize: 8,
		TimestampInterval: timestamp.DefaultRefreshInterval,
	}
}

// Service is the enclosing service around the matching core: it owns the
// monotonic trade-id counter and the timestamp source, stamps every trade
// notification before emission, and fans notifications out to a registered
// handler through a bounded goroutine pool.
type Service struct {
	engine  *PartitionedEngine
	clock   *timestamp.Cache
	handler atomic.Pointer[TradeHandler]
	pool    *ants.Pool

	nextTradeID atomic.Uint64

	instanceID string
	logger     *zap.Logger
}

// NewService builds a Service around the given engine and installs its
// trade sink on it. A nil logger disables logging.
func NewService(cfg ServiceConfig, engine *PartitionedEngine, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolSize := cfg.PublisherPoolSize
	if poolSize <= 0 {
		poolSize = 8
	}
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}

	instanceID := ksuid.New().String()
	s := &Service{
		engine:     engine,
		clock:      timestamp.NewCache(cfg.TimestampInterval),
		pool:       pool,
		instanceID: instanceID,
		logger:     logger.With(zap.String("service_id", instanceID)),
	}
	if len(cfg.PreloadSymbols) > 0 {
		// Shared pool: preloading here warms every partition's lookups.
		engine.symbols.Preload(cfg.PreloadSymbols)
	}
	engine.SetTradeSink(s.stampAndPublish)
	s.logger.Info("matching service started",
		zap.Int("publisher_pool_size", poolSize))
	return s, nil
}

// OnTrade registers the handler receiving every stamped trade notification.
// At most one handler is active; a later call replaces the earlier one.
func (s *Service) OnTrade(h TradeHandler) {
	s.handler.Store(&h)
}

// SubmitOrder enqueues an order fire-and-forget. Trades produced by it reach
// the registered handler, stamped.
func (s *Service) SubmitOrder(req protocol.NewOrderRequest) error {
	return s.engine.Submit(req)
}

// SubmitOrderSync submits and blocks for the result. The worker stamps and
// publishes generated trades before replying, so the returned trades carry
// their final ids and timestamps.
func (s *Service) SubmitOrderSync(req protocol.NewOrderRequest) (Response, error) {
	return s.engine.SubmitSync(req)
}

// SubmitOrderBatch submits a pre-routed batch fire-and-forget.
func (s *Service) SubmitOrderBatch(reqs []protocol.NewOrderRequest) error {
	return s.engine.SubmitBatch(reqs)
}

// CancelOrder enqueues a cancel fire-and-forget.
func (s *Service) CancelOrder(req protocol.CancelOrderRequest) error {
	return s.engine.Cancel(req)
}

// CancelOrderSync cancels and blocks for the result.
func (s *Service) CancelOrderSync(req protocol.CancelOrderRequest) (Response, error) {
	return s.engine.CancelSync(req)
}

// Engine exposes the underlying partitioned engine.
func (s *Service) Engine() *PartitionedEngine {
	return s.engine
}

// InstanceID returns this service's unique id, as stamped into its logs.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Stop shuts down the engine and the publisher pool.
func (s *Service) Stop() {
	s.engine.Stop()
	s.pool.Release()
	s.logger.Info("matching service stopped")
}

// stampAndPublish assigns trade ids and timestamps in place, then hands the
// trades to the handler via the publisher pool.
func (s *Service) stampAndPublish(trades []protocol.TradeNotification) {
	if len(trades) == 0 {
		return
	}
	for i := range trades {
		trades[i].TradeID = s.nextTradeID.Add(1)
		trades[i].Timestamp = s.clock.Fast()
	}
	hp := s.handler.Load()
	if hp == nil {
		return
	}
	handler := *hp
	for _, t := range trades {
		t := t
		if err := s.pool.Submit(func() { handler(t) }); err != nil {
			s.logger.Warn("trade publish failed",
				zap.Uint64("trade_id", t.TradeID), zap.Error(err))
		}
	}
}
