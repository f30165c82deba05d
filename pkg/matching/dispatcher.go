// Package matching assembles the order book, validator, and partition
// workers into the engine's in-process submission surface. Orders are hashed
// by symbol to one of N single-goroutine partitions; each partition owns its
// books outright, so the matching hot path runs without locks.
package matching

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/matching-engine/pkg/orderbook"
	"github.com/abdoElHodaky/matching-engine/pkg/protocol"
	"github.com/abdoElHodaky/matching-engine/pkg/symbolpool"
	"github.com/abdoElHodaky/matching-engine/pkg/validation"
)

var (
	// ErrQueueFull is returned by every submit and cancel path, the sync
	// ones included, when the target partition's command queue is at
	// capacity; no path waits for queue space. The caller decides whether
	// to retry; the engine never drops a queued command.
	ErrQueueFull = errors.New("matching: partition queue full")

	// ErrUnknownSymbol is returned for orders and cancels naming a symbol
	// with no registered contract spec.
	ErrUnknownSymbol = errors.New("matching: no contract registered for symbol")

	// ErrStopped is returned when submitting to a stopped engine.
	ErrStopped = errors.New("matching: engine stopped")
)

// PartitionConfig tunes the partitioned dispatcher.
type PartitionConfig struct {
	// PartitionCount is the number of worker partitions. Zero selects the
	// detected hardware parallelism.
	PartitionCount int `mapstructure:"partition_count" validate:"gte=0"`

	// QueueCapacity bounds each partition's command queue.
	QueueCapacity int `mapstructure:"queue_capacity" validate:"gte=0"`

	// BatchSize caps how many commands a worker drains per iteration.
	BatchSize int `mapstructure:"batch_size" validate:"gte=0"`

	// EnableCPUAffinity pins each worker to core (partition mod cores).
	// Best-effort; unsupported platforms ignore it.
	EnableCPUAffinity bool `mapstructure:"enable_cpu_affinity"`
}

// DefaultPartitionConfig mirrors the tuning the engine ships with.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{
		PartitionCount: runtime.NumCPU(),
		QueueCapacity:  10_000,
		BatchSize:      100,
	}
}

func (c PartitionConfig) withDefaults() PartitionConfig {
	if c.PartitionCount <= 0 {
		c.PartitionCount = runtime.NumCPU()
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10_000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Response carries the outcome of one command back to a sync submitter.
type Response struct {
	Trades       []protocol.TradeNotification
	Confirmation *protocol.OrderConfirmation
	Err          error
}

// command is one unit of work routed to a partition. Exactly one of order
// and cancel is set. reply, when non-nil, receives exactly one Response.
type command struct {
	order  *protocol.NewOrderRequest
	cancel *protocol.CancelOrderRequest
	reply  chan Response
}

// PartitionStats is a point-in-time snapshot of one partition's counters.
type PartitionStats struct {
	OrdersProcessed uint64
	TradesGenerated uint64
	QueueDepth      int
}

// partition is a single-owner worker: one goroutine drains the queue and
// drives the books; nothing else touches them.
type partition struct {
	id    int
	queue chan command
	books map[string]*orderbook.TickBook

	ordersProcessed atomic.Uint64
	tradesGenerated atomic.Uint64
}

// PartitionedEngine routes commands to partition workers by symbol hash.
// The same symbol always lands on the same partition, which preserves
// submit order per symbol without any cross-partition coordination.
type PartitionedEngine struct {
	cfg        PartitionConfig
	partitions []*partition

	contractsMu sync.RWMutex
	contracts   map[string]orderbook.ContractSpec

	validator  *validation.Validator
	symbols    *symbolpool.Pool
	metrics    *Metrics
	sink       func([]protocol.TradeNotification)
	logger     *zap.Logger

	stopped atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPartitionedEngine creates and starts the partition workers. Contracts
// for every tradable symbol must be registered before orders for them are
// submitted; RegisterContract may be called at any time.
func NewPartitionedEngine(cfg PartitionConfig, validator *validation.Validator, logger *zap.Logger) *PartitionedEngine {
	return NewPartitionedEngineWithPool(cfg, validator, symbolpool.Global(), logger)
}

// NewPartitionedEngineWithPool is NewPartitionedEngine with an explicit
// symbol pool, shared by all partitions.
func NewPartitionedEngineWithPool(cfg PartitionConfig, validator *validation.Validator, symbols *symbolpool.Pool, logger *zap.Logger) *PartitionedEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validator == nil {
		validator = validation.NewValidator()
	}
	cfg = cfg.withDefaults()

	e := &PartitionedEngine{
		cfg:        cfg,
		partitions: make([]*partition, cfg.PartitionCount),
		contracts:  make(map[string]orderbook.ContractSpec),
		validator:  validator,
		symbols:    symbols,
		logger:     logger,
		done:       make(chan struct{}),
	}

	for i := 0; i < cfg.PartitionCount; i++ {
		p := &partition{
			id:    i,
			queue: make(chan command, cfg.QueueCapacity),
			books: make(map[string]*orderbook.TickBook),
		}
		e.partitions[i] = p
		e.wg.Add(1)
		go e.runWorker(p)
	}

	logger.Info("partitioned engine started",
		zap.Int("partitions", cfg.PartitionCount),
		zap.Int("queue_capacity", cfg.QueueCapacity),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Bool("cpu_affinity", cfg.EnableCPUAffinity))
	return e
}

// SetMetrics attaches a collector. Call before the first submission.
func (e *PartitionedEngine) SetMetrics(m *Metrics) {
	e.metrics = m
}

// SetTradeSink installs the function every partition worker hands generated
// trades to, before any reply is sent. The enclosing service uses it to
// stamp and publish notifications. Call before the first submission; the
// sink runs on worker goroutines and must be cheap or hand off quickly.
func (e *PartitionedEngine) SetTradeSink(sink func([]protocol.TradeNotification)) {
	e.sink = sink
}

// RegisterContract makes a symbol tradable. The symbol is interned and
// preloaded so the hot path never takes the pool's write lock for it.
func (e *PartitionedEngine) RegisterContract(spec orderbook.ContractSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	symbol := e.symbols.Intern(spec.Symbol)
	e.contractsMu.Lock()
	e.contracts[symbol] = spec
	e.contractsMu.Unlock()
	return nil
}

// Submit enqueues an order fire-and-forget. Returns ErrQueueFull when the
// target partition's queue is at capacity and ErrStopped after Stop.
func (e *PartitionedEngine) Submit(req protocol.NewOrderRequest) error {
	return e.enqueue(e.Route(req.Symbol), command{order: &req})
}

// SubmitSync enqueues an order and blocks for its result.
func (e *PartitionedEngine) SubmitSync(req protocol.NewOrderRequest) (Response, error) {
	reply := make(chan Response, 1)
	if err := e.enqueue(e.Route(req.Symbol), command{order: &req, reply: reply}); err != nil {
		return Response{}, err
	}
	return <-reply, nil
}

// SubmitBatch routes the batch once, then bulk-enqueues per partition.
// Enqueueing stops at the first full queue and ErrQueueFull is returned: the
// rest of that partition's share and the shares of partitions not yet
// reached are not enqueued; commands already enqueued stay enqueued.
func (e *PartitionedEngine) SubmitBatch(reqs []protocol.NewOrderRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	grouped := make([][]command, len(e.partitions))
	for i := range reqs {
		pid := e.Route(reqs[i].Symbol)
		grouped[pid] = append(grouped[pid], command{order: &reqs[i]})
	}
	for pid, cmds := range grouped {
		for _, cmd := range cmds {
			if err := e.enqueue(pid, cmd); err != nil {
				return fmt.Errorf("partition %d: %w", pid, err)
			}
		}
	}
	return nil
}

// Cancel enqueues a cancel fire-and-forget. The request's symbol is the
// routing key; ordering against other commands for that symbol is the
// submit order.
func (e *PartitionedEngine) Cancel(req protocol.CancelOrderRequest) error {
	return e.enqueue(e.Route(req.Symbol), command{cancel: &req})
}

// CancelSync enqueues a cancel and blocks for its result. The returned
// Response carries orderbook.ErrOrderNotFound in Err for stale ids.
func (e *PartitionedEngine) CancelSync(req protocol.CancelOrderRequest) (Response, error) {
	reply := make(chan Response, 1)
	if err := e.enqueue(e.Route(req.Symbol), command{cancel: &req, reply: reply}); err != nil {
		return Response{}, err
	}
	return <-reply, nil
}

// Route returns the partition owning symbol. Deterministic: identical
// symbols always map to the same partition.
func (e *PartitionedEngine) Route(symbol string) int {
	return int(xxhash.Sum64String(symbol) % uint64(len(e.partitions)))
}

// PartitionCount returns the number of worker partitions.
func (e *PartitionedEngine) PartitionCount() int {
	return len(e.partitions)
}

// Stats returns a snapshot of one partition's counters.
func (e *PartitionedEngine) Stats(partitionID int) PartitionStats {
	p := e.partitions[partitionID]
	return PartitionStats{
		OrdersProcessed: p.ordersProcessed.Load(),
		TradesGenerated: p.tradesGenerated.Load(),
		QueueDepth:      len(p.queue),
	}
}

// Stop shuts the workers down after the queues drain. Subsequent submits
// fail with ErrStopped. Safe to call more than once.
func (e *PartitionedEngine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	close(e.done)
	e.wg.Wait()
	e.logger.Info("partitioned engine stopped")
}

func (e *PartitionedEngine) enqueue(pid int, cmd command) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	select {
	case e.partitions[pid].queue <- cmd:
		return nil
	default:
		if e.metrics != nil {
			e.metrics.QueueFull.Inc()
		}
		return ErrQueueFull
	}
}

// runWorker is the partition drain loop: pull up to BatchSize commands
// without blocking, process them, and when the queue is empty either spin
// one iteration (if a backlog was just observed) or yield the processor.
func (e *PartitionedEngine) runWorker(p *partition) {
	defer e.wg.Done()

	if e.cfg.EnableCPUAffinity {
		if err := pinToCore(p.id % runtime.NumCPU()); err != nil {
			e.logger.Warn("cpu affinity unavailable",
				zap.Int("partition", p.id), zap.Error(err))
		}
	}

	batch := make([]command, 0, e.cfg.BatchSize)
	hadBacklog := false

	for {
		batch = batch[:0]
	drain:
		for len(batch) < e.cfg.BatchSize {
			select {
			case cmd := <-p.queue:
				batch = append(batch, cmd)
			default:
				break drain
			}
		}

		if len(batch) == 0 {
			select {
			case <-e.done:
				return
			default:
			}
			if hadBacklog {
				// Backlog just cleared: stay hot for one turn before
				// falling back to yielding.
				hadBacklog = false
				continue
			}
			runtime.Gosched()
			continue
		}

		for i := range batch {
			e.process(p, batch[i])
		}
		hadBacklog = len(p.queue) > 0

		if e.metrics != nil {
			e.metrics.QueueDepth.WithLabelValues(partitionLabel(p.id)).Set(float64(len(p.queue)))
		}
	}
}

func (e *PartitionedEngine) process(p *partition, cmd command) {
	var resp Response
	switch {
	case cmd.order != nil:
		resp = e.processOrder(p, cmd.order)
	case cmd.cancel != nil:
		resp = e.processCancel(p, cmd.cancel)
	}
	if e.sink != nil && len(resp.Trades) > 0 {
		e.sink(resp.Trades)
	}
	if cmd.reply != nil {
		cmd.reply <- resp
	} else if resp.Err != nil {
		e.logger.Debug("async command rejected",
			zap.Int("partition", p.id), zap.Error(resp.Err))
	}
}

func (e *PartitionedEngine) processOrder(p *partition, req *protocol.NewOrderRequest) Response {
	if err := e.validator.Validate(req); err != nil {
		if e.metrics != nil {
			e.metrics.OrdersRejected.Inc()
		}
		return Response{Err: err}
	}

	book, err := e.bookFor(p, req.Symbol)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OrdersRejected.Inc()
		}
		return Response{Err: err}
	}

	trades, confirmation := book.MatchOrder(*req)
	p.ordersProcessed.Add(1)
	p.tradesGenerated.Add(uint64(len(trades)))

	if e.metrics != nil {
		e.metrics.OrdersProcessed.Inc()
		e.metrics.TradesGenerated.Add(float64(len(trades)))
	}
	return Response{Trades: trades, Confirmation: confirmation}
}

func (e *PartitionedEngine) processCancel(p *partition, req *protocol.CancelOrderRequest) Response {
	book, err := e.bookFor(p, req.Symbol)
	if err != nil {
		return Response{Err: err}
	}
	if err := book.CancelOrder(req.OrderID); err != nil {
		return Response{Err: err}
	}
	return Response{}
}

// bookFor returns the partition's book for symbol, creating it lazily from
// the registered contract spec.
func (e *PartitionedEngine) bookFor(p *partition, symbol string) (*orderbook.TickBook, error) {
	canonical := e.symbols.Intern(symbol)
	if book, ok := p.books[canonical]; ok {
		return book, nil
	}
	e.contractsMu.RLock()
	spec, ok := e.contracts[canonical]
	e.contractsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	book := orderbook.NewTickBookWithPool(spec, e.symbols, e.logger)
	p.books[canonical] = book
	e.logger.Info("order book created",
		zap.Int("partition", p.id),
		zap.String("symbol", canonical),
		zap.Int("levels", spec.NumLevels()))
	return book, nil
}

func partitionLabel(id int) string {
	return fmt.Sprintf("%d", id)
}
