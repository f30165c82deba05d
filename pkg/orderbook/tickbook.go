package orderbook

import (
	"go.uber.org/zap"

	"github.com/abdoElHodaky/matching-engine/pkg/collections"
	"github.com/abdoElHodaky/matching-engine/pkg/protocol"
	"github.com/abdoElHodaky/matching-engine/pkg/symbolpool"
)

// tradeBatchHint sizes the trade slice for the common case; a single order
// rarely crosses more than a handful of resting orders.
const tradeBatchHint = 8

var _ Book = (*TickBook)(nil)

// orderNode is one resting order inside a price-level queue.
type orderNode struct {
	userID   uint64
	orderID  uint64
	price    uint64
	quantity uint64
	// cancelled marks the order for eviction by the next match pass
	// touching its level.
	cancelled bool
}

// orderLocation records where a resting order lives, keyed by order id,
// so cancels resolve in O(1) without walking both sides.
type orderLocation struct {
	priceIdx int
	isBid    bool
}

// TickBook is an order book for contracts with discrete tick-sized prices.
// Price levels live in dense arrays indexed by (price-min)/tick; each level
// is a fixed-capacity FIFO ring queue created lazily on first use. Two
// bitmaps mirror level occupancy per side and answer best-price and
// next-price queries with word scans plus one CLZ/CTZ per word.
//
// A TickBook is owned by exactly one partition worker and performs no
// internal locking.
type TickBook struct {
	spec ContractSpec

	bidLevels []*collections.RingBuffer[orderNode]
	askLevels []*collections.RingBuffer[orderNode]

	bidBitmap *collections.FastBitmap
	askBitmap *collections.FastBitmap

	// Cached best indexes, -1 when the side is empty.
	bestBidIdx int
	bestAskIdx int

	nextOrderID uint64

	locations map[uint64]orderLocation

	symbols *symbolpool.Pool
	logger  *zap.Logger
}

// NewTickBook creates a book for the given contract using the shared global
// symbol pool.
func NewTickBook(spec ContractSpec, logger *zap.Logger) *TickBook {
	return NewTickBookWithPool(spec, symbolpool.Global(), logger)
}

// NewTickBookWithPool creates a book interning symbols through the given
// pool. A nil logger disables logging.
func NewTickBookWithPool(spec ContractSpec, symbols *symbolpool.Pool, logger *zap.Logger) *TickBook {
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec.QueueCapacity == 0 {
		spec.QueueCapacity = DefaultQueueCapacity
	}
	numLevels := spec.NumLevels()
	return &TickBook{
		spec:        spec,
		bidLevels:   make([]*collections.RingBuffer[orderNode], numLevels),
		askLevels:   make([]*collections.RingBuffer[orderNode], numLevels),
		bidBitmap:   collections.NewFastBitmap(numLevels),
		askBitmap:   collections.NewFastBitmap(numLevels),
		bestBidIdx:  -1,
		bestAskIdx:  -1,
		nextOrderID: 1,
		locations:   make(map[uint64]orderLocation),
		symbols:     symbols,
		logger:      logger,
	}
}

// Spec returns the contract specification the book was built from.
func (b *TickBook) Spec() ContractSpec {
	return b.spec
}

// priceToIndex maps a price to its level index, or -1 when the price is
// outside the contract range or off the tick grid.
func (b *TickBook) priceToIndex(price uint64) int {
	if price < b.spec.MinPrice || price > b.spec.MaxPrice {
		return -1
	}
	if (price-b.spec.MinPrice)%b.spec.TickSize != 0 {
		return -1
	}
	return int((price - b.spec.MinPrice) / b.spec.TickSize)
}

// indexToPrice maps a level index back to its price.
func (b *TickBook) indexToPrice(idx int) uint64 {
	return b.spec.MinPrice + uint64(idx)*b.spec.TickSize
}

// MatchOrder matches req against the opposite side under price-time
// priority. One order id is drawn per accepted request and appears both in
// every generated trade and in the confirmation if the residual rests.
// TradeID and Timestamp are left zero for the enclosing service to stamp.
func (b *TickBook) MatchOrder(req protocol.NewOrderRequest) ([]protocol.TradeNotification, *protocol.OrderConfirmation) {
	requestIdx := b.priceToIndex(req.Price)
	if requestIdx < 0 {
		b.logger.Warn("rejecting order with invalid price",
			zap.String("symbol", req.Symbol),
			zap.Uint64("price", req.Price),
			zap.Uint64("min_price", b.spec.MinPrice),
			zap.Uint64("max_price", b.spec.MaxPrice),
			zap.Uint64("tick_size", b.spec.TickSize))
		return nil, nil
	}

	symbol := b.symbols.Intern(req.Symbol)
	trades := make([]protocol.TradeNotification, 0, tradeBatchHint)
	remaining := req.Quantity

	newOrderID := b.nextOrderID
	b.nextOrderID++

	switch req.Side {
	case protocol.SideBuy:
		cur := b.bestAskIdx
		for cur >= 0 && remaining > 0 {
			levelPrice := b.indexToPrice(cur)
			if levelPrice > req.Price {
				break
			}
			remaining = b.crossLevel(b.askLevels, b.askBitmap, cur, remaining,
				func(qty uint64, counter *orderNode) {
					trades = append(trades, protocol.TradeNotification{
						Symbol:          symbol,
						MatchedPrice:    levelPrice,
						MatchedQuantity: qty,
						BuyerUserID:     req.UserID,
						BuyerOrderID:    newOrderID,
						SellerUserID:    counter.userID,
						SellerOrderID:   counter.orderID,
					})
				})
			cur = b.askBitmap.FindNextOne(cur)
		}
		b.bestAskIdx = b.askBitmap.FindFirstOne()

		if remaining > 0 {
			if !b.rest(requestIdx, true, req.UserID, remaining, newOrderID) {
				return trades, nil
			}
		}

	case protocol.SideSell:
		cur := b.bestBidIdx
		for cur >= 0 && remaining > 0 {
			levelPrice := b.indexToPrice(cur)
			if levelPrice < req.Price {
				break
			}
			remaining = b.crossLevel(b.bidLevels, b.bidBitmap, cur, remaining,
				func(qty uint64, counter *orderNode) {
					trades = append(trades, protocol.TradeNotification{
						Symbol:          symbol,
						MatchedPrice:    levelPrice,
						MatchedQuantity: qty,
						BuyerUserID:     counter.userID,
						BuyerOrderID:    counter.orderID,
						SellerUserID:    req.UserID,
						SellerOrderID:   newOrderID,
					})
				})
			cur = b.bidBitmap.FindPrevOne(cur)
		}
		b.bestBidIdx = b.bidBitmap.FindLastOne()

		if remaining > 0 {
			if !b.rest(requestIdx, false, req.UserID, remaining, newOrderID) {
				return trades, nil
			}
		}
	}

	if remaining > 0 {
		return trades, &protocol.OrderConfirmation{OrderID: newOrderID, UserID: req.UserID}
	}
	return trades, nil
}

// crossLevel fills the incoming order against the queue at idx, emitting one
// trade per counterparty fill, evicting cancelled orders it meets, and
// clearing the level when it empties. Returns the quantity still unmatched.
func (b *TickBook) crossLevel(
	levels []*collections.RingBuffer[orderNode],
	bitmap *collections.FastBitmap,
	idx int,
	remaining uint64,
	emit func(qty uint64, counter *orderNode),
) uint64 {
	queue := levels[idx]
	if queue == nil {
		return remaining
	}

	for remaining > 0 {
		counter := queue.Front()
		if counter == nil {
			break
		}
		if counter.cancelled {
			delete(b.locations, counter.orderID)
			queue.Pop()
			continue
		}

		qty := min(remaining, counter.quantity)
		emit(qty, counter)
		remaining -= qty
		counter.quantity -= qty

		if counter.quantity == 0 {
			delete(b.locations, counter.orderID)
			queue.Pop()
		} else {
			// Front is partially filled and keeps its queue position.
			break
		}
	}

	if queue.IsEmpty() {
		levels[idx] = nil
		bitmap.Set(idx, false)
	}
	return remaining
}

// rest enqueues the residual as a resting order. Returns false when the
// level queue is full, in which case the residual is dropped: the fault is
// logged and surfaced to the caller as an absent confirmation.
func (b *TickBook) rest(idx int, isBid bool, userID, quantity, orderID uint64) bool {
	levels, bitmap := b.askLevels, b.askBitmap
	if isBid {
		levels, bitmap = b.bidLevels, b.bidBitmap
	}

	queue := levels[idx]
	if queue == nil {
		queue = collections.NewRingBuffer[orderNode](b.spec.QueueCapacity)
		levels[idx] = queue
	}

	node := orderNode{
		userID:   userID,
		orderID:  orderID,
		price:    b.indexToPrice(idx),
		quantity: quantity,
	}
	if err := queue.Push(node); err != nil {
		b.logger.Warn("price level queue full, dropping residual",
			zap.String("symbol", b.spec.Symbol),
			zap.Uint64("price", node.price),
			zap.Uint64("order_id", orderID),
			zap.Uint64("quantity", quantity),
			zap.Int("capacity", queue.Capacity()))
		return false
	}

	b.locations[orderID] = orderLocation{priceIdx: idx, isBid: isBid}
	bitmap.Set(idx, true)

	if isBid {
		if idx > b.bestBidIdx {
			b.bestBidIdx = idx
		}
	} else {
		if b.bestAskIdx < 0 || idx < b.bestAskIdx {
			b.bestAskIdx = idx
		}
	}
	return true
}

// CancelOrder removes the resting order with the given id. The level queue
// has no random-access removal, so the queue is drained and rebuilt without
// the target; steady-state level queues are short, keeping this cheap. If
// the removal empties the level, its bitmap bit is cleared and the affected
// best-price cache recomputed.
func (b *TickBook) CancelOrder(orderID uint64) error {
	loc, ok := b.locations[orderID]
	if !ok {
		return ErrOrderNotFound
	}

	levels, bitmap := b.askLevels, b.askBitmap
	if loc.isBid {
		levels, bitmap = b.bidLevels, b.bidBitmap
	}
	queue := levels[loc.priceIdx]
	if queue == nil {
		// Location map and level arrays always agree; a miss here means a
		// stale entry, treated the same as an unknown id.
		delete(b.locations, orderID)
		return ErrOrderNotFound
	}

	found := false
	for n := queue.Len(); n > 0; n-- {
		node, _ := queue.Pop()
		if node.orderID == orderID {
			found = true
			continue
		}
		// Pop followed by push of every survivor preserves FIFO order.
		_ = queue.Push(node)
	}
	delete(b.locations, orderID)
	if !found {
		return ErrOrderNotFound
	}

	if queue.IsEmpty() {
		levels[loc.priceIdx] = nil
		bitmap.Set(loc.priceIdx, false)
		if loc.isBid {
			if loc.priceIdx == b.bestBidIdx {
				b.bestBidIdx = bitmap.FindLastOne()
			}
		} else {
			if loc.priceIdx == b.bestAskIdx {
				b.bestAskIdx = bitmap.FindFirstOne()
			}
		}
	}
	return nil
}

// BestBid returns the highest resting buy price.
func (b *TickBook) BestBid() (uint64, bool) {
	if b.bestBidIdx < 0 {
		return 0, false
	}
	return b.indexToPrice(b.bestBidIdx), true
}

// BestAsk returns the lowest resting sell price.
func (b *TickBook) BestAsk() (uint64, bool) {
	if b.bestAskIdx < 0 {
		return 0, false
	}
	return b.indexToPrice(b.bestAskIdx), true
}

// Spread returns best ask minus best bid when both sides are non-empty.
func (b *TickBook) Spread() (uint64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk || ask <= bid {
		return 0, okBid && okAsk
	}
	return ask - bid, true
}

// SpreadTicks returns the spread measured in ticks.
func (b *TickBook) SpreadTicks() (int, bool) {
	if b.bestBidIdx < 0 || b.bestAskIdx < 0 {
		return 0, false
	}
	if b.bestAskIdx <= b.bestBidIdx {
		return 0, true
	}
	return b.bestAskIdx - b.bestBidIdx, true
}

// MidPrice returns the midpoint of the best bid and ask.
func (b *TickBook) MidPrice() (uint64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// Len returns the number of resting orders tracked by the book.
func (b *TickBook) Len() int {
	return len(b.locations)
}

// CountAtPrice returns the number of resting orders at an exact price on
// one side, cancelled-flagged orders included. Zero for invalid prices.
func (b *TickBook) CountAtPrice(side protocol.Side, price uint64) int {
	idx := b.priceToIndex(price)
	if idx < 0 {
		return 0
	}
	levels := b.askLevels
	if side == protocol.SideBuy {
		levels = b.bidLevels
	}
	if levels[idx] == nil {
		return 0
	}
	return levels[idx].Len()
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
