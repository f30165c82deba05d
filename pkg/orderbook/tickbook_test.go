package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/matching-engine/pkg/protocol"
	"github.com/abdoElHodaky/matching-engine/pkg/symbolpool"
)

// testSpec is the contract used throughout: tick 10, range 1000..2000.
func testSpec(t *testing.T) ContractSpec {
	t.Helper()
	spec, err := NewContractSpec("IF2501", 10, 1000, 2000)
	require.NoError(t, err)
	return spec
}

func newTestBook(t *testing.T) *TickBook {
	t.Helper()
	return NewTickBookWithPool(testSpec(t), symbolpool.NewPool(), zap.NewNop())
}

func buy(user, price, qty uint64) protocol.NewOrderRequest {
	return protocol.NewOrderRequest{UserID: user, Symbol: "IF2501", Side: protocol.SideBuy, Price: price, Quantity: qty}
}

func sell(user, price, qty uint64) protocol.NewOrderRequest {
	return protocol.NewOrderRequest{UserID: user, Symbol: "IF2501", Side: protocol.SideSell, Price: price, Quantity: qty}
}

// checkInvariants asserts the structural invariants that must hold between
// operations: bitmap/level agreement, best-price caches, uncrossed book,
// and location-map consistency.
func checkInvariants(t *testing.T, b *TickBook) {
	t.Helper()

	for i := 0; i < b.spec.NumLevels(); i++ {
		assert.Equal(t, b.bidLevels[i] != nil, b.bidBitmap.Get(i), "bid level/bitmap mismatch at %d", i)
		assert.Equal(t, b.askLevels[i] != nil, b.askBitmap.Get(i), "ask level/bitmap mismatch at %d", i)
		if b.bidLevels[i] != nil {
			assert.Positive(t, b.bidLevels[i].Len(), "empty bid queue retained at %d", i)
		}
		if b.askLevels[i] != nil {
			assert.Positive(t, b.askLevels[i].Len(), "empty ask queue retained at %d", i)
		}
	}

	assert.Equal(t, b.bidBitmap.FindLastOne(), b.bestBidIdx, "stale best bid cache")
	assert.Equal(t, b.askBitmap.FindFirstOne(), b.bestAskIdx, "stale best ask cache")

	if b.bestBidIdx >= 0 && b.bestAskIdx >= 0 {
		assert.Less(t, b.indexToPrice(b.bestBidIdx), b.indexToPrice(b.bestAskIdx), "book crossed at rest")
	}

	for id, loc := range b.locations {
		levels := b.askLevels
		if loc.isBid {
			levels = b.bidLevels
		}
		queue := levels[loc.priceIdx]
		require.NotNil(t, queue, "location for order %d points at empty level", id)
		found := false
		for i := 0; i < queue.Len(); i++ {
			if queue.At(i).orderID == id {
				found = true
				break
			}
		}
		assert.True(t, found, "order %d missing from its level queue", id)
	}
}

func TestTickBook_RestingBidThenFullCross(t *testing.T) {
	b := newTestBook(t)

	// First order rests.
	trades, conf := b.MatchOrder(buy(1, 1500, 100))
	assert.Empty(t, trades)
	require.NotNil(t, conf)
	assert.Equal(t, uint64(1), conf.OrderID)
	assert.Equal(t, uint64(1), conf.UserID)

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, uint64(1500), bid)
	_, ok = b.BestAsk()
	assert.False(t, ok)
	checkInvariants(t, b)

	// Opposite order crosses fully.
	trades, conf = b.MatchOrder(sell(2, 1500, 100))
	require.Len(t, trades, 1)
	assert.Nil(t, conf)
	tr := trades[0]
	assert.Equal(t, uint64(1500), tr.MatchedPrice)
	assert.Equal(t, uint64(100), tr.MatchedQuantity)
	assert.Equal(t, uint64(1), tr.BuyerUserID)
	assert.Equal(t, uint64(1), tr.BuyerOrderID)
	assert.Equal(t, uint64(2), tr.SellerUserID)
	assert.Equal(t, uint64(2), tr.SellerOrderID)
	assert.Zero(t, tr.TradeID, "book leaves trade id for the service")
	assert.Zero(t, tr.Timestamp, "book leaves timestamp for the service")

	_, ok = b.BestBid()
	assert.False(t, ok)
	assert.Zero(t, b.Len())
	checkInvariants(t, b)
}

func TestTickBook_FIFOAtOnePrice(t *testing.T) {
	b := newTestBook(t)

	for user := uint64(1); user <= 3; user++ {
		_, conf := b.MatchOrder(sell(user, 1500, 50))
		require.NotNil(t, conf)
		assert.Equal(t, user, conf.OrderID)
	}

	trades, conf := b.MatchOrder(buy(9, 1500, 120))
	require.Len(t, trades, 3)
	assert.Nil(t, conf)

	assert.Equal(t, uint64(1), trades[0].SellerOrderID)
	assert.Equal(t, uint64(50), trades[0].MatchedQuantity)
	assert.Equal(t, uint64(2), trades[1].SellerOrderID)
	assert.Equal(t, uint64(50), trades[1].MatchedQuantity)
	assert.Equal(t, uint64(3), trades[2].SellerOrderID)
	assert.Equal(t, uint64(20), trades[2].MatchedQuantity)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, uint64(1500), ask)
	assert.Equal(t, 1, b.CountAtPrice(protocol.SideSell, 1500))
	checkInvariants(t, b)

	// The partially filled order id 3 retains its remaining 30.
	trades, conf = b.MatchOrder(buy(9, 1500, 30))
	require.Len(t, trades, 1)
	assert.Nil(t, conf)
	assert.Equal(t, uint64(3), trades[0].SellerOrderID)
	assert.Equal(t, uint64(30), trades[0].MatchedQuantity)
	assert.Zero(t, b.Len())
	checkInvariants(t, b)
}

func TestTickBook_WalkMultipleAskLevels(t *testing.T) {
	b := newTestBook(t)

	b.MatchOrder(sell(1, 1510, 10))
	b.MatchOrder(sell(2, 1520, 10))
	b.MatchOrder(sell(3, 1530, 10))

	trades, conf := b.MatchOrder(buy(9, 1530, 25))
	require.Len(t, trades, 3)
	assert.Nil(t, conf)

	assert.Equal(t, uint64(1510), trades[0].MatchedPrice)
	assert.Equal(t, uint64(10), trades[0].MatchedQuantity)
	assert.Equal(t, uint64(1520), trades[1].MatchedPrice)
	assert.Equal(t, uint64(10), trades[1].MatchedQuantity)
	assert.Equal(t, uint64(1530), trades[2].MatchedPrice)
	assert.Equal(t, uint64(5), trades[2].MatchedQuantity)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, uint64(1530), ask)
	assert.Equal(t, 1, b.Len())
	checkInvariants(t, b)
}

func TestTickBook_WalkMultipleBidLevels(t *testing.T) {
	b := newTestBook(t)

	b.MatchOrder(buy(1, 1530, 10))
	b.MatchOrder(buy(2, 1520, 10))
	b.MatchOrder(buy(3, 1510, 10))

	trades, conf := b.MatchOrder(sell(9, 1510, 25))
	require.Len(t, trades, 3)
	assert.Nil(t, conf)

	// Highest bid first, then down.
	assert.Equal(t, uint64(1530), trades[0].MatchedPrice)
	assert.Equal(t, uint64(1520), trades[1].MatchedPrice)
	assert.Equal(t, uint64(1510), trades[2].MatchedPrice)
	assert.Equal(t, uint64(5), trades[2].MatchedQuantity)

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, uint64(1510), bid)
	checkInvariants(t, b)
}

func TestTickBook_LimitPriceStopsWalk(t *testing.T) {
	b := newTestBook(t)

	b.MatchOrder(sell(1, 1510, 10))
	b.MatchOrder(sell(2, 1550, 10))

	trades, conf := b.MatchOrder(buy(9, 1520, 30))
	require.Len(t, trades, 1)
	assert.Equal(t, uint64(1510), trades[0].MatchedPrice)
	require.NotNil(t, conf, "residual above the limit must rest")

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, uint64(1520), bid)
	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, uint64(1550), ask)
	checkInvariants(t, b)
}

func TestTickBook_InvalidPrices(t *testing.T) {
	b := newTestBook(t)

	cases := []struct {
		name  string
		price uint64
	}{
		{"off tick", 1505},
		{"below min", 990},
		{"above max", 2010},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trades, conf := b.MatchOrder(buy(1, tc.price, 10))
			assert.Empty(t, trades)
			assert.Nil(t, conf)
			assert.Zero(t, b.Len(), "book must be unchanged")
			checkInvariants(t, b)
		})
	}

	// An invalid price consumes no order id.
	_, conf := b.MatchOrder(buy(1, 1500, 10))
	require.NotNil(t, conf)
	assert.Equal(t, uint64(1), conf.OrderID)
}

func TestTickBook_BoundaryPrices(t *testing.T) {
	b := newTestBook(t)

	_, conf := b.MatchOrder(buy(1, 1000, 1))
	assert.NotNil(t, conf, "min price is valid")
	_, conf = b.MatchOrder(sell(2, 2000, 1))
	assert.NotNil(t, conf, "max price is valid")
	checkInvariants(t, b)
}

func TestTickBook_CancelThenMatch(t *testing.T) {
	b := newTestBook(t)

	for user := uint64(1); user <= 3; user++ {
		b.MatchOrder(sell(user, 1500, 50))
	}

	require.NoError(t, b.CancelOrder(2))
	checkInvariants(t, b)

	trades, conf := b.MatchOrder(buy(9, 1500, 100))
	require.Len(t, trades, 2)
	assert.Nil(t, conf)
	assert.Equal(t, uint64(1), trades[0].SellerOrderID)
	assert.Equal(t, uint64(3), trades[1].SellerOrderID)

	assert.Zero(t, b.Len(), "id map must be empty")
	_, ok := b.BestAsk()
	assert.False(t, ok)
	checkInvariants(t, b)
}

func TestTickBook_CancelledFlagSkippedBySweep(t *testing.T) {
	b := newTestBook(t)

	b.MatchOrder(sell(1, 1500, 50))
	b.MatchOrder(sell(2, 1500, 50))

	// Flag the front order directly: the match pass must evict it without
	// trading against it.
	idx := b.priceToIndex(1500)
	b.askLevels[idx].Front().cancelled = true
	delete(b.locations, 1)

	trades, conf := b.MatchOrder(buy(9, 1500, 50))
	require.Len(t, trades, 1)
	assert.Nil(t, conf)
	assert.Equal(t, uint64(2), trades[0].SellerOrderID)
	assert.Zero(t, b.Len())
	checkInvariants(t, b)
}

func TestTickBook_CancelUnknownOrder(t *testing.T) {
	b := newTestBook(t)

	assert.ErrorIs(t, b.CancelOrder(42), ErrOrderNotFound)

	b.MatchOrder(buy(1, 1500, 10))
	require.NoError(t, b.CancelOrder(1))
	assert.ErrorIs(t, b.CancelOrder(1), ErrOrderNotFound, "second cancel is stale")
}

func TestTickBook_CancelRecomputesBestPrices(t *testing.T) {
	b := newTestBook(t)

	b.MatchOrder(buy(1, 1400, 10))
	b.MatchOrder(buy(2, 1450, 10))
	b.MatchOrder(sell(3, 1550, 10))
	b.MatchOrder(sell(4, 1600, 10))

	// Cancel the best bid; the cache falls back to the next level down.
	require.NoError(t, b.CancelOrder(2))
	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, uint64(1400), bid)

	// Cancel the best ask; the cache falls back to the next level up.
	require.NoError(t, b.CancelOrder(3))
	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, uint64(1600), ask)
	checkInvariants(t, b)
}

func TestTickBook_CancelPreservesFIFO(t *testing.T) {
	b := newTestBook(t)

	for user := uint64(1); user <= 4; user++ {
		b.MatchOrder(sell(user, 1500, 10))
	}
	require.NoError(t, b.CancelOrder(2))

	trades, _ := b.MatchOrder(buy(9, 1500, 30))
	require.Len(t, trades, 3)
	assert.Equal(t, uint64(1), trades[0].SellerOrderID)
	assert.Equal(t, uint64(3), trades[1].SellerOrderID)
	assert.Equal(t, uint64(4), trades[2].SellerOrderID)
}

func TestTickBook_SubmitAllCancelAllLeavesEmptyBook(t *testing.T) {
	b := newTestBook(t)

	var ids []uint64
	for i := uint64(0); i < 10; i++ {
		_, conf := b.MatchOrder(buy(i+1, 1100+10*i, 5))
		require.NotNil(t, conf)
		ids = append(ids, conf.OrderID)
	}
	for i := uint64(0); i < 10; i++ {
		_, conf := b.MatchOrder(sell(100+i, 1700+10*i, 5))
		require.NotNil(t, conf)
		ids = append(ids, conf.OrderID)
	}

	// Cancel in an arbitrary order.
	for i := len(ids) - 1; i >= 0; i -= 2 {
		require.NoError(t, b.CancelOrder(ids[i]))
	}
	for i := 0; i < len(ids); i += 2 {
		require.NoError(t, b.CancelOrder(ids[i]))
	}

	assert.Zero(t, b.Len())
	assert.True(t, b.bidBitmap.IsEmpty())
	assert.True(t, b.askBitmap.IsEmpty())
	_, ok := b.BestBid()
	assert.False(t, ok)
	_, ok = b.BestAsk()
	assert.False(t, ok)
	checkInvariants(t, b)
}

func TestTickBook_QuantityConservation(t *testing.T) {
	b := newTestBook(t)

	b.MatchOrder(sell(1, 1500, 30))
	b.MatchOrder(sell(2, 1510, 30))

	const requested = 100
	trades, conf := b.MatchOrder(buy(9, 1510, requested))

	var matched uint64
	for _, tr := range trades {
		matched += tr.MatchedQuantity
	}
	require.NotNil(t, conf)
	resting := uint64(0)
	idx := b.priceToIndex(1510)
	require.NotNil(t, b.bidLevels[idx])
	resting = b.bidLevels[idx].Front().quantity

	assert.Equal(t, uint64(requested), matched+resting)
	checkInvariants(t, b)
}

func TestTickBook_PartialFillKeepsQueuePosition(t *testing.T) {
	b := newTestBook(t)

	b.MatchOrder(sell(1, 1500, 100))
	b.MatchOrder(sell(2, 1500, 100))

	trades, _ := b.MatchOrder(buy(9, 1500, 30))
	require.Len(t, trades, 1)
	assert.Equal(t, uint64(1), trades[0].SellerOrderID)

	// Next cross still hits order 1 first.
	trades, _ = b.MatchOrder(buy(9, 1500, 80))
	require.Len(t, trades, 2)
	assert.Equal(t, uint64(1), trades[0].SellerOrderID)
	assert.Equal(t, uint64(70), trades[0].MatchedQuantity)
	assert.Equal(t, uint64(2), trades[1].SellerOrderID)
	assert.Equal(t, uint64(10), trades[1].MatchedQuantity)
	checkInvariants(t, b)
}

func TestTickBook_LevelQueueOverflowDropsResidual(t *testing.T) {
	spec := testSpec(t)
	spec.QueueCapacity = 2
	b := NewTickBookWithPool(spec, symbolpool.NewPool(), zap.NewNop())

	_, conf := b.MatchOrder(buy(1, 1500, 10))
	require.NotNil(t, conf)
	_, conf = b.MatchOrder(buy(2, 1500, 10))
	require.NotNil(t, conf)

	// Queue full: the residual is dropped and no confirmation returned.
	trades, conf := b.MatchOrder(buy(3, 1500, 10))
	assert.Empty(t, trades)
	assert.Nil(t, conf)
	assert.Equal(t, 2, b.CountAtPrice(protocol.SideBuy, 1500))
	checkInvariants(t, b)
}

func TestTickBook_Queries(t *testing.T) {
	b := newTestBook(t)

	_, ok := b.Spread()
	assert.False(t, ok)
	_, ok = b.MidPrice()
	assert.False(t, ok)
	_, ok = b.SpreadTicks()
	assert.False(t, ok)

	b.MatchOrder(buy(1, 1490, 10))
	b.MatchOrder(sell(2, 1530, 10))

	spread, ok := b.Spread()
	require.True(t, ok)
	assert.Equal(t, uint64(40), spread)

	mid, ok := b.MidPrice()
	require.True(t, ok)
	assert.Equal(t, uint64(1510), mid)

	ticks, ok := b.SpreadTicks()
	require.True(t, ok)
	assert.Equal(t, 4, ticks)
}

func TestTickBook_SingleOrderLevelRoundTrip(t *testing.T) {
	b := newTestBook(t)

	b.MatchOrder(sell(1, 1500, 10))
	idx := b.priceToIndex(1500)
	assert.NotNil(t, b.askLevels[idx])
	assert.True(t, b.askBitmap.Get(idx))

	trades, _ := b.MatchOrder(buy(2, 1500, 10))
	require.Len(t, trades, 1)
	assert.Nil(t, b.askLevels[idx], "level slot returns to nil")
	assert.False(t, b.askBitmap.Get(idx), "bitmap bit returns to 0")
}

func TestTickBook_OrderIDSharedAcrossTradeAndConfirmation(t *testing.T) {
	b := newTestBook(t)

	b.MatchOrder(sell(1, 1500, 10))

	// Partially crossing buy: its single id appears as buyer order id in the
	// trade and in the residual's confirmation.
	trades, conf := b.MatchOrder(buy(2, 1500, 25))
	require.Len(t, trades, 1)
	require.NotNil(t, conf)
	assert.Equal(t, conf.OrderID, trades[0].BuyerOrderID)
}

func TestContractSpec_Validation(t *testing.T) {
	_, err := NewContractSpec("", 10, 1000, 2000)
	assert.Error(t, err)

	_, err = NewContractSpec("X", 0, 1000, 2000)
	assert.Error(t, err)

	_, err = NewContractSpec("X", 10, 2000, 1000)
	assert.Error(t, err)

	_, err = NewContractSpec("X", 10, 1000, 2005)
	assert.Error(t, err, "range must divide by tick")

	spec, err := NewContractSpec("X", 10, 1000, 2000)
	require.NoError(t, err)
	assert.Equal(t, 101, spec.NumLevels())
	assert.Equal(t, DefaultQueueCapacity, spec.QueueCapacity)

	assert.Panics(t, func() { MustContractSpec("X", 0, 0, 0) })
}
