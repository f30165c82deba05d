// Package orderbook implements per-contract limit-order matching under
// price-time priority. The production implementation is TickBook, which
// indexes price levels by tick offset in pre-allocated arrays; the Book
// interface lets alternate implementations (tree-indexed books, mocks)
// coexist behind the same contract.
package orderbook

import (
	"errors"

	"github.com/abdoElHodaky/matching-engine/pkg/protocol"
)

var (
	// ErrOrderNotFound is returned by CancelOrder for an unknown or already
	// removed order id.
	ErrOrderNotFound = errors.New("orderbook: order not found")
)

// Book is the matching contract every order book implementation satisfies.
// Implementations are single-owner: one partition worker drives a book, so
// methods need no internal locking.
type Book interface {
	// MatchOrder matches a new order against the opposite side. It returns
	// the trades generated, best price first then FIFO within a level, and a
	// confirmation when residual quantity rests on the book. An invalid
	// price (outside the contract range or off-tick) yields no trades and
	// no confirmation.
	MatchOrder(req protocol.NewOrderRequest) ([]protocol.TradeNotification, *protocol.OrderConfirmation)

	// CancelOrder removes the resting order with the given id. Returns
	// ErrOrderNotFound for stale or unknown ids.
	CancelOrder(orderID uint64) error

	// BestBid returns the highest resting buy price.
	BestBid() (uint64, bool)

	// BestAsk returns the lowest resting sell price.
	BestAsk() (uint64, bool)

	// Spread returns BestAsk - BestBid when both sides are non-empty.
	Spread() (uint64, bool)

	// MidPrice returns (BestBid + BestAsk) / 2 when both sides are non-empty.
	MidPrice() (uint64, bool)
}
