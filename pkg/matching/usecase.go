package matching

import (
	"fmt"

	"github.com/abdoElHodaky/matching-engine/pkg/orderbook"
	"github.com/abdoElHodaky/matching-engine/pkg/protocol"
	"github.com/abdoElHodaky/matching-engine/pkg/validation"
)

// MatchOrderResult is the outcome of one accepted order.
type MatchOrderResult struct {
	Trades       []protocol.TradeNotification
	Confirmation *protocol.OrderConfirmation
}

// MatchOrderUseCase binds a validator to a single book for embedders that
// drive one book directly, without the partitioned dispatcher. Validation
// errors are returned before the book is touched.
type MatchOrderUseCase struct {
	book      orderbook.Book
	validator *validation.Validator
}

// NewMatchOrderUseCase creates the use case. A nil validator applies the
// default rules.
func NewMatchOrderUseCase(book orderbook.Book, validator *validation.Validator) *MatchOrderUseCase {
	if validator == nil {
		validator = validation.NewValidator()
	}
	return &MatchOrderUseCase{book: book, validator: validator}
}

// Execute validates req and matches it against the book.
func (uc *MatchOrderUseCase) Execute(req protocol.NewOrderRequest) (MatchOrderResult, error) {
	if err := uc.validator.Validate(&req); err != nil {
		return MatchOrderResult{}, err
	}
	trades, confirmation := uc.book.MatchOrder(req)
	return MatchOrderResult{Trades: trades, Confirmation: confirmation}, nil
}

// Book exposes the underlying book for inspection in tests.
func (uc *MatchOrderUseCase) Book() orderbook.Book {
	return uc.book
}

// CancelOrderUseCase removes resting orders from a single book.
type CancelOrderUseCase struct {
	book orderbook.Book
}

// NewCancelOrderUseCase creates the use case.
func NewCancelOrderUseCase(book orderbook.Book) *CancelOrderUseCase {
	return &CancelOrderUseCase{book: book}
}

// Execute cancels the order named by req. The requesting user id is carried
// for a future ownership policy; it is not enforced today.
func (uc *CancelOrderUseCase) Execute(req protocol.CancelOrderRequest) error {
	if err := uc.book.CancelOrder(req.OrderID); err != nil {
		return fmt.Errorf("cancel order %d: %w", req.OrderID, err)
	}
	return nil
}
