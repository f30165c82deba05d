// Package validation provides pre-match business-rule checks for incoming
// order requests. The validator is pure and stateless: it rejects malformed
// requests before they reach a book, while tick alignment stays with the
// book whose contract range is the final authority.
package validation

import (
	"fmt"
	"math"

	"github.com/abdoElHodaky/matching-engine/pkg/protocol"
)

// Code identifies the violated rule in a machine-readable way.
type Code string

const (
	CodeInvalidPrice       Code = "INVALID_PRICE"
	CodeInvalidQuantity    Code = "INVALID_QUANTITY"
	CodeInvalidSymbol      Code = "INVALID_SYMBOL"
	CodePriceOutOfRange    Code = "PRICE_OUT_OF_RANGE"
	CodeQuantityOutOfRange Code = "QUANTITY_OUT_OF_RANGE"
	CodeSymbolNotAllowed   Code = "SYMBOL_NOT_ALLOWED"
)

// Error is a typed rejection naming the violated rule.
type Error struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config bounds acceptable order parameters. An empty AllowedSymbols slice
// admits every symbol.
type Config struct {
	MinPrice       uint64   `mapstructure:"min_price"`
	MaxPrice       uint64   `mapstructure:"max_price"`
	MinQuantity    uint64   `mapstructure:"min_quantity"`
	MaxQuantity    uint64   `mapstructure:"max_quantity"`
	AllowedSymbols []string `mapstructure:"allowed_symbols"`
}

// DefaultConfig admits any symbol, any positive price, and quantities up to
// one million units.
func DefaultConfig() Config {
	return Config{
		MinPrice:    1,
		MaxPrice:    math.MaxUint64,
		MinQuantity: 1,
		MaxQuantity: 1_000_000,
	}
}

// Validator applies a Config to order requests.
type Validator struct {
	cfg     Config
	allowed map[string]struct{}
}

// NewValidator creates a validator with the default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultConfig())
}

// NewValidatorWithConfig creates a validator for cfg.
func NewValidatorWithConfig(cfg Config) *Validator {
	v := &Validator{cfg: cfg}
	if len(cfg.AllowedSymbols) > 0 {
		v.allowed = make(map[string]struct{}, len(cfg.AllowedSymbols))
		for _, s := range cfg.AllowedSymbols {
			v.allowed[s] = struct{}{}
		}
	}
	return v
}

// Validate returns nil for an acceptable request, or a typed *Error naming
// the first violated rule.
func (v *Validator) Validate(req *protocol.NewOrderRequest) error {
	if err := v.validatePrice(req.Price); err != nil {
		return err
	}
	if err := v.validateQuantity(req.Quantity); err != nil {
		return err
	}
	return v.validateSymbol(req.Symbol)
}

func (v *Validator) validatePrice(price uint64) error {
	if price == 0 {
		return &Error{CodeInvalidPrice, "price must be greater than zero"}
	}
	if price < v.cfg.MinPrice {
		return &Error{CodePriceOutOfRange,
			fmt.Sprintf("price %d is below minimum %d", price, v.cfg.MinPrice)}
	}
	if price > v.cfg.MaxPrice {
		return &Error{CodePriceOutOfRange,
			fmt.Sprintf("price %d exceeds maximum %d", price, v.cfg.MaxPrice)}
	}
	return nil
}

func (v *Validator) validateQuantity(quantity uint64) error {
	if quantity == 0 {
		return &Error{CodeInvalidQuantity, "quantity must be greater than zero"}
	}
	if quantity < v.cfg.MinQuantity {
		return &Error{CodeQuantityOutOfRange,
			fmt.Sprintf("quantity %d is below minimum %d", quantity, v.cfg.MinQuantity)}
	}
	if quantity > v.cfg.MaxQuantity {
		return &Error{CodeQuantityOutOfRange,
			fmt.Sprintf("quantity %d exceeds maximum %d", quantity, v.cfg.MaxQuantity)}
	}
	return nil
}

func (v *Validator) validateSymbol(symbol string) error {
	if symbol == "" {
		return &Error{CodeInvalidSymbol, "symbol cannot be empty"}
	}
	if v.allowed != nil {
		if _, ok := v.allowed[symbol]; !ok {
			return &Error{CodeSymbolNotAllowed,
				fmt.Sprintf("symbol %q is not in the allowed list", symbol)}
		}
	}
	return nil
}
