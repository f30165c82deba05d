package orderbook

import "fmt"

// DefaultQueueCapacity is the per-price-level resting-order capacity used
// when a ContractSpec does not set one.
const DefaultQueueCapacity = 2048

// ContractSpec describes one exchange-traded contract: its symbol, the
// discrete price grid, and the per-level queue capacity. Every valid price
// has the form MinPrice + k*TickSize with MinPrice <= price <= MaxPrice.
type ContractSpec struct {
	Symbol        string `mapstructure:"symbol" validate:"required"`
	TickSize      uint64 `mapstructure:"tick_size" validate:"gt=0"`
	MinPrice      uint64 `mapstructure:"min_price"`
	MaxPrice      uint64 `mapstructure:"max_price" validate:"gtfield=MinPrice"`
	QueueCapacity int    `mapstructure:"queue_capacity" validate:"gte=0"`
}

// NewContractSpec builds a spec with the default queue capacity.
func NewContractSpec(symbol string, tickSize, minPrice, maxPrice uint64) (ContractSpec, error) {
	spec := ContractSpec{
		Symbol:        symbol,
		TickSize:      tickSize,
		MinPrice:      minPrice,
		MaxPrice:      maxPrice,
		QueueCapacity: DefaultQueueCapacity,
	}
	if err := spec.Validate(); err != nil {
		return ContractSpec{}, err
	}
	return spec, nil
}

// MustContractSpec is NewContractSpec that panics on an invalid spec.
// Intended for tests and static tables.
func MustContractSpec(symbol string, tickSize, minPrice, maxPrice uint64) ContractSpec {
	spec, err := NewContractSpec(symbol, tickSize, minPrice, maxPrice)
	if err != nil {
		panic(err)
	}
	return spec
}

// Validate checks the grid constraints. A zero QueueCapacity is normalized
// to DefaultQueueCapacity by NewTickBook rather than rejected here.
func (s ContractSpec) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("contract spec: empty symbol")
	}
	if s.TickSize == 0 {
		return fmt.Errorf("contract %s: tick size must be positive", s.Symbol)
	}
	if s.MaxPrice <= s.MinPrice {
		return fmt.Errorf("contract %s: max price %d must exceed min price %d",
			s.Symbol, s.MaxPrice, s.MinPrice)
	}
	if (s.MaxPrice-s.MinPrice)%s.TickSize != 0 {
		return fmt.Errorf("contract %s: price range %d..%d not divisible by tick %d",
			s.Symbol, s.MinPrice, s.MaxPrice, s.TickSize)
	}
	if s.QueueCapacity < 0 {
		return fmt.Errorf("contract %s: negative queue capacity", s.Symbol)
	}
	return nil
}

// NumLevels returns the number of tick-aligned price levels on the grid.
func (s ContractSpec) NumLevels() int {
	return int((s.MaxPrice-s.MinPrice)/s.TickSize) + 1
}
