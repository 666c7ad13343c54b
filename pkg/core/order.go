package core

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Side represents buy or sell side of the order
type Side int

// Order sides
const (
	Sell Side = iota
	Buy
)

// String returns side as string
func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the other side of the book
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType represents type of the order
type OrderType string

// Order types
const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// Order is the wire and in-memory shape shared by incoming orders and the
// resting orders returned by the order book. FromAmount is the only field the
// engine mutates, and only on its own copy while matching.
type Order struct {
	TransactionID string
	UserID        string
	OrderType     OrderType
	FromTokenID   string
	ToTokenID     string
	FromAmount    decimal.Decimal
	LimitPrice    decimal.Decimal
	Creation      string
}

type orderJSON struct {
	TransactionID string       `json:"transactionId"`
	UserID        string       `json:"userId"`
	OrderType     OrderType    `json:"orderType"`
	FromTokenID   string       `json:"fromTokenId"`
	ToTokenID     string       `json:"toTokenId"`
	FromAmount    json.Number  `json:"fromAmount"`
	LimitPrice    *json.Number `json:"limitPrice"`
	Creation      string       `json:"creation"`
}

// MarshalJSON writes amounts as plain JSON numbers. A market order without a
// limit price is written with a null limitPrice.
func (o Order) MarshalJSON() ([]byte, error) {
	out := orderJSON{
		TransactionID: o.TransactionID,
		UserID:        o.UserID,
		OrderType:     o.OrderType,
		FromTokenID:   o.FromTokenID,
		ToTokenID:     o.ToTokenID,
		FromAmount:    Number(o.FromAmount),
		Creation:      o.Creation,
	}
	if o.OrderType == TypeLimit || !o.LimitPrice.IsZero() {
		price := Number(o.LimitPrice)
		out.LimitPrice = &price
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements custom JSON unmarshaling for Order
func (o *Order) UnmarshalJSON(data []byte) error {
	var in orderJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	amount, err := ParseNumber(in.FromAmount)
	if err != nil {
		return fmt.Errorf("fromAmount: %w", err)
	}

	price := decimal.Zero
	if in.LimitPrice != nil {
		if price, err = ParseNumber(*in.LimitPrice); err != nil {
			return fmt.Errorf("limitPrice: %w", err)
		}
	}

	*o = Order{
		TransactionID: in.TransactionID,
		UserID:        in.UserID,
		OrderType:     in.OrderType,
		FromTokenID:   in.FromTokenID,
		ToTokenID:     in.ToTokenID,
		FromAmount:    amount,
		LimitPrice:    price,
		Creation:      in.Creation,
	}
	return nil
}

// Validate checks the invariants an order must satisfy before matching.
func (o *Order) Validate() error {
	switch {
	case o.TransactionID == "":
		return fmt.Errorf("%w: missing transactionId", ErrInvalidOrder)
	case o.UserID == "":
		return fmt.Errorf("%w: missing userId", ErrInvalidOrder)
	case o.FromTokenID == "" || o.ToTokenID == "":
		return fmt.Errorf("%w: missing token id", ErrInvalidOrder)
	case !o.FromAmount.IsPositive():
		return fmt.Errorf("%w: fromAmount must be positive", ErrInvalidOrder)
	}

	switch o.OrderType {
	case TypeLimit:
		if !o.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit order requires a positive limitPrice", ErrInvalidOrder)
		}
	case TypeMarket:
	default:
		return fmt.Errorf("%w: unknown orderType %q", ErrInvalidOrder, o.OrderType)
	}
	return nil
}

// IsMarket returns true if order is a market order
func (o *Order) IsMarket() bool {
	return o.OrderType == TypeMarket
}

// PairKey returns the normalized "<from>/<to>" key used for side lookup.
func (o *Order) PairKey() string {
	return PairKey(o.FromTokenID, o.ToTokenID)
}

// PairKey builds the normalized lookup key for a token pair.
func PairKey(from, to string) string {
	return from + "/" + to
}

// Number renders a decimal as a JSON number literal.
func Number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// ParseNumber parses a JSON number literal into a decimal. An empty literal
// is zero.
func ParseNumber(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(string(n))
}

// IsDust reports whether the amount is at or below Epsilon.
func IsDust(d decimal.Decimal) bool {
	return d.LessThanOrEqual(Epsilon)
}
