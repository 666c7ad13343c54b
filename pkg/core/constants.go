package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Epsilon is the smallest remainder still considered open. Anything at or
// below it counts as filled.
var Epsilon = decimal.New(1, -6)

// DivisionPrecision is the number of fractional digits kept when deriving the
// base quantity from a quote amount.
const DivisionPrecision = 16

// Errors
var (
	ErrUnsupportedPair = errors.New("unsupported pair")
	ErrInvalidOrder    = errors.New("invalid order")
	ErrTransport       = errors.New("collaborator transport failure")
	ErrBookUpdate      = errors.New("order book update failed")
	ErrParse           = errors.New("malformed message")
	ErrPublish         = errors.New("publish failed")
)

// IsFatal reports whether err means the message can never be processed and
// must be dead-lettered rather than retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnsupportedPair) || errors.Is(err, ErrInvalidOrder)
}
