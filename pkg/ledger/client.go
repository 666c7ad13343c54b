// Package ledger is the client for the holdings service. Balances only move
// through the four operations exposed here.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/erain9/matchsettle/pkg/transport"
	"github.com/shopspring/decimal"
)

// IdempotencyHeader carries the replay-protection key on every ledger call.
const IdempotencyHeader = transport.IdempotencyHeader

// Operation names a holdings endpoint
type Operation string

// Holdings operations
const (
	// OpExecute debits available and actual balance.
	OpExecute Operation = "execute"
	// OpDeposit credits both balances, creating the holding if needed.
	OpDeposit Operation = "deposit"
	// OpWithdraw credits back a prior debit.
	OpWithdraw Operation = "withdraw"
	// OpRelease frees a reservation without moving actual balance.
	OpRelease Operation = "release"
)

// Change is one balance movement.
type Change struct {
	UserID  string
	TokenID string
	Amount  decimal.Decimal
	// Key is sent as the Idempotency-Key header when set.
	Key string
}

// MarshalJSON writes the change as {userId, tokenId, amountChanged}
func (c Change) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		UserID        string      `json:"userId"`
		TokenID       string      `json:"tokenId"`
		AmountChanged json.Number `json:"amountChanged"`
	}{
		UserID:        c.UserID,
		TokenID:       c.TokenID,
		AmountChanged: core.Number(c.Amount),
	})
}

// Receipt describes how the holdings service handled one change.
type Receipt struct {
	// Replayed is true when the change's Key had already been applied and
	// nothing moved this time.
	Replayed bool
}

// Client calls the holdings service
type Client struct {
	http *transport.Client
}

// NewClient creates a new ledger client
func NewClient(http *transport.Client) *Client {
	return &Client{http: http}
}

// Execute debits c.Amount from the holding
func (c *Client) Execute(ctx context.Context, ch Change) (Receipt, error) {
	return c.apply(ctx, OpExecute, ch)
}

// Deposit credits c.Amount to the holding
func (c *Client) Deposit(ctx context.Context, ch Change) (Receipt, error) {
	return c.apply(ctx, OpDeposit, ch)
}

// Withdraw credits back an earlier debit
func (c *Client) Withdraw(ctx context.Context, ch Change) (Receipt, error) {
	return c.apply(ctx, OpWithdraw, ch)
}

// Release frees a reservation
func (c *Client) Release(ctx context.Context, ch Change) (Receipt, error) {
	return c.apply(ctx, OpRelease, ch)
}

func (c *Client) apply(ctx context.Context, op Operation, ch Change) (Receipt, error) {
	req := transport.Request{
		Name:   "holdings." + string(op),
		Method: http.MethodPost,
		Path:   "/holdings/" + string(op),
		Body:   ch,
	}
	if ch.Key != "" {
		req.Header = http.Header{IdempotencyHeader: []string{ch.Key}}
	}

	resp, err := c.http.Send(ctx, req, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("holdings %s for user %s token %s: %w", op, ch.UserID, ch.TokenID, err)
	}
	return Receipt{Replayed: resp.Replayed()}, nil
}
