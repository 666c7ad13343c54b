package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/shopspring/decimal"
)

// Status is the outcome reported for one order
type Status string

// Notification statuses
const (
	StatusCompleted       Status = "completed"
	StatusPartiallyFilled Status = "partially filled"
	StatusCancelled       Status = "cancelled"
)

// StatusFor returns completed when remaining is zero and partially filled
// otherwise.
func StatusFor(remaining decimal.Decimal) Status {
	if remaining.IsZero() {
		return StatusCompleted
	}
	return StatusPartiallyFilled
}

// Publisher defines an interface for publishing notifications.
// This keeps the engine independent of the broker implementation.
type Publisher interface {
	Publish(ctx context.Context, n *Notification) error
}

// Notification is the event published for every order a matching pass
// touches. Amounts are the ones moved by the match being reported.
type Notification struct {
	TransactionID    string
	UserID           string
	Status           Status
	FromAmountActual decimal.Decimal
	ToAmountActual   decimal.Decimal
	Details          string
}

type notificationJSON struct {
	TransactionID    string      `json:"transactionId"`
	UserID           string      `json:"userId"`
	Status           Status      `json:"status"`
	FromAmountActual json.Number `json:"fromAmountActual"`
	ToAmountActual   json.Number `json:"toAmountActual"`
	Details          string      `json:"details"`
}

// MarshalJSON writes the amounts as JSON numbers
func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(notificationJSON{
		TransactionID:    n.TransactionID,
		UserID:           n.UserID,
		Status:           n.Status,
		FromAmountActual: core.Number(n.FromAmountActual),
		ToAmountActual:   core.Number(n.ToAmountActual),
		Details:          n.Details,
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for Notification
func (n *Notification) UnmarshalJSON(data []byte) error {
	var in notificationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	from, err := core.ParseNumber(in.FromAmountActual)
	if err != nil {
		return fmt.Errorf("fromAmountActual: %w", err)
	}
	to, err := core.ParseNumber(in.ToAmountActual)
	if err != nil {
		return fmt.Errorf("toAmountActual: %w", err)
	}

	*n = Notification{
		TransactionID:    in.TransactionID,
		UserID:           in.UserID,
		Status:           in.Status,
		FromAmountActual: from,
		ToAmountActual:   to,
		Details:          in.Details,
	}
	return nil
}
