// Package orderbook is the client for the order-book service that owns all
// resting orders.
package orderbook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/erain9/matchsettle/pkg/transport"
	"github.com/shopspring/decimal"
)

// Result is the status envelope every order-book endpoint returns
type Result struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage"`
}

// Book is the outcome of a counterparty lookup. Success is false only when
// the service could not be reached or answered garbage; an empty book is
// Success with Liquidity false.
type Book struct {
	Success      bool
	Liquidity    bool
	Orders       []core.Order
	ErrorMessage string
}

type ordersResponse struct {
	Result Result       `json:"result"`
	Orders []core.Order `json:"orders"`
}

// Guard makes an update or delete conditional and replay safe. Zero fields
// are not sent.
type Guard struct {
	// Expected is the fromAmount the resting order must still hold.
	Expected decimal.Decimal
	// Key is sent as the Idempotency-Key header.
	Key string
}

func (g Guard) header() http.Header {
	if g.Key == "" {
		return nil
	}
	return http.Header{transport.IdempotencyHeader: []string{g.Key}}
}

// AddKey is the Idempotency-Key AddOrder sends for an order.
func AddKey(transactionID string) string {
	return transactionID + ":add"
}

// Client calls the order-book service
type Client struct {
	http *transport.Client
}

// NewClient creates a new order-book client
func NewClient(http *transport.Client) *Client {
	return &Client{http: http}
}

// OrdersByToken returns the resting orders that spend from to obtain to.
func (c *Client) OrdersByToken(ctx context.Context, from, to string) Book {
	var resp ordersResponse
	err := c.http.Do(ctx, transport.Request{
		Name:   "orderbook.get_orders_by_token",
		Method: http.MethodGet,
		Path:   "/GetOrdersByToken",
		Query:  map[string]string{"fromTokenId": from, "toTokenId": to},
	}, &resp)
	if err != nil {
		return Book{
			Success:      false,
			ErrorMessage: fmt.Sprintf("order book unreachable: %v", err),
		}
	}

	return Book{
		Success:      true,
		Liquidity:    resp.Result.Success && len(resp.Orders) > 0,
		Orders:       resp.Orders,
		ErrorMessage: resp.Result.ErrorMessage,
	}
}

// AddOrder inserts order as a resting order
func (c *Client) AddOrder(ctx context.Context, order core.Order) error {
	var res Result
	err := c.http.Do(ctx, transport.Request{
		Name:   "orderbook.add_order",
		Method: http.MethodPost,
		Path:   "/AddOrder",
		Header: Guard{Key: AddKey(order.TransactionID)}.header(),
		Body:   order,
	}, &res)
	return check("add order "+order.TransactionID, res, err)
}

// UpdateOrderQuantity sets the remaining fromAmount of a resting order. The
// service refuses the update when guard.Expected is set and no longer matches.
func (c *Client) UpdateOrderQuantity(ctx context.Context, transactionID string, amount decimal.Decimal, guard Guard) error {
	body := map[string]json.Number{"fromAmount": core.Number(amount)}
	if !guard.Expected.IsZero() {
		body["expectedFromAmount"] = core.Number(guard.Expected)
	}

	var res Result
	err := c.http.Do(ctx, transport.Request{
		Name:   "orderbook.update_order_quantity",
		Method: http.MethodPatch,
		Path:   "/UpdateOrderQuantity/" + url.PathEscape(transactionID) + "/",
		Header: guard.header(),
		Body:   body,
	}, &res)
	return check("update order "+transactionID, res, err)
}

// DeleteOrder removes a resting order, under the same guard rules as
// UpdateOrderQuantity.
func (c *Client) DeleteOrder(ctx context.Context, transactionID string, guard Guard) error {
	req := transport.Request{
		Name:   "orderbook.delete_order",
		Method: http.MethodDelete,
		Path:   "/DeleteOrder/" + url.PathEscape(transactionID) + "/",
		Header: guard.header(),
	}
	if !guard.Expected.IsZero() {
		req.Query = map[string]string{"expectedFromAmount": guard.Expected.String()}
	}

	var res Result
	err := c.http.Do(ctx, req, &res)
	return check("delete order "+transactionID, res, err)
}

func check(what string, res Result, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if !res.Success {
		return fmt.Errorf("%s: %w: %s", what, core.ErrBookUpdate, res.ErrorMessage)
	}
	return nil
}
