package engine

import (
	"context"
	"fmt"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/erain9/matchsettle/pkg/ledger"
	"github.com/erain9/matchsettle/pkg/messaging"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// handleResidual disposes of the unfilled part of order once every candidate
// has been tried. A limit remainder rests on the book; a market remainder is
// released back to the user.
func (e *Engine) handleResidual(ctx context.Context, order core.Order, report *Report, reason string) {
	logger := zerolog.Ctx(ctx)
	filled := len(report.Fills) > 0

	switch order.OrderType {
	case core.TypeLimit:
		resting := order
		resting.FromAmount = report.Remaining

		err := e.book.AddOrder(ctx, resting)
		if err == nil {
			report.Rested = true
			logger.Info().Str("amount", resting.FromAmount.String()).Msg("Remainder rested on the book")
			return
		}
		if filled {
			// the partial-fill notifications already went out
			logger.Error().
				Err(err).
				Str("remaining", report.Remaining.String()).
				Msg("Failed to rest remainder after partial fill")
			return
		}
		e.cancel(ctx, order, report, fmt.Sprintf("order could not be booked: %v", err))

	case core.TypeMarket:
		if !filled {
			e.cancel(ctx, order, report, fmt.Sprintf("market order found no liquidity: %s", reason))
			return
		}
		if err := e.release(ctx, order, report.Remaining); err != nil {
			logger.Error().Err(err).Str("remaining", report.Remaining.String()).Msg("Failed to release unfilled remainder")
			e.publish(ctx, &messaging.Notification{
				TransactionID:    order.TransactionID,
				UserID:           order.UserID,
				Status:           messaging.StatusPartiallyFilled,
				FromAmountActual: report.Spent(),
				ToAmountActual:   report.Received(),
				Details:          fmt.Sprintf("unfilled remainder %s could not be released: %v", report.Remaining, err),
			})
		}
	}
}

// cancel releases the full reservation and announces the cancellation. The
// notification goes out even when the release fails.
func (e *Engine) cancel(ctx context.Context, order core.Order, report *Report, details string) {
	report.Cancelled = true

	if err := e.release(ctx, order, order.FromAmount); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to release reserved funds")
		details = fmt.Sprintf("%s; reserved funds could not be released: %v", details, err)
	}

	e.publish(ctx, &messaging.Notification{
		TransactionID:    order.TransactionID,
		UserID:           order.UserID,
		Status:           messaging.StatusCancelled,
		FromAmountActual: decimal.Zero,
		ToAmountActual:   decimal.Zero,
		Details:          details,
	})
}

func (e *Engine) release(ctx context.Context, order core.Order, amount decimal.Decimal) error {
	_, err := e.ledger.Release(ctx, ledger.Change{
		UserID:  order.UserID,
		TokenID: order.FromTokenID,
		Amount:  amount,
		Key:     order.TransactionID + ":release",
	})
	return err
}
