// Package engine runs the matching pass for one incoming order: it finds
// compatible resting orders, settles every match through the holdings
// service, reconciles the order book and disposes of what is left.
package engine

import (
	"context"
	"fmt"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/erain9/matchsettle/pkg/idempotency"
	"github.com/erain9/matchsettle/pkg/ledger"
	"github.com/erain9/matchsettle/pkg/logging"
	"github.com/erain9/matchsettle/pkg/messaging"
	"github.com/erain9/matchsettle/pkg/orderbook"
	"github.com/erain9/matchsettle/pkg/otel"
	"github.com/erain9/matchsettle/pkg/saga"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// SideResolver maps a token pair to the side of the book it trades on
type SideResolver interface {
	Side(from, to string) (core.Side, error)
}

// OrderBook is the order-book collaborator
type OrderBook interface {
	OrdersByToken(ctx context.Context, from, to string) orderbook.Book
	AddOrder(ctx context.Context, order core.Order) error
	UpdateOrderQuantity(ctx context.Context, transactionID string, amount decimal.Decimal, guard orderbook.Guard) error
	DeleteOrder(ctx context.Context, transactionID string, guard orderbook.Guard) error
}

// Ledger is the holdings collaborator
type Ledger interface {
	Execute(ctx context.Context, ch ledger.Change) (ledger.Receipt, error)
	Deposit(ctx context.Context, ch ledger.Change) (ledger.Receipt, error)
	Withdraw(ctx context.Context, ch ledger.Change) (ledger.Receipt, error)
	Release(ctx context.Context, ch ledger.Change) (ledger.Receipt, error)
}

// Fill is one settled match of the incoming order
type Fill struct {
	CounterpartyID string
	Match          core.Match
}

// Report summarises a matching pass
type Report struct {
	TransactionID string
	Side          core.Side
	Fills         []Fill
	// Remaining is the unfilled fromAmount after matching.
	Remaining decimal.Decimal
	// Abandoned counts pairings rolled back after a settlement or
	// reconciliation failure.
	Abandoned int
	Rested    bool
	Cancelled bool
}

// Received is what the incoming order obtained across all fills: base for a
// buy, quote for a sell.
func (r *Report) Received() decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.Fills {
		if r.Side == core.Buy {
			total = total.Add(f.Match.BaseQtyTraded)
		} else {
			total = total.Add(f.Match.QuoteQtyTraded)
		}
	}
	return total
}

// Spent is what the incoming order paid across all fills
func (r *Report) Spent() decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.Fills {
		if r.Side == core.Buy {
			total = total.Add(f.Match.QuoteQtyTraded)
		} else {
			total = total.Add(f.Match.BaseQtyTraded)
		}
	}
	return total
}

// Engine matches and settles incoming orders. It keeps no state between
// calls to Process.
type Engine struct {
	sides     SideResolver
	book      OrderBook
	ledger    Ledger
	publisher messaging.Publisher
	runner    *saga.Runner
	metrics   *otel.EngineMetrics
	// abandoned remembers pairings that were rolled back, so a redelivered
	// order does not replay only the steps that were compensated.
	abandoned idempotency.Store
}

// Option configures an Engine
type Option func(*Engine)

// WithMetrics replaces the global engine metrics
func WithMetrics(m *otel.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPairingStore replaces the process-local record of abandoned pairings,
// typically with the shared Redis store.
func WithPairingStore(s idempotency.Store) Option {
	return func(e *Engine) { e.abandoned = s }
}

// New creates a new Engine
func New(sides SideResolver, book OrderBook, ledger Ledger, publisher messaging.Publisher, opts ...Option) *Engine {
	e := &Engine{
		sides:     sides,
		book:      book,
		ledger:    ledger,
		publisher: publisher,
		runner:    saga.NewRunner(),
		metrics:   otel.GetEngineMetrics(),
		abandoned: idempotency.NewMemoryStore(idempotency.DefaultTTL),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.runner.OnCompensationFailure = e.metrics.RecordCompensationFailure
	return e
}

// Process runs the full matching pass for order. The only errors returned
// are the ones that make the order unprocessable (invalid order, unsupported
// pair); collaborator failures are handled inside the pass and reported
// through notifications.
func (e *Engine) Process(ctx context.Context, order core.Order) (*Report, error) {
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("order %s: %w", order.TransactionID, err)
	}
	side, err := e.sides.Side(order.FromTokenID, order.ToTokenID)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", order.TransactionID, err)
	}

	ctx = logging.WithOrder(ctx, order.TransactionID, order.UserID)
	logger := zerolog.Ctx(ctx)

	ctx, span := otel.StartOrderSpan(ctx, otel.SpanProcessOrder,
		attribute.String(otel.AttributeOrderID, order.TransactionID),
		attribute.String(otel.AttributeOrderSide, side.String()),
		attribute.String(otel.AttributeOrderType, string(order.OrderType)),
		attribute.String(otel.AttributeOrderPair, order.PairKey()),
		attribute.String(otel.AttributeOrderQuantity, order.FromAmount.String()),
		attribute.String(otel.AttributeOrderPrice, order.LimitPrice.String()),
	)
	defer span.End()

	report := &Report{TransactionID: order.TransactionID, Side: side}
	policy := core.PolicyFor(side)
	incoming := order

	candidates, reason := e.candidates(ctx, side, &incoming)
	otel.AddAttributes(span, attribute.Int(otel.AttributeCandidateCount, len(candidates)))

	for i := range candidates {
		if incoming.FromAmount.IsZero() {
			break
		}
		counter := candidates[i]

		m, ok := policy.Cross(&incoming, &counter)
		if !ok {
			continue
		}
		if !e.matchCandidate(ctx, policy, &incoming, &counter, m) {
			report.Abandoned++
			continue
		}

		report.Fills = append(report.Fills, Fill{CounterpartyID: counter.TransactionID, Match: m})
		incoming.FromAmount, _ = policy.Remaining(m)
	}
	report.Remaining = incoming.FromAmount

	if !report.Remaining.IsZero() {
		e.handleResidual(ctx, order, report, reason)
	}

	otel.AddAttributes(span, attribute.Int(otel.AttributeFillCount, len(report.Fills)))
	logger.Info().
		Str("side", side.String()).
		Int("fills", len(report.Fills)).
		Int("abandoned", report.Abandoned).
		Str("remaining", report.Remaining.String()).
		Bool("rested", report.Rested).
		Bool("cancelled", report.Cancelled).
		Msg("Order processed")

	return report, nil
}

// candidates fetches the opposite book sorted by price priority. When there
// is nothing to match it returns the reason instead.
func (e *Engine) candidates(ctx context.Context, side core.Side, incoming *core.Order) ([]core.Order, string) {
	logger := zerolog.Ctx(ctx)

	book := e.book.OrdersByToken(ctx, incoming.ToTokenID, incoming.FromTokenID)
	if !book.Success {
		logger.Warn().Str("error", book.ErrorMessage).Msg("Counterparty lookup failed")
		return nil, book.ErrorMessage
	}
	if !book.Liquidity {
		logger.Debug().Str("message", book.ErrorMessage).Msg("No resting counterparty orders")
		if book.ErrorMessage != "" {
			return nil, book.ErrorMessage
		}
		return nil, "no resting counterparty orders"
	}
	return core.SortCounterparties(side, book.Orders), ""
}

// matchCandidate settles one match and reconciles the counterparty. It
// reports false when the pairing was abandoned; by then every ledger effect
// has been compensated.
func (e *Engine) matchCandidate(ctx context.Context, policy core.Policy, incoming, counter *core.Order, m core.Match) bool {
	logger := zerolog.Ctx(ctx).With().Str("counterparty_id", counter.TransactionID).Logger()
	ctx = logger.WithContext(ctx)

	ctx, span := otel.StartOrderSpan(ctx, otel.SpanMatchCandidate,
		attribute.String(otel.AttributeCounterpartyID, counter.TransactionID),
		attribute.String(otel.AttributeMatchPrice, m.PriceExecuted.String()),
		attribute.String(otel.AttributeMatchBaseQty, m.BaseQtyTraded.String()),
		attribute.String(otel.AttributeMatchQuoteQty, m.QuoteQtyTraded.String()),
	)
	defer span.End()

	buy, sell := policy.Assign(incoming, counter)
	pairing := pairingKey(buy, sell)

	if e.wasAbandoned(ctx, pairing) {
		logger.Warn().Msg("Pairing was rolled back by an earlier delivery, skipping")
		return false
	}

	res, replayed := e.settle(ctx, buy, sell, m)
	if !res.OK() {
		otel.RecordError(span, res.Err)
		e.metrics.RecordRollback(ctx, res.FailedStep)
		logger.Warn().
			Err(res.Err).
			Int("compensation_failures", len(res.CompensationFailures)).
			Msg("Settlement failed, pairing abandoned")
		e.markAbandoned(ctx, pairing)
		return false
	}

	// The guard makes the update conditional on the amount just read and
	// lets a redelivery of this pairing land as a no-op.
	_, counterRemaining := policy.Remaining(m)
	guard := orderbook.Guard{Expected: counter.FromAmount, Key: pairing + ":" + stepReconcile}
	if err := e.reconcile(ctx, counter.TransactionID, counterRemaining, guard); err != nil {
		otel.RecordError(span, err)
		if replayed {
			// the funds moved on an earlier delivery and stay moved
			logger.Error().Err(err).Msg("Order book reconciliation failed for an already settled pairing")
			return true
		}
		failures := res.Unwind(ctx)
		e.metrics.RecordRollback(ctx, stepReconcile)
		logger.Warn().
			Err(err).
			Int("compensation_failures", len(failures)).
			Msg("Order book reconciliation failed, settlement rolled back")
		e.markAbandoned(ctx, pairing)
		return false
	}

	if replayed {
		e.metrics.RecordDuplicate(ctx)
		logger.Info().Msg("Pairing already settled by an earlier delivery, not notifying again")
		return true
	}

	e.metrics.RecordMatch(ctx, policy.Side.String(), string(incoming.OrderType))
	logger.Info().
		Str("price", m.PriceExecuted.String()).
		Str("base_qty", m.BaseQtyTraded.String()).
		Str("quote_qty", m.QuoteQtyTraded.String()).
		Msg("Match settled")

	e.publish(ctx,
		&messaging.Notification{
			TransactionID:    buy.TransactionID,
			UserID:           buy.UserID,
			Status:           messaging.StatusFor(m.BuyRemaining),
			FromAmountActual: m.QuoteQtyTraded,
			ToAmountActual:   m.BaseQtyTraded,
		},
		&messaging.Notification{
			TransactionID:    sell.TransactionID,
			UserID:           sell.UserID,
			Status:           messaging.StatusFor(m.SellRemaining),
			FromAmountActual: m.BaseQtyTraded,
			ToAmountActual:   m.QuoteQtyTraded,
		},
	)
	return true
}

// reconcile deletes a filled resting order or shrinks a partially filled one
func (e *Engine) reconcile(ctx context.Context, transactionID string, remaining decimal.Decimal, guard orderbook.Guard) error {
	if core.IsDust(remaining) {
		return e.book.DeleteOrder(ctx, transactionID, guard)
	}
	return e.book.UpdateOrderQuantity(ctx, transactionID, remaining, guard)
}

func (e *Engine) wasAbandoned(ctx context.Context, pairing string) bool {
	seen, err := e.abandoned.Seen(ctx, pairing+":abandoned")
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Abandoned-pairing check failed, settling anyway")
		return false
	}
	return seen
}

func (e *Engine) markAbandoned(ctx context.Context, pairing string) {
	if err := e.abandoned.MarkDone(ctx, pairing+":abandoned"); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to record abandoned pairing")
	}
}

// publish sends notifications. Failures are logged only.
func (e *Engine) publish(ctx context.Context, notifications ...*messaging.Notification) {
	for _, n := range notifications {
		pctx, span := otel.StartOrderSpan(ctx, otel.SpanPublishNotification,
			attribute.String(otel.AttributeOrderID, n.TransactionID),
			attribute.String(otel.AttributeStatus, string(n.Status)),
		)
		if err := e.publisher.Publish(pctx, n); err != nil {
			otel.RecordError(span, err)
			zerolog.Ctx(ctx).Error().
				Err(err).
				Str("notification_for", n.TransactionID).
				Str("status", string(n.Status)).
				Msg("Failed to publish notification")
		}
		span.End()
	}
}
