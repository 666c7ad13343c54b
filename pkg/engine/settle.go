package engine

import (
	"context"
	"fmt"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/erain9/matchsettle/pkg/ledger"
	"github.com/erain9/matchsettle/pkg/otel"
	"github.com/erain9/matchsettle/pkg/saga"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// Settlement step names. They also make up the ledger idempotency keys.
const (
	stepDebitBuyer   = "debit-buyer"
	stepDebitSeller  = "debit-seller"
	stepCreditBuyer  = "credit-buyer"
	stepCreditSeller = "credit-seller"
	stepReconcile    = "reconcile"
)

type ledgerCall func(ctx context.Context, ch ledger.Change) (ledger.Receipt, error)

// settle moves the funds of one match:
//
//	debit-buyer    execute buyer fromToken by quote    undo: withdraw
//	debit-seller   execute seller fromToken by base    undo: withdraw
//	credit-buyer   deposit buyer toToken by base       undo: execute
//	credit-seller  deposit seller toToken by quote     undo: execute
//
// replayed is true when the holdings service answered every step from an
// earlier application of its key, i.e. an earlier delivery of the same order
// already settled this pairing.
func (e *Engine) settle(ctx context.Context, buy, sell *core.Order, m core.Match) (res *saga.Result, replayed bool) {
	ctx, span := otel.StartOrderSpan(ctx, otel.SpanSettle,
		attribute.String(otel.AttributeOrderID, buy.TransactionID),
		attribute.String(otel.AttributeCounterpartyID, sell.TransactionID),
	)
	defer span.End()

	pair := pairingKey(buy, sell)
	var replays int
	steps := []saga.Step{
		e.step(pair, stepDebitBuyer, buy.UserID, buy.FromTokenID, m.QuoteQtyTraded, e.ledger.Execute, e.ledger.Withdraw, &replays),
		e.step(pair, stepDebitSeller, sell.UserID, sell.FromTokenID, m.BaseQtyTraded, e.ledger.Execute, e.ledger.Withdraw, &replays),
		e.step(pair, stepCreditBuyer, buy.UserID, buy.ToTokenID, m.BaseQtyTraded, e.ledger.Deposit, e.ledger.Execute, &replays),
		e.step(pair, stepCreditSeller, sell.UserID, sell.ToTokenID, m.QuoteQtyTraded, e.ledger.Deposit, e.ledger.Execute, &replays),
	}
	res = e.runner.Run(ctx, steps...)
	if !res.OK() {
		otel.RecordError(span, res.Err)
		otel.AddAttributes(span, attribute.String(otel.AttributeFailedStep, res.FailedStep))
		return res, false
	}
	return res, replays == len(steps)
}

func pairingKey(buy, sell *core.Order) string {
	return buy.TransactionID + ":" + sell.TransactionID
}

// step builds one saga step. replays counts Do calls the holdings service
// answered from an earlier application; the runner calls steps in order.
func (e *Engine) step(pair, name, userID, tokenID string, amount decimal.Decimal, do, undo ledgerCall, replays *int) saga.Step {
	change := func(phase string) ledger.Change {
		return ledger.Change{
			UserID:  userID,
			TokenID: tokenID,
			Amount:  amount,
			Key:     fmt.Sprintf("%s:%s:%s", pair, name, phase),
		}
	}
	return saga.Step{
		Name:       name,
		Do: func(ctx context.Context) error {
			receipt, err := do(ctx, change("do"))
			if err == nil && receipt.Replayed {
				*replays++
			}
			return err
		},
		Compensate: func(ctx context.Context) error {
			_, err := undo(ctx, change("undo"))
			return err
		},
	}
}
