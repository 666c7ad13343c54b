package core

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Match is the outcome of crossing one buy leg with one sell leg. It only
// lives for the duration of a single matching iteration.
type Match struct {
	PriceExecuted  decimal.Decimal
	BaseQtyTraded  decimal.Decimal
	QuoteQtyTraded decimal.Decimal
	BuyRemaining   decimal.Decimal
	SellRemaining  decimal.Decimal
}

// PriceRule picks the execution price of a limit match from both limits.
type PriceRule func(buyLimit, sellLimit decimal.Decimal) decimal.Decimal

// Policy captures everything that differs between an incoming buy and an
// incoming sell: which leg plays which role and which limit wins.
type Policy struct {
	Side  Side
	Price PriceRule
}

// PolicyFor returns the matching policy for an incoming order on side.
// Limit matches execute at the price most favourable to the requester: the
// lower limit for a buyer, the higher one for a seller.
func PolicyFor(side Side) Policy {
	if side == Buy {
		return Policy{Side: Buy, Price: lowerLimit}
	}
	return Policy{Side: Sell, Price: higherLimit}
}

func lowerLimit(buyLimit, sellLimit decimal.Decimal) decimal.Decimal {
	return decimal.Min(buyLimit, sellLimit)
}

func higherLimit(buyLimit, sellLimit decimal.Decimal) decimal.Decimal {
	return decimal.Max(sellLimit, buyLimit)
}

// Assign returns the incoming and counterparty orders as (buy, sell).
func (p Policy) Assign(incoming, counter *Order) (buy, sell *Order) {
	if p.Side == Buy {
		return incoming, counter
	}
	return counter, incoming
}

// Remaining splits the post-trade remainders of m into the incoming and the
// counterparty leg.
func (p Policy) Remaining(m Match) (incoming, counter decimal.Decimal) {
	if p.Side == Buy {
		return m.BuyRemaining, m.SellRemaining
	}
	return m.SellRemaining, m.BuyRemaining
}

// Cross tests incoming against counter and, when eligible, computes the
// match. Buy amounts are quote-denominated, sell amounts base-denominated.
func (p Policy) Cross(incoming, counter *Order) (Match, bool) {
	buy, sell := p.Assign(incoming, counter)

	if buy.UserID == sell.UserID {
		return Match{}, false
	}

	var price decimal.Decimal
	if incoming.IsMarket() {
		price = counter.LimitPrice
	} else {
		if sell.LimitPrice.GreaterThan(buy.LimitPrice) {
			return Match{}, false
		}
		price = p.Price(buy.LimitPrice, sell.LimitPrice)
	}
	if !price.IsPositive() {
		return Match{}, false
	}

	sellQty := sell.FromAmount.Mul(price)
	buyQty := buy.FromAmount

	var base, quote decimal.Decimal
	if sellQty.LessThanOrEqual(buyQty) {
		// seller is exhausted; keep its amount exact
		quote = sellQty
		base = sell.FromAmount
	} else {
		quote = buyQty
		base = buyQty.DivRound(price, DivisionPrecision)
		if base.GreaterThan(sell.FromAmount) {
			base = sell.FromAmount
		}
	}

	if !base.IsPositive() || !quote.IsPositive() {
		return Match{}, false
	}

	return Match{
		PriceExecuted:  price,
		BaseQtyTraded:  base,
		QuoteQtyTraded: quote,
		BuyRemaining:   clampDust(buy.FromAmount.Sub(quote)),
		SellRemaining:  clampDust(sell.FromAmount.Sub(base)),
	}, true
}

// SortCounterparties orders resting orders by price priority for an incoming
// order on side: cheapest seller first for a buy, highest bidder first for a
// sell. Equal prices keep the order the book returned them in.
func SortCounterparties(side Side, orders []Order) []Order {
	sorted := make([]Order, len(orders))
	copy(sorted, orders)

	sort.SliceStable(sorted, func(i, j int) bool {
		if side == Buy {
			return sorted[i].LimitPrice.LessThan(sorted[j].LimitPrice)
		}
		return sorted[i].LimitPrice.GreaterThan(sorted[j].LimitPrice)
	})
	return sorted
}

func clampDust(d decimal.Decimal) decimal.Decimal {
	if IsDust(d) {
		return decimal.Zero
	}
	return d
}
