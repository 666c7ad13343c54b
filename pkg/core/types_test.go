package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tolerance = decimal.New(1, -9)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func limitOrder(id, user, from, to, amount, price string) *Order {
	return &Order{
		TransactionID: id,
		UserID:        user,
		OrderType:     TypeLimit,
		FromTokenID:   from,
		ToTokenID:     to,
		FromAmount:    d(amount),
		LimitPrice:    d(price),
	}
}

func marketOrder(id, user, from, to, amount string) *Order {
	return &Order{
		TransactionID: id,
		UserID:        user,
		OrderType:     TypeMarket,
		FromTokenID:   from,
		ToTokenID:     to,
		FromAmount:    d(amount),
	}
}

func assertQuantityIdentity(t *testing.T, buy, sell *Order, m Match) {
	t.Helper()
	product := m.BaseQtyTraded.Mul(m.PriceExecuted)
	assert.True(t, product.Sub(m.QuoteQtyTraded).Abs().LessThanOrEqual(tolerance),
		"base*price=%s quote=%s", product, m.QuoteQtyTraded)
	assert.False(t, buy.FromAmount.Sub(m.QuoteQtyTraded).IsNegative())
	assert.False(t, sell.FromAmount.Sub(m.BaseQtyTraded).IsNegative())
}

func TestPolicy_LimitPriceRule(t *testing.T) {
	tests := []struct {
		name      string
		side      Side
		buyLimit  string
		sellLimit string
		want      string
	}{
		{"incoming buy takes the cheaper limit", Buy, "51000", "50000", "50000"},
		{"incoming buy at equal limits", Buy, "50000", "50000", "50000"},
		{"incoming sell takes the higher limit", Sell, "51000", "50000", "51000"},
		{"incoming sell at equal limits", Sell, "50000", "50000", "50000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buy := limitOrder("b", "alice", "USDT", "BTC", "10000", tt.buyLimit)
			sell := limitOrder("s", "bob", "BTC", "USDT", "1", tt.sellLimit)

			policy := PolicyFor(tt.side)
			incoming, counter := buy, sell
			if tt.side == Sell {
				incoming, counter = sell, buy
			}

			m, ok := policy.Cross(incoming, counter)
			require.True(t, ok)
			assert.True(t, d(tt.want).Equal(m.PriceExecuted), "got %s", m.PriceExecuted)
			assertQuantityIdentity(t, buy, sell, m)
		})
	}
}

func TestPolicy_LimitNotEligible(t *testing.T) {
	buy := limitOrder("b", "alice", "USDT", "BTC", "10000", "49000")
	sell := limitOrder("s", "bob", "BTC", "USDT", "1", "50000")

	_, ok := PolicyFor(Buy).Cross(buy, sell)
	assert.False(t, ok)

	_, ok = PolicyFor(Sell).Cross(sell, buy)
	assert.False(t, ok)
}

func TestPolicy_SelfTradePrevented(t *testing.T) {
	buy := limitOrder("b", "alice", "USDT", "BTC", "10000", "50000")
	sell := limitOrder("s", "alice", "BTC", "USDT", "1", "40000")

	_, ok := PolicyFor(Buy).Cross(buy, sell)
	assert.False(t, ok)

	_, ok = PolicyFor(Sell).Cross(sell, buy)
	assert.False(t, ok)

	mkt := marketOrder("m", "alice", "USDT", "BTC", "10000")
	_, ok = PolicyFor(Buy).Cross(mkt, sell)
	assert.False(t, ok)
}

func TestPolicy_MarketBuyPartiallyConsumesSeller(t *testing.T) {
	// 10,000 USDT against 0.4 BTC offered at 50,000
	buy := marketOrder("b", "alice", "USDT", "BTC", "10000")
	sell := limitOrder("s", "bob", "BTC", "USDT", "0.4", "50000")

	m, ok := PolicyFor(Buy).Cross(buy, sell)
	require.True(t, ok)

	assert.True(t, d("50000").Equal(m.PriceExecuted))
	assert.True(t, d("10000").Equal(m.QuoteQtyTraded))
	assert.True(t, d("0.2").Equal(m.BaseQtyTraded))
	assert.True(t, m.BuyRemaining.IsZero())
	assert.True(t, d("0.2").Equal(m.SellRemaining))
	assertQuantityIdentity(t, buy, sell, m)

	incoming, counter := PolicyFor(Buy).Remaining(m)
	assert.True(t, incoming.IsZero())
	assert.True(t, d("0.2").Equal(counter))
}

func TestPolicy_MarketSellUsesBidPrice(t *testing.T) {
	sell := marketOrder("s", "bob", "BTC", "USDT", "1")
	buy := limitOrder("b", "alice", "USDT", "BTC", "30000", "60000")

	m, ok := PolicyFor(Sell).Cross(sell, buy)
	require.True(t, ok)

	assert.True(t, d("60000").Equal(m.PriceExecuted))
	assert.True(t, d("30000").Equal(m.QuoteQtyTraded))
	assert.True(t, d("0.5").Equal(m.BaseQtyTraded))
	assert.True(t, m.BuyRemaining.IsZero())
	assert.True(t, d("0.5").Equal(m.SellRemaining))
	assertQuantityIdentity(t, buy, sell, m)

	incoming, counter := PolicyFor(Sell).Remaining(m)
	assert.True(t, d("0.5").Equal(incoming))
	assert.True(t, counter.IsZero())
}

func TestPolicy_RemainderBelowEpsilonIsZero(t *testing.T) {
	buy := limitOrder("b", "alice", "USDT", "BTC", "100.0000005", "100")
	sell := limitOrder("s", "bob", "BTC", "USDT", "1", "100")

	m, ok := PolicyFor(Sell).Cross(sell, buy)
	require.True(t, ok)
	assert.True(t, m.BuyRemaining.IsZero(), "got %s", m.BuyRemaining)
	assert.True(t, m.SellRemaining.IsZero())
}

func TestPolicy_RepeatingDivisionKeepsIdentity(t *testing.T) {
	buy := limitOrder("b", "alice", "USDT", "ETH", "100", "3")
	sell := limitOrder("s", "bob", "ETH", "USDT", "50", "3")

	m, ok := PolicyFor(Buy).Cross(buy, sell)
	require.True(t, ok)
	assert.True(t, m.BuyRemaining.IsZero())
	assert.True(t, m.SellRemaining.IsPositive())
	assertQuantityIdentity(t, buy, sell, m)
}

func TestPolicy_ZeroPricedCounterpartySkipped(t *testing.T) {
	buy := marketOrder("b", "alice", "USDT", "BTC", "100")
	sell := &Order{TransactionID: "s", UserID: "bob", OrderType: TypeMarket, FromAmount: d("1")}

	_, ok := PolicyFor(Buy).Cross(buy, sell)
	assert.False(t, ok)
}

func TestSortCounterparties(t *testing.T) {
	orders := []Order{
		*limitOrder("a", "u1", "BTC", "USDT", "1", "50100"),
		*limitOrder("b", "u2", "BTC", "USDT", "1", "49900"),
		*limitOrder("c", "u3", "BTC", "USDT", "1", "50000"),
		*limitOrder("d", "u4", "BTC", "USDT", "1", "49900"),
	}

	ids := func(os []Order) []string {
		out := make([]string, len(os))
		for i, o := range os {
			out[i] = o.TransactionID
		}
		return out
	}

	assert.Equal(t, []string{"b", "d", "c", "a"}, ids(SortCounterparties(Buy, orders)))
	assert.Equal(t, []string{"a", "c", "b", "d"}, ids(SortCounterparties(Sell, orders)))

	// input untouched
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(orders))
}
