package collabsim

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

func (s *Simulator) getOrdersByToken(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("fromTokenId")
	to := r.URL.Query().Get("toTokenId")

	s.mu.Lock()
	failed := s.record(Call{Method: r.Method, Path: r.URL.Path})
	orders := make([]core.Order, 0)
	for _, o := range s.orders {
		if o.FromTokenID == from && o.ToTokenID == to {
			orders = append(orders, o)
		}
	}
	s.mu.Unlock()

	if failed {
		injected(w)
		return
	}

	res := result{Success: true}
	if len(orders) == 0 {
		res = result{Success: false, ErrorMessage: "no orders found"}
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "orders": orders})
}

func (s *Simulator) addOrder(w http.ResponseWriter, r *http.Request) {
	var o core.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeJSON(w, http.StatusBadRequest, result{ErrorMessage: err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	call := Call{Method: r.Method, Path: r.URL.Path, TransactionID: o.TransactionID, UserID: o.UserID, Amount: o.FromAmount, Key: r.Header.Get(idempotencyHeader)}
	if s.replay(w, call) {
		return
	}
	if s.record(call) {
		injected(w)
		return
	}
	if s.indexOf(o.TransactionID) >= 0 {
		writeJSON(w, http.StatusOK, result{ErrorMessage: "order already exists"})
		return
	}
	s.orders = append(s.orders, o)
	s.applied(call.Key)
	writeJSON(w, http.StatusOK, result{Success: true})
}

func (s *Simulator) updateOrderQuantity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionId")

	var body struct {
		FromAmount         json.Number `json:"fromAmount"`
		ExpectedFromAmount json.Number `json:"expectedFromAmount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, result{ErrorMessage: err.Error()})
		return
	}
	amount, err := core.ParseNumber(body.FromAmount)
	if err != nil || !amount.IsPositive() {
		writeJSON(w, http.StatusBadRequest, result{ErrorMessage: "fromAmount must be positive"})
		return
	}
	expected, err := optionalNumber(string(body.ExpectedFromAmount))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, result{ErrorMessage: "expectedFromAmount: " + err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	call := Call{Method: r.Method, Path: r.URL.Path, TransactionID: id, Amount: amount, Key: r.Header.Get(idempotencyHeader)}
	if s.replay(w, call) {
		return
	}
	if s.record(call) {
		injected(w)
		return
	}
	i, msg := s.lookup(id, expected)
	if msg != "" {
		writeJSON(w, http.StatusOK, result{ErrorMessage: msg})
		return
	}
	s.orders[i].FromAmount = amount
	s.applied(call.Key)
	writeJSON(w, http.StatusOK, result{Success: true})
}

func (s *Simulator) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionId")

	expected, err := optionalNumber(r.URL.Query().Get("expectedFromAmount"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, result{ErrorMessage: "expectedFromAmount: " + err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	call := Call{Method: r.Method, Path: r.URL.Path, TransactionID: id, Key: r.Header.Get(idempotencyHeader)}
	if s.replay(w, call) {
		return
	}
	if s.record(call) {
		injected(w)
		return
	}
	i, msg := s.lookup(id, expected)
	if msg != "" {
		writeJSON(w, http.StatusOK, result{ErrorMessage: msg})
		return
	}
	s.orders = append(s.orders[:i], s.orders[i+1:]...)
	s.applied(call.Key)
	writeJSON(w, http.StatusOK, result{Success: true})
}

// lookup finds a resting order and checks its fromAmount against expected
// when one was sent. Callers hold s.mu.
func (s *Simulator) lookup(id string, expected *decimal.Decimal) (int, string) {
	i := s.indexOf(id)
	if i < 0 {
		return -1, "order not found"
	}
	if expected != nil && !s.orders[i].FromAmount.Equal(*expected) {
		return -1, fmt.Sprintf("fromAmount is %s, expected %s", s.orders[i].FromAmount, *expected)
	}
	return i, ""
}

func optionalNumber(raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := core.ParseNumber(json.Number(raw))
	if err != nil {
		return nil, err
	}
	return &d, nil
}

type change struct {
	UserID        string      `json:"userId"`
	TokenID       string      `json:"tokenId"`
	AmountChanged json.Number `json:"amountChanged"`
}

type applyFunc func(h *Holding, amount decimal.Decimal) error

// holdingsHandler decodes the change, honours the Idempotency-Key header
// and applies fn under the lock.
func (s *Simulator) holdingsHandler(fn applyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c change
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		amount, err := core.ParseNumber(c.AmountChanged)
		if err != nil || !amount.IsPositive() || c.UserID == "" || c.TokenID == "" {
			http.Error(w, "userId, tokenId and a positive amountChanged are required", http.StatusBadRequest)
			return
		}

		call := Call{Method: r.Method, Path: r.URL.Path, UserID: c.UserID, TokenID: c.TokenID, Amount: amount, Key: r.Header.Get(idempotencyHeader)}

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.replay(w, call) {
			return
		}
		if s.record(call) {
			injected(w)
			return
		}
		if err := fn(s.holding(c.UserID, c.TokenID), amount); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.applied(call.Key)
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Simulator) execute(h *Holding, amount decimal.Decimal) error {
	if h.Actual.LessThan(amount) {
		return fmt.Errorf("insufficient balance: have %s, need %s", h.Actual, amount)
	}
	h.Available = h.Available.Sub(amount)
	h.Actual = h.Actual.Sub(amount)
	return nil
}

func (s *Simulator) deposit(h *Holding, amount decimal.Decimal) error {
	h.Available = h.Available.Add(amount)
	h.Actual = h.Actual.Add(amount)
	return nil
}

func (s *Simulator) release(h *Holding, amount decimal.Decimal) error {
	h.Available = h.Available.Add(amount)
	return nil
}
