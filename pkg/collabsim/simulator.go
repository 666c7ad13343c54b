// Package collabsim serves an in-memory stand-in for the order-book and
// holdings services. It backs local runs and the engine's scenario tests.
package collabsim

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

// Call is one request the simulator received
type Call struct {
	Method        string
	Path          string
	TransactionID string
	UserID        string
	TokenID       string
	Amount        decimal.Decimal
	Key           string
	Failed        bool
	Replayed      bool
}

// Holding is a user's balance of one token
type Holding struct {
	Available decimal.Decimal
	Actual    decimal.Decimal
}

// Simulator holds the simulated state
type Simulator struct {
	mu          sync.Mutex
	orders      []core.Order
	holdings    map[string]map[string]*Holding
	calls       []Call
	appliedKeys map[string]bool
	failures    []func(Call) bool
	unavailable bool
}

// New creates an empty simulator
func New() *Simulator {
	return &Simulator{
		holdings:    make(map[string]map[string]*Holding),
		appliedKeys: make(map[string]bool),
	}
}

// Router returns the HTTP handler exposing both services
func (s *Simulator) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(s.availability)

	r.Get("/GetOrdersByToken", s.getOrdersByToken)
	r.Post("/AddOrder", s.addOrder)
	r.Patch("/UpdateOrderQuantity/{transactionId}", s.updateOrderQuantity)
	r.Delete("/DeleteOrder/{transactionId}", s.deleteOrder)

	r.Route("/holdings", func(r chi.Router) {
		r.Post("/execute", s.holdingsHandler(s.execute))
		r.Post("/deposit", s.holdingsHandler(s.deposit))
		r.Post("/withdraw", s.holdingsHandler(s.deposit))
		r.Post("/release", s.holdingsHandler(s.release))
	})
	return r
}

// Seed appends resting orders in the given order
func (s *Simulator) Seed(orders ...core.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, orders...)
}

// SetHolding sets both balances of a holding
func (s *Simulator) SetHolding(userID, tokenID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.holding(userID, tokenID)
	h.Available = amount
	h.Actual = amount
}

// Holding returns a copy of a holding; missing holdings are zero
func (s *Simulator) Holding(userID, tokenID string) Holding {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byToken, ok := s.holdings[userID]; ok {
		if h, ok := byToken[tokenID]; ok {
			return *h
		}
	}
	return Holding{}
}

// Orders returns the resting orders
func (s *Simulator) Orders() []core.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Order, len(s.orders))
	copy(out, s.orders)
	return out
}

// Order looks up a resting order
func (s *Simulator) Order(transactionID string) (core.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(transactionID); i >= 0 {
		return s.orders[i], true
	}
	return core.Order{}, false
}

// Calls returns every request received so far
func (s *Simulator) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsTo returns the requests whose path starts with prefix
func (s *Simulator) CallsTo(prefix string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if strings.HasPrefix(c.Path, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// FailWhen makes every request matching fn answer 500
func (s *Simulator) FailWhen(fn func(Call) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, fn)
}

// ClearFailures removes every injected failure
func (s *Simulator) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = nil
}

// SetUnavailable makes every request answer 503
func (s *Simulator) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

func (s *Simulator) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.unavailable
		s.mu.Unlock()
		if down {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// record stores c and reports whether an injected failure applies. Callers
// hold s.mu.
func (s *Simulator) record(c Call) bool {
	for _, fail := range s.failures {
		if fail(c) {
			c.Failed = true
			break
		}
	}
	s.calls = append(s.calls, c)
	return c.Failed
}

// replay answers a request whose Idempotency-Key was already applied with a
// success carrying the Idempotent-Replayed header. Callers hold s.mu.
func (s *Simulator) replay(w http.ResponseWriter, c Call) bool {
	if c.Key == "" || !s.appliedKeys[c.Key] {
		return false
	}
	c.Replayed = true
	s.calls = append(s.calls, c)
	w.Header().Set(replayedHeader, "true")
	if strings.HasPrefix(c.Path, "/holdings") {
		w.WriteHeader(http.StatusOK)
		return true
	}
	writeJSON(w, http.StatusOK, result{Success: true})
	return true
}

func (s *Simulator) applied(key string) {
	if key != "" {
		s.appliedKeys[key] = true
	}
}

func (s *Simulator) indexOf(transactionID string) int {
	for i, o := range s.orders {
		if o.TransactionID == transactionID {
			return i
		}
	}
	return -1
}

func (s *Simulator) holding(userID, tokenID string) *Holding {
	byToken, ok := s.holdings[userID]
	if !ok {
		byToken = make(map[string]*Holding)
		s.holdings[userID] = byToken
	}
	h, ok := byToken[tokenID]
	if !ok {
		h = &Holding{}
		byToken[tokenID] = h
	}
	return h
}

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

type result struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func injected(w http.ResponseWriter) {
	http.Error(w, "injected failure", http.StatusInternalServerError)
}
