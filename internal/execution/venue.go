package execution

import (
	"IntentFlow/internal/intent"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownVenue = errors.New("unknown venue")
	ErrOrderFailed  = errors.New("order failed")
)

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order statuses reported by adapters.
const (
	OrderPending = "pending"
	OrderFilled  = "filled"
	OrderFailed  = "failed"
)

// Order is one venue submission. ClientOrderID is derived from the plan id
// and step index, so a retried step names the same order.
type Order struct {
	ClientOrderID string
	ChainID       intent.Chain
	Symbol        string
	Side          string
	AmountIn      decimal.Decimal
	MinOut        decimal.Decimal
	MEVProtection bool
}

// OrderStatus is the polled state of a submitted order.
type OrderStatus struct {
	OrderID   string
	Status    string
	AmountOut decimal.Decimal
	Reason    string
}

// Level is one order book price level.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// Adapter is the capability set the orchestrator needs from a venue.
// SubmitOrder must be idempotent on Order.ClientOrderID: a resubmission
// returns the existing order id and places nothing.
type Adapter interface {
	Name() intent.Venue
	SubmitOrder(ctx context.Context, o Order) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
}

// Registry resolves venue identifiers to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[intent.Venue]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[intent.Venue]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(v intent.Venue) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[v]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, v)
	}
	return a, nil
}

func (r *Registry) Has(v intent.Venue) bool {
	_, err := r.Get(v)
	return err == nil
}

// Venues lists registered venues in name order.
func (r *Registry) Venues() []intent.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]intent.Venue, 0, len(r.adapters))
	for v := range r.adapters {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
