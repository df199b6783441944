package execution

import (
	"IntentFlow/internal/intent"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperConfig tunes a PaperVenue.
type PaperConfig struct {
	// Prices are quoted per symbol; missing symbols quote 1.
	Prices map[string]decimal.Decimal
	// FeeBps is deducted from every fill.
	FeeBps int64
	// FillAfter is how many status polls an order stays pending.
	FillAfter int
	// Reject maps symbols to a rejection reason.
	Reject map[string]string
}

type paperOrder struct {
	order  Order
	polls  int
	status OrderStatus
}

// PaperVenue simulates a venue in memory: orders fill at the quoted price
// minus fees, or fail when the fill would fall below MinOut. A repeated
// ClientOrderID returns the order already placed.
type PaperVenue struct {
	name intent.Venue
	cfg  PaperConfig

	mu       sync.Mutex
	orders   map[string]*paperOrder
	byClient map[string]string
	submits  int
}

func NewPaperVenue(name intent.Venue, cfg PaperConfig) *PaperVenue {
	return &PaperVenue{
		name:     name,
		cfg:      cfg,
		orders:   make(map[string]*paperOrder),
		byClient: make(map[string]string),
	}
}

// Placed is the number of distinct orders placed.
func (p *PaperVenue) Placed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

func (p *PaperVenue) Name() intent.Venue { return p.name }

func (p *PaperVenue) price(symbol string) decimal.Decimal {
	if px, ok := p.cfg.Prices[symbol]; ok {
		return px
	}
	return decimal.NewFromInt(1)
}

func (p *PaperVenue) SubmitOrder(ctx context.Context, o Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if reason, ok := p.cfg.Reject[o.Symbol]; ok {
		return "", fmt.Errorf("%w: %s", ErrOrderFailed, reason)
	}
	if !o.AmountIn.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", ErrOrderFailed)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.byClient[o.ClientOrderID]; ok && o.ClientOrderID != "" {
		return id, nil
	}

	id := uuid.NewString()
	fee := decimal.NewFromInt(p.cfg.FeeBps).Div(decimal.NewFromInt(10_000))
	out := o.AmountIn.Mul(p.price(o.Symbol)).Mul(decimal.NewFromInt(1).Sub(fee))

	st := OrderStatus{OrderID: id, Status: OrderFilled, AmountOut: out}
	if out.LessThan(o.MinOut) {
		st = OrderStatus{OrderID: id, Status: OrderFailed, Reason: fmt.Sprintf("fill %s below min out %s", out, o.MinOut)}
	}

	p.orders[id] = &paperOrder{order: o, status: st}
	if o.ClientOrderID != "" {
		p.byClient[o.ClientOrderID] = id
	}
	p.submits++
	return id, nil
}

func (p *PaperVenue) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return OrderStatus{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("order %s not found", orderID)
	}
	if po.polls < p.cfg.FillAfter {
		po.polls++
		return OrderStatus{OrderID: orderID, Status: OrderPending}, nil
	}
	return po.status, nil
}

func (p *PaperVenue) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	return p.price(symbol), nil
}

// GetOrderBook synthesizes depth levels 10bps apart around the quoted price.
func (p *PaperVenue) GetOrderBook(_ context.Context, symbol string, depth int) (OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	mid := p.price(symbol)
	step := mid.Mul(decimal.RequireFromString("0.001"))
	book := OrderBook{Symbol: symbol}
	for i := 1; i <= depth; i++ {
		off := step.Mul(decimal.NewFromInt(int64(i)))
		size := decimal.NewFromInt(int64(100 * i))
		book.Bids = append(book.Bids, Level{Price: mid.Sub(off), Size: size})
		book.Asks = append(book.Asks, Level{Price: mid.Add(off), Size: size})
	}
	return book, nil
}
