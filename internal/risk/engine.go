package risk

import (
	"github.com/shopspring/decimal"
)

// Reason codes reported on rejection.
const (
	ReasonNone     = ""
	ReasonSlippage = "SLIPPAGE_LIMIT"
	ReasonNotional = "NOTIONAL_LIMIT"
)

// Config defines the static gate limits. Both limits are inclusive.
type Config struct {
	MaxSlippage    decimal.Decimal
	MaxNotionalUSD decimal.Decimal
}

// DefaultConfig is 5% slippage and 10,000 USD notional.
func DefaultConfig() Config {
	return Config{
		MaxSlippage:    decimal.RequireFromString("0.05"),
		MaxNotionalUSD: decimal.NewFromInt(10_000),
	}
}

// Request is the slice of an intent the gates look at.
type Request struct {
	IntentID    string
	MaxSlippage decimal.Decimal
	// Amount is the first asset's absolute amount, nil for percentage or
	// weight specifications.
	Amount *decimal.Decimal
}

// Decision is the gate outcome.
type Decision struct {
	IntentID string
	Approved bool
	Reason   string
	Limit    decimal.Decimal
	Observed decimal.Decimal
}

// Engine evaluates stateless risk gates.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Evaluate runs the slippage gate, then the notional gate.
// Without an absolute amount there is no portfolio context to price the
// intent, so the notional gate passes.
func (e *Engine) Evaluate(req Request) Decision {
	decision := Decision{IntentID: req.IntentID, Approved: true, Reason: ReasonNone}

	if req.MaxSlippage.GreaterThan(e.cfg.MaxSlippage) {
		decision.Approved = false
		decision.Reason = ReasonSlippage
		decision.Limit = e.cfg.MaxSlippage
		decision.Observed = req.MaxSlippage
		return decision
	}

	if req.Amount != nil && req.Amount.GreaterThan(e.cfg.MaxNotionalUSD) {
		decision.Approved = false
		decision.Reason = ReasonNotional
		decision.Limit = e.cfg.MaxNotionalUSD
		decision.Observed = *req.Amount
		return decision
	}

	return decision
}
