package intent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Result is the outcome of one validator.
type Result struct {
	Errors   []string
	Warnings []string
}

func (r *Result) merge(o Result) {
	r.Errors = append(r.Errors, o.Errors...)
	r.Warnings = append(r.Warnings, o.Warnings...)
}

// Validator inspects an intent without mutating it.
type Validator interface {
	Name() string
	Validate(ctx context.Context, in *Intent) Result
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc struct {
	ID string
	Fn func(ctx context.Context, in *Intent) Result
}

func (f ValidatorFunc) Name() string { return f.ID }

func (f ValidatorFunc) Validate(ctx context.Context, in *Intent) Result { return f.Fn(ctx, in) }

// DefaultValidators is the fixed validation order.
func DefaultValidators(now func() time.Time) []Validator {
	if now == nil {
		now = time.Now
	}
	return []Validator{
		BasicValidator{Now: now},
		AssetValidator{},
		VenueValidator{},
		GasValidator{},
		PortfolioValidator{},
	}
}

// RunValidators runs vs in order and concatenates errors and warnings.
func RunValidators(ctx context.Context, in *Intent, vs []Validator) Result {
	var out Result
	for _, v := range vs {
		out.merge(v.Validate(ctx, in))
	}
	return out
}

var highSlippage = decimal.RequireFromString("0.1")

// BasicValidator rejects expired intents and warns on slippage above 10%.
type BasicValidator struct {
	Now func() time.Time
}

func (BasicValidator) Name() string { return "basic" }

func (v BasicValidator) Validate(_ context.Context, in *Intent) Result {
	var r Result
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if in.IsExpired(now()) {
		r.Errors = append(r.Errors, "Intent has already expired")
	}
	if in.Constraints.MaxSlippage.GreaterThan(highSlippage) {
		r.Warnings = append(r.Warnings, "Max slippage is very high (>10%)")
	}
	return r
}

// AssetValidator rejects intents that span more than one chain.
type AssetValidator struct{}

func (AssetValidator) Name() string { return "asset" }

func (AssetValidator) Validate(_ context.Context, in *Intent) Result {
	var r Result
	seen := make(map[Chain]struct{})
	for _, spec := range in.Assets {
		seen[spec.Asset.ChainID] = struct{}{}
	}
	if len(seen) > 1 {
		ids := make([]string, 0, len(seen))
		for c := range seen {
			ids = append(ids, fmt.Sprint(int(c)))
		}
		sort.Strings(ids)
		r.Errors = append(r.Errors, fmt.Sprintf("Multi-chain intents are not yet supported. Found chains: %s", strings.Join(ids, ",")))
	}
	return r
}

// VenueValidator warns about requested venues unsupported on the primary asset's chain.
type VenueValidator struct{}

func (VenueValidator) Name() string { return "venue" }

func (VenueValidator) Validate(_ context.Context, in *Intent) Result {
	var r Result
	chain := in.PrimaryAsset().ChainID
	for _, venue := range in.Constraints.AllowedVenues {
		if !VenueSupported(chain, venue) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("Venue %s is not supported on chain %d", venue, int(chain)))
		}
	}
	return r
}

// GasValidator is a no-op until a gas oracle is wired in.
type GasValidator struct{}

func (GasValidator) Name() string { return "gas" }

// TODO: compare constraints against a gas price oracle once one is available.
func (GasValidator) Validate(context.Context, *Intent) Result { return Result{} }

// PortfolioValidator is a no-op until a portfolio read model exists.
type PortfolioValidator struct{}

func (PortfolioValidator) Name() string { return "portfolio" }

// TODO: check percentage and weight specs against the portfolio read model.
func (PortfolioValidator) Validate(context.Context, *Intent) Result { return Result{} }
