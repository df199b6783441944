package execution

import (
	"IntentFlow/internal/core"
	"IntentFlow/internal/event"
	"IntentFlow/internal/intent"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Planner turns sub-intents into a plan.created event.
type Planner struct {
	emitter  *core.Emitter
	registry *Registry
	log      zerolog.Logger
}

func NewPlanner(emitter *core.Emitter, registry *Registry, logger zerolog.Logger) *Planner {
	return &Planner{emitter: emitter, registry: registry, log: logger}
}

// PlanID is deterministic in the parent intent and the causing event, so a
// replanned cause yields the same plan id.
func PlanID(parent uuid.UUID, causeEventID string) uuid.UUID {
	return uuid.NewSHA1(parent, []byte("plan:"+causeEventID))
}

// Plan emits plan.created for parent, causally linked to cause.
func (p *Planner) Plan(ctx context.Context, parent *intent.Intent, subs []*intent.Intent, cause *event.Envelope) (*event.Envelope, error) {
	planID := PlanID(parent.ID, cause.EventID)
	steps := make([]map[string]any, 0, len(subs))
	for i, sub := range subs {
		step, err := p.step(ctx, i, parent, sub)
		if err != nil {
			return nil, fmt.Errorf("plan %s step %d: %w", planID, i, err)
		}
		steps = append(steps, step)
	}

	env := event.New(event.TopicPlanCreated, cause.CorrelationID, map[string]any{
		"planId":   planID.String(),
		"intentId": parent.ID.String(),
		"steps":    steps,
	}, event.WithCausation(cause.EventID))
	if err := p.emitter.Emit(ctx, "", env); err != nil {
		return nil, err
	}
	p.log.Info().
		Str("intent_id", parent.ID.String()).
		Str("plan_id", planID.String()).
		Int("steps", len(steps)).
		Msg("execution plan created")
	return env, nil
}

func (p *Planner) step(ctx context.Context, i int, parent, sub *intent.Intent) (map[string]any, error) {
	spec := sub.Assets[0]
	venue, err := p.pickVenue(spec.Asset.ChainID, sub.Constraints)
	if err != nil {
		return nil, err
	}
	step := map[string]any{
		"stepId":        i,
		"subIntentId":   sub.ID.String(),
		"venue":         string(venue),
		"chainId":       int(spec.Asset.ChainID),
		"symbol":        spec.Asset.Symbol,
		"side":          sideFor(parent.Type),
		"mevProtection": sub.Constraints.RequireMEVProtection,
	}
	if spec.Amount == nil {
		// Percentage and weight legs need portfolio context to size.
		return step, nil
	}

	adapter, err := p.registry.Get(venue)
	if err != nil {
		return nil, err
	}
	px, err := adapter.GetPrice(ctx, spec.Asset.Symbol)
	if err != nil {
		return nil, fmt.Errorf("quote %s on %s: %w", spec.Asset.Symbol, venue, err)
	}
	minOut := spec.Amount.Mul(px).Mul(decimal.NewFromInt(1).Sub(sub.Constraints.MaxSlippage))
	step["amountIn"] = spec.Amount.String()
	step["minOut"] = minOut.String()
	return step, nil
}

// pickVenue prefers the intent's allowed venues, then the chain's supported
// venues, skipping excluded and unregistered ones.
func (p *Planner) pickVenue(chain intent.Chain, c intent.Constraints) (intent.Venue, error) {
	excluded := make(map[intent.Venue]bool, len(c.ExcludedVenues))
	for _, v := range c.ExcludedVenues {
		excluded[v] = true
	}
	usable := func(v intent.Venue) bool {
		return !excluded[v] && intent.VenueSupported(chain, v) && p.registry.Has(v)
	}
	for _, v := range c.AllowedVenues {
		if usable(v) {
			return v, nil
		}
	}
	if len(c.AllowedVenues) == 0 {
		for _, v := range intent.SupportedVenues(chain) {
			if usable(v) {
				return v, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no usable venue on chain %d", ErrUnknownVenue, int(chain))
}

func sideFor(t intent.Type) string {
	switch t {
	case intent.TypeDispose, intent.TypeLiquidate:
		return SideSell
	}
	return SideBuy
}
