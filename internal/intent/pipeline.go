package intent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Pipeline decomposes intents into executable sub-intents.
type Pipeline interface {
	Process(ctx context.Context, intents []*Intent) ([]*Intent, error)
}

// Decomposer splits one intent.
type Decomposer func(ctx context.Context, in *Intent) ([]*Intent, error)

// MaxSlices bounds how many slices SliceByFillSize may produce.
const MaxSlices = 100

// LocalPipeline runs a Decomposer over a batch with bounded parallelism.
// An intent whose decomposition fails falls back to one sub-intent per asset.
type LocalPipeline struct {
	workers   int
	decompose Decomposer
	log       zerolog.Logger
}

func NewLocalPipeline(workers int, decompose Decomposer, logger zerolog.Logger) *LocalPipeline {
	if workers <= 0 {
		workers = 1
	}
	if decompose == nil {
		decompose = SliceByFillSize
	}
	return &LocalPipeline{workers: workers, decompose: decompose, log: logger}
}

// Process returns sub-intents grouped in input order.
func (p *LocalPipeline) Process(ctx context.Context, intents []*Intent) ([]*Intent, error) {
	results := make([][]*Intent, len(intents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, in := range intents {
		g.Go(func() error {
			subs, err := p.safeDecompose(gctx, in)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.log.Warn().Err(err).Str("intent_id", in.ID.String()).Msg("decomposition failed, using per-asset fallback")
				subs = SplitPerAsset(in)
			}
			results[i] = subs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*Intent
	for _, subs := range results {
		out = append(out, subs...)
	}
	return out, nil
}

func (p *LocalPipeline) safeDecompose(ctx context.Context, in *Intent) (subs []*Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decomposer panic: %v", r)
		}
	}()
	return p.decompose(ctx, in)
}

// subIntentID is deterministic in the parent id and slice label.
func subIntentID(parent uuid.UUID, label string) uuid.UUID {
	return uuid.NewSHA1(parent, []byte(label))
}

func child(parent *Intent, spec AssetSpec, label string) *Intent {
	sub := parent.Clone()
	pid := parent.ID
	sub.ID = subIntentID(parent.ID, label)
	sub.ParentID = &pid
	sub.Assets = []AssetSpec{spec}
	sub.Status = StatusPending
	sub.StatusReason = ""
	sub.FilledAmount = decimal.Zero
	return sub
}

// SplitPerAsset is the trivial decomposition: one passive sub-intent per asset.
func SplitPerAsset(in *Intent) []*Intent {
	out := make([]*Intent, 0, len(in.Assets))
	for i, spec := range in.Assets {
		sub := child(in, spec, fmt.Sprintf("asset-%d", i))
		sub.Constraints.ExecutionStyle = StylePassive
		out = append(out, sub)
	}
	return out
}

// SliceByFillSize emits one sub-intent per asset and further slices absolute
// amounts above Constraints.MaxFillSize into equal chunks.
func SliceByFillSize(ctx context.Context, in *Intent) ([]*Intent, error) {
	var out []*Intent
	for i, spec := range in.Assets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		maxFill := in.Constraints.MaxFillSize
		if spec.Amount == nil || maxFill == nil || !spec.Amount.GreaterThan(*maxFill) {
			out = append(out, child(in, spec, fmt.Sprintf("asset-%d", i)))
			continue
		}
		if !maxFill.IsPositive() {
			return nil, fmt.Errorf("asset %d: maxFillSize must be positive to slice", i)
		}

		n := spec.Amount.Div(*maxFill).Ceil().IntPart()
		if n > MaxSlices {
			return nil, fmt.Errorf("asset %d: %d slices exceeds limit %d", i, n, MaxSlices)
		}
		remaining := *spec.Amount
		for k := int64(0); k < n; k++ {
			size := decimal.Min(*maxFill, remaining)
			remaining = remaining.Sub(size)
			slice := spec
			slice.Amount = &size
			out = append(out, child(in, slice, fmt.Sprintf("asset-%d-slice-%d", i, k)))
		}
	}
	return out, nil
}
