package execution

import (
	"IntentFlow/internal/core"
	"IntentFlow/internal/event"
	"IntentFlow/internal/intent"
	"IntentFlow/internal/observability"
	"IntentFlow/internal/persistence"
	"IntentFlow/internal/stream"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config tunes order polling.
type Config struct {
	PollInterval time.Duration
	VenueTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{PollInterval: 200 * time.Millisecond, VenueTimeout: 30 * time.Second}
}

// ChainReader loads the stored events of an intent aggregate in version order.
type ChainReader interface {
	LoadAggregate(ctx context.Context, aggregateID string) ([]persistence.EventRecord, error)
}

// Orchestrator executes plans and emits the exec.* chain:
// exec.started, then exec.step_submitted and exec.step_filled per step, then
// exec.completed. Any step error ends the chain with exec.failed. Every event
// is caused by the one emitted just before it and shares the plan's
// correlation id.
//
// Chain event ids are derived from (plan id, topic, step), and venue orders
// carry a ClientOrderID derived from (plan id, step). A redelivered plan
// resumes after the last recorded event: recorded events are emitted again
// as stored, so the coordinator drops them and only the publish repeats.
type Orchestrator struct {
	cfg      Config
	registry *Registry
	emitter  *core.Emitter
	history  ChainReader
	log      zerolog.Logger
	metrics  *observability.Metrics

	mu    sync.Mutex
	plans map[string]bool // plan id -> finished
}

// NewOrchestrator wires the orchestrator. history may be nil, in which case
// a redelivered plan starts from the first step and relies on derived ids
// and idempotent venues alone.
func NewOrchestrator(cfg Config, registry *Registry, emitter *core.Emitter, history ChainReader, logger zerolog.Logger, metrics *observability.Metrics) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.VenueTimeout <= 0 {
		cfg.VenueTimeout = DefaultConfig().VenueTimeout
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		emitter:  emitter,
		history:  history,
		log:      logger,
		metrics:  metrics,
		plans:    make(map[string]bool),
	}
}

// Subscribe attaches the orchestrator to plan.created.
func (o *Orchestrator) Subscribe(ctx context.Context, bus stream.Bus) error {
	return bus.Subscribe(ctx, event.TopicPlanCreated, "execution-orchestrator", o.HandlePlanCreated)
}

// HandlePlanCreated runs one plan. Redeliveries of a plan that is running or
// finished in this process are ignored. An error is returned only when the
// chain could not be recorded, so the bus redelivers and the plan resumes.
func (o *Orchestrator) HandlePlanCreated(ctx context.Context, env *event.Envelope) error {
	planID := env.PayloadString("planId")
	intentID := env.PayloadString("intentId")
	if planID == "" || intentID == "" {
		o.log.Warn().Str("event_id", env.EventID).Msg("plan.created without planId or intentId ignored")
		return nil
	}

	o.mu.Lock()
	if _, seen := o.plans[planID]; seen {
		o.mu.Unlock()
		return nil
	}
	o.plans[planID] = false
	o.mu.Unlock()

	outcome, err := o.execute(ctx, env, planID, intentID)
	o.mu.Lock()
	if err != nil {
		delete(o.plans, planID)
	} else {
		o.plans[planID] = true
	}
	o.mu.Unlock()

	if o.metrics != nil && err == nil && outcome != "" {
		o.metrics.PlansExecuted.WithLabelValues(outcome).Inc()
	}
	return err
}

// errRecord marks failures to record the chain, as opposed to venue failures.
var errRecord = errors.New("record exec event")

type chain struct {
	o        *Orchestrator
	corr     string
	planID   string
	intentID string
	planTime time.Time
	last     string
	recorded map[string]*event.Envelope
}

// id is the event id of the chain event for (topic, step); step is -1 for
// plan-level events.
func (c *chain) id(topic string, step int) string {
	return event.DerivedID(c.planTime, fmt.Sprintf("%s|%s|%d", c.planID, topic, step))
}

// stored returns the chain event for (topic, step) recorded by an earlier delivery.
func (c *chain) stored(topic string, step int) (*event.Envelope, bool) {
	env, ok := c.recorded[c.id(topic, step)]
	return env, ok
}

// emit records and publishes the chain event for (topic, step). A recorded
// event is emitted again as stored and extra is ignored.
func (c *chain) emit(ctx context.Context, topic string, step int, extra map[string]any) (*event.Envelope, error) {
	id := c.id(topic, step)
	env, ok := c.recorded[id]
	if !ok {
		payload := map[string]any{"intentId": c.intentID, "planId": c.planID}
		for k, v := range extra {
			payload[k] = v
		}
		env = event.New(topic, c.corr, payload, event.WithCausation(c.last), event.WithID(id))
	}
	if err := c.o.emitter.Emit(ctx, "", env); err != nil {
		return nil, fmt.Errorf("%w: %v", errRecord, err)
	}
	c.last = env.EventID
	return env, nil
}

// load collects the exec events of planID already in the store.
func (o *Orchestrator) load(ctx context.Context, intentID, planID string) (map[string]*event.Envelope, error) {
	out := make(map[string]*event.Envelope)
	if o.history == nil {
		return out, nil
	}
	recs, err := o.history.LoadAggregate(ctx, intentID)
	if errors.Is(err, persistence.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load chain of plan %s: %v", errRecord, planID, err)
	}
	for _, rec := range recs {
		env := rec.Envelope()
		if event.Family(rec.Topic) == "exec" && env.PayloadString("planId") == planID {
			out[rec.EventID] = env
		}
	}
	return out, nil
}

func (o *Orchestrator) execute(ctx context.Context, plan *event.Envelope, planID, intentID string) (string, error) {
	logger := o.log.With().Str("plan_id", planID).Str("intent_id", intentID).Logger()

	recorded, err := o.load(ctx, intentID, planID)
	if err != nil {
		return "", err
	}
	c := &chain{
		o:        o,
		corr:     plan.CorrelationID,
		planID:   planID,
		intentID: intentID,
		planTime: plan.Timestamp,
		last:     plan.EventID,
		recorded: recorded,
	}
	if len(recorded) > 0 {
		logger.Info().Int("recorded", len(recorded)).Msg("resuming plan")
	}

	if _, err := c.emit(ctx, event.TopicExecStarted, -1, nil); err != nil {
		return "", err
	}
	for _, topic := range []string{event.TopicExecCompleted, event.TopicExecFailed} {
		if _, done := c.stored(topic, -1); done {
			return c.finish(ctx, topic)
		}
	}

	steps := stepsOf(plan.Payload["steps"])
	outs := make([]string, 0, len(steps))
	var lastOut decimal.Decimal
	for i, step := range steps {
		out, err := o.runStep(ctx, c, i, step)
		if err != nil {
			if errors.Is(err, errRecord) {
				return "", err
			}
			logger.Error().Err(err).Int("step", i).Msg("orchestration failed")
			if _, ferr := c.emit(ctx, event.TopicExecFailed, -1, map[string]any{"reason": err.Error(), "stepId": i}); ferr != nil {
				return "", ferr
			}
			return "failed", nil
		}
		outs = append(outs, out.String())
		lastOut = out
	}

	// amountOut is the final step's output; per-step outputs are listed
	// separately since steps may trade different assets.
	if _, err := c.emit(ctx, event.TopicExecCompleted, -1, map[string]any{
		"steps":      len(steps),
		"amountOut":  lastOut.String(),
		"amountsOut": outs,
	}); err != nil {
		return "", err
	}
	logger.Info().Int("steps", len(steps)).Msg("plan executed")
	return "completed", nil
}

// finish re-emits a terminal event recorded by an earlier delivery.
func (c *chain) finish(ctx context.Context, topic string) (string, error) {
	if _, err := c.emit(ctx, topic, -1, nil); err != nil {
		return "", err
	}
	return "", nil
}

func (o *Orchestrator) runStep(ctx context.Context, c *chain, i int, step map[string]any) (decimal.Decimal, error) {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.StepDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if filled, ok := c.stored(event.TopicExecStepFilled, i); ok {
		if _, err := c.emit(ctx, event.TopicExecStepSubmitted, i, nil); err != nil {
			return decimal.Zero, err
		}
		if _, err := c.emit(ctx, event.TopicExecStepFilled, i, nil); err != nil {
			return decimal.Zero, err
		}
		return decimalOf(filled.Payload["amountOut"])
	}

	if step == nil {
		return decimal.Zero, fmt.Errorf("step %d: malformed", i)
	}
	venue := intent.Venue(stringOf(step["venue"]))
	adapter, err := o.registry.Get(venue)
	if err != nil {
		return decimal.Zero, err
	}

	orderID := ""
	if submitted, ok := c.stored(event.TopicExecStepSubmitted, i); ok {
		orderID = submitted.PayloadString("orderId")
		if _, err := c.emit(ctx, event.TopicExecStepSubmitted, i, nil); err != nil {
			return decimal.Zero, err
		}
	} else {
		amountIn, err := decimalOf(step["amountIn"])
		if err != nil {
			return decimal.Zero, fmt.Errorf("step %d: no absolute amount to execute: %w", i, err)
		}
		minOut, _ := decimalOf(step["minOut"])
		chainID, _ := strconv.Atoi(stringOf(step["chainId"]))

		orderID, err = adapter.SubmitOrder(ctx, Order{
			ClientOrderID: ClientOrderID(c.planID, i),
			ChainID:       intent.Chain(chainID),
			Symbol:        stringOf(step["symbol"]),
			Side:          stringOf(step["side"]),
			AmountIn:      amountIn,
			MinOut:        minOut,
			MEVProtection: step["mevProtection"] == true,
		})
		if err != nil {
			return decimal.Zero, fmt.Errorf("submit to %s: %w", venue, err)
		}
		if _, err := c.emit(ctx, event.TopicExecStepSubmitted, i, map[string]any{
			"stepId": i, "venue": string(venue), "orderId": orderID,
		}); err != nil {
			return decimal.Zero, err
		}
	}

	st, err := o.await(ctx, adapter, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := c.emit(ctx, event.TopicExecStepFilled, i, map[string]any{
		"stepId": i, "venue": string(venue), "orderId": orderID, "amountOut": st.AmountOut.String(),
	}); err != nil {
		return decimal.Zero, err
	}
	return st.AmountOut, nil
}

// ClientOrderID names the venue order of one plan step.
func ClientOrderID(planID string, step int) string {
	return fmt.Sprintf("%s-%d", planID, step)
}

// await polls the venue until the order settles or VenueTimeout elapses.
func (o *Orchestrator) await(ctx context.Context, adapter Adapter, orderID string) (OrderStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.VenueTimeout)
	defer cancel()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		st, err := adapter.GetOrderStatus(ctx, orderID)
		if err != nil {
			return OrderStatus{}, fmt.Errorf("order %s status: %w", orderID, err)
		}
		switch st.Status {
		case OrderFilled:
			return st, nil
		case OrderFailed:
			return OrderStatus{}, fmt.Errorf("%w: %s", ErrOrderFailed, st.Reason)
		}
		select {
		case <-ctx.Done():
			return OrderStatus{}, fmt.Errorf("order %s: %w", orderID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// stepsOf accepts plan steps as built in process or as decoded from JSON.
func stepsOf(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []any:
		steps := make([]map[string]any, len(t))
		for i, raw := range t {
			steps[i], _ = raw.(map[string]any)
		}
		return steps
	default:
		return nil
	}
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func decimalOf(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Zero, fmt.Errorf("unexpected amount %v", v)
	}
}
