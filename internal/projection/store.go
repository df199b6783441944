package projection

import (
	"IntentFlow/internal/event"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Store folds events into intent and plan read models held in memory.
//
// Ordering policy: transitions are last-write-wins. A topic whose precondition
// state was never observed still overwrites the current state (exec.completed
// on a Submitted intent yields Completed), except that Completed and Failed
// are final: later state-changing events are recorded as the last event but
// do not move the state.
type Store struct {
	mu      sync.RWMutex
	intents map[string]*IntentState
	plans   map[string]*PlanState
}

func NewStore() *Store {
	return &Store{
		intents: make(map[string]*IntentState),
		plans:   make(map[string]*PlanState),
	}
}

// intentTransitions maps state-changing topics to the next intent state.
var intentTransitions = map[string]string{
	event.TopicIntentSubmitted: StateSubmitted,
	event.TopicIntentAccepted:  StateAccepted,
	event.TopicPlanCreated:     StatePlanned,
	event.TopicExecStarted:     StateExecuting,
	event.TopicExecCompleted:   StateCompleted,
	event.TopicExecFailed:      StateFailed,
}

var planTransitions = map[string]string{
	event.TopicPlanCreated:   StatePlanned,
	event.TopicExecStarted:   StateExecuting,
	event.TopicExecCompleted: StateCompleted,
	event.TopicExecFailed:    StateFailed,
}

// Apply folds env into the read models and returns copies of what changed.
// env must already carry its sequence.
func (s *Store) Apply(env *event.Envelope) Update {
	nextIntent, movesIntent := intentTransitions[env.Topic]
	touchesIntent := movesIntent ||
		env.Topic == event.TopicIntentStatusChanged ||
		env.Topic == event.TopicExecStepFilled
	_, movesPlan := planTransitions[env.Topic]
	touchesPlan := movesPlan || env.Topic == event.TopicExecStepFilled

	if !touchesIntent && !touchesPlan {
		return Update{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var upd Update
	if touchesIntent {
		if id := intentID(env); id != "" {
			upd.Intent = s.applyIntent(id, env, nextIntent, movesIntent)
		}
	}
	if touchesPlan {
		if id := env.PayloadString("planId"); id != "" {
			upd.Plan = s.applyPlan(id, env)
		}
	}
	return upd
}

func (s *Store) applyIntent(id string, env *event.Envelope, next string, moves bool) *IntentState {
	st, ok := s.intents[id]
	if !ok {
		st = &IntentState{IntentID: id, FilledAmount: decimal.Zero}
		s.intents[id] = st
	}
	if st.LastEventID == env.EventID {
		return nil
	}

	switch env.Topic {
	case event.TopicIntentSubmitted:
		st.IntentType = env.PayloadString("intentType")
		st.StrategyID = env.PayloadString("strategyId")
		if status := env.PayloadString("status"); status != "" {
			st.Status = status
		}
	case event.TopicPlanCreated:
		st.LatestPlanID = env.PayloadString("planId")
	case event.TopicExecFailed:
		if !IsTerminal(st.State) {
			st.FailReason = env.PayloadString("reason")
		}
	case event.TopicIntentStatusChanged:
		st.Status = env.PayloadString("newStatus")
		// A status change to failed ends an intent that never reached execution.
		if st.Status == "failed" && !IsTerminal(st.State) {
			st.State = StateFailed
			st.FailReason = env.PayloadString("reason")
		}
	case event.TopicExecStepFilled:
		if amt, err := decimalFrom(env.Payload["amountOut"]); err == nil {
			st.FilledAmount = st.FilledAmount.Add(amt)
		}
	}

	if moves && !IsTerminal(st.State) {
		st.State = next
	}
	st.LastEventID = env.EventID
	st.Sequence = env.Sequence
	st.UpdatedAt = env.Timestamp

	cp := *st
	return &cp
}

func (s *Store) applyPlan(id string, env *event.Envelope) *PlanState {
	p, ok := s.plans[id]
	if !ok {
		p = &PlanState{PlanID: id}
		s.plans[id] = p
	}
	if p.LastEventID == env.EventID {
		return nil
	}

	if iid := intentID(env); iid != "" {
		p.IntentID = iid
	}
	switch env.Topic {
	case event.TopicPlanCreated:
		p.Steps = toSteps(env.Payload["steps"])
	case event.TopicExecStepFilled:
		p.FilledSteps++
	}
	if next, moves := planTransitions[env.Topic]; moves && !IsTerminal(p.Status) {
		p.Status = next
	}
	p.LastEventID = env.EventID
	p.Sequence = env.Sequence
	p.UpdatedAt = env.Timestamp

	cp := *p
	cp.Steps = append([]PlanStep(nil), p.Steps...)
	return &cp
}

// Intent returns a copy of the intent read model.
func (s *Store) Intent(id string) (IntentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.intents[id]
	if !ok {
		return IntentState{}, false
	}
	return *st, true
}

// Plan returns a copy of the plan read model.
func (s *Store) Plan(id string) (PlanState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return PlanState{}, false
	}
	cp := *p
	cp.Steps = append([]PlanStep(nil), p.Steps...)
	return cp, true
}

// Reset drops every read model, ahead of a rebuild.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = make(map[string]*IntentState)
	s.plans = make(map[string]*PlanState)
}

// Len returns the number of intent and plan read models.
func (s *Store) Len() (intents, plans int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.intents), len(s.plans)
}

// intentID finds the intent an event belongs to: payload intentId, then
// payload id, then an "intent:<id>" correlation group.
func intentID(env *event.Envelope) string {
	if id := env.PayloadString("intentId"); id != "" {
		return id
	}
	if id := env.PayloadString("id"); id != "" {
		return id
	}
	if rest, ok := strings.CutPrefix(env.CorrelationID, "intent:"); ok {
		return rest
	}
	return ""
}

func decimalFrom(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case decimal.Decimal:
		return x, nil
	case json.Number:
		return decimal.NewFromString(x.String())
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount %T", v)
	}
}

func toSteps(v any) []PlanStep {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]PlanStep, 0, len(x))
		for _, item := range x {
			if m, ok := item.(map[string]any); ok {
				out = append(out, PlanStep(m))
			}
		}
		return out
	case []PlanStep:
		return append([]PlanStep(nil), x...)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out []PlanStep
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
