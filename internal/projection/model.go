package projection

import (
	"time"

	"github.com/shopspring/decimal"
)

// Aggregate state labels.
const (
	StateSubmitted = "Submitted"
	StateAccepted  = "Accepted"
	StatePlanned   = "Planned"
	StateExecuting = "Executing"
	StateCompleted = "Completed"
	StateFailed    = "Failed"
)

// IsTerminal reports whether state is final for an aggregate.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// IntentState is the read model of one intent aggregate.
type IntentState struct {
	IntentID string `json:"intentId"`
	State    string `json:"state"`
	// Status is the manager's lifecycle label from intent.status_changed.
	Status       string          `json:"status,omitempty"`
	IntentType   string          `json:"intentType,omitempty"`
	StrategyID   string          `json:"strategyId,omitempty"`
	LatestPlanID string          `json:"latestPlanId,omitempty"`
	FilledAmount decimal.Decimal `json:"filledAmount"`
	FailReason   string          `json:"failReason,omitempty"`
	LastEventID  string          `json:"lastEventId"`
	Sequence     int64           `json:"sequence"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// PlanStep is one venue interaction of a plan.
type PlanStep map[string]any

// PlanState is the read model of one plan aggregate.
type PlanState struct {
	PlanID      string     `json:"planId"`
	IntentID    string     `json:"intentId"`
	Status      string     `json:"status"`
	Steps       []PlanStep `json:"steps"`
	FilledSteps int        `json:"filledSteps"`
	LastEventID string     `json:"lastEventId"`
	Sequence    int64      `json:"sequence"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Update carries the read models touched by one event, for mirroring.
type Update struct {
	Intent *IntentState
	Plan   *PlanState
}

// Empty reports whether the event changed nothing.
func (u Update) Empty() bool {
	return u.Intent == nil && u.Plan == nil
}
