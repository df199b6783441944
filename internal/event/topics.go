package event

import "strings"

// Topics understood by the intent and plan read models. Anything else is
// stored and forwarded but does not move a state machine.
const (
	TopicIntentSubmitted     = "intent.submitted"
	TopicIntentAccepted      = "intent.accepted"
	TopicIntentStatusChanged = "intent.status_changed"
	TopicIntentRejected      = "intent.rejected"

	TopicPlanCreated = "plan.created"

	TopicExecStarted       = "exec.started"
	TopicExecStepSubmitted = "exec.step_submitted"
	TopicExecStepFilled    = "exec.step_filled"
	TopicExecCompleted     = "exec.completed"
	TopicExecFailed        = "exec.failed"
)

// Subject wildcards covering every topic family on the bus.
const (
	SubjectIntents = "intent.>"
	SubjectPlans   = "plan.>"
	SubjectExec    = "exec.>"
	SubjectSystem  = "system.>"
)

// AllSubjects lists the subjects the platform stream captures.
func AllSubjects() []string {
	return []string{SubjectIntents, SubjectPlans, SubjectExec, SubjectSystem}
}

// IntentCorrelation returns the correlation group for an intent workflow.
func IntentCorrelation(intentID string) string {
	return "intent:" + intentID
}

// SubmittedSubject namespaces intent.submitted by intent type, e.g. intent.submitted.acquire.
func SubmittedSubject(intentType string) string {
	return TopicIntentSubmitted + "." + strings.ToLower(intentType)
}

// Family returns the first token of a topic ("intent", "plan", "exec").
func Family(topic string) string {
	if i := strings.IndexByte(topic, '.'); i >= 0 {
		return topic[:i]
	}
	return topic
}
