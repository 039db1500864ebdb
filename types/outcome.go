package types

import "time"

// OutcomeStatus is the terminal classification of one remediation attempt
type OutcomeStatus string

const (
	StatusRemediated       OutcomeStatus = "REMEDIATED"
	StatusAlreadyCompliant OutcomeStatus = "ALREADY_COMPLIANT"
	StatusFailed           OutcomeStatus = "FAILED"
	StatusSkippedExcluded  OutcomeStatus = "SKIPPED_EXCLUDED"
)

// RemediationOutcome is the durable record of one remediation attempt.
// Immutable once written; the outcome log is append-only.
type RemediationOutcome struct {
	RuleID        string        `json:"rule_id"`
	ResourceID    string        `json:"resource_id"`
	AccountID     string        `json:"account_id"`
	Status        OutcomeStatus `json:"status"`
	Action        string        `json:"action,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	AttemptNumber int           `json:"attempt_number"`
	RecordedAt    time.Time     `json:"recorded_at"`
}

// Succeeded reports whether the attempt left the resource compliant
func (o *RemediationOutcome) Succeeded() bool {
	return o.Status == StatusRemediated || o.Status == StatusAlreadyCompliant
}

// NeedsOperator reports whether a human has to act on this outcome
func (o *RemediationOutcome) NeedsOperator() bool {
	return o.Status == StatusFailed
}
