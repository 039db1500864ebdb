package types

import (
	"fmt"
	"time"
)

// ComplianceState reported by the upstream compliance monitor
type ComplianceState string

const (
	StateCompliant    ComplianceState = "COMPLIANT"
	StateNonCompliant ComplianceState = "NON_COMPLIANT"
)

// ViolationEvent represents one detected non-compliance instance.
// ResourceID + AccountID + RuleID identifies a unit of remediation work.
type ViolationEvent struct {
	RuleID          string          `json:"rule_id"`
	ResourceID      string          `json:"resource_id"`
	AccountID       string          `json:"account_id"`
	Region          string          `json:"region,omitempty"`
	ComplianceState ComplianceState `json:"compliance_state"`
	DetectedAt      time.Time       `json:"detected_at"`
	Severity        string          `json:"severity,omitempty"`
	Detail          string          `json:"detail,omitempty"`
}

// Validate ensures the event has required fields
func (e *ViolationEvent) Validate() error {
	if e.RuleID == "" {
		return fmt.Errorf("event rule ID cannot be empty")
	}
	if e.ResourceID == "" {
		return fmt.Errorf("event resource ID cannot be empty")
	}
	if e.AccountID == "" {
		return fmt.Errorf("event account ID cannot be empty")
	}
	switch e.ComplianceState {
	case StateCompliant, StateNonCompliant:
	default:
		return fmt.Errorf("unrecognized compliance state %q", e.ComplianceState)
	}
	return nil
}

// WorkKey returns the identity of this event's remediation unit of work.
// Duplicate deliveries of the same violation share a key.
func (e *ViolationEvent) WorkKey() string {
	return e.AccountID + "/" + e.ResourceID + "/" + e.RuleID
}

// RequiresRemediation reports whether this event should trigger a handler.
// COMPLIANT events are informational only.
func (e *ViolationEvent) RequiresRemediation() bool {
	return e.ComplianceState == StateNonCompliant
}
