// Package policy gates remediation execution behind Rego rules so
// operators can veto actions without redeploying the engine.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wakimworks/bucketwarden/telemetry"
	"github.com/wakimworks/bucketwarden/types"
)

// defaultGuardPolicy permits every known remediation. Operators
// override it with a custom .rego file to veto specific rules,
// accounts or buckets.
const defaultGuardPolicy = `package bucketwarden.guard

import rego.v1

default allow := true
default reason := "no veto matched"`

// GuardInput is what a guard policy sees for each decision
type GuardInput struct {
	Event     types.ViolationEvent `json:"event"`
	Mode      string               `json:"mode"`
	Timestamp time.Time            `json:"timestamp"`
}

// Decision is the guard's verdict on one remediation attempt
type Decision struct {
	Allow  bool
	Reason string
}

// Guard evaluates loaded Rego policies before any remediation runs.
// Evaluation is read-only: a deny verdict skips the handler, it never
// undoes anything.
type Guard struct {
	query  rego.PreparedEvalQuery
	logger *telemetry.Logger
	tracer trace.Tracer
	source string
}

// NewGuard compiles the built-in allow-all policy
func NewGuard(ctx context.Context) (*Guard, error) {
	return newGuard(ctx, "builtin", defaultGuardPolicy)
}

// NewGuardFromFile compiles a guard policy from a .rego file
func NewGuardFromFile(ctx context.Context, path string) (*Guard, error) {
	if !strings.HasSuffix(path, ".rego") {
		return nil, fmt.Errorf("guard policy must be a .rego file, got %s", path)
	}

	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	return newGuard(ctx, name, string(content))
}

func newGuard(ctx context.Context, name, regoCode string) (*Guard, error) {
	query := rego.New(
		rego.Query("data.bucketwarden.guard"),
		rego.Module(name, regoCode),
	)

	prepared, err := query.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile guard policy %s: %w", name, err)
	}

	return &Guard{
		query:  prepared,
		logger: telemetry.NewLogger("policy-guard"),
		tracer: otel.Tracer("policy-guard"),
		source: name,
	}, nil
}

// Allow evaluates the guard for one event. Evaluation errors fail
// closed: a policy that cannot be evaluated denies the remediation.
func (g *Guard) Allow(ctx context.Context, input GuardInput) (Decision, error) {
	ctx, span := g.tracer.Start(ctx, "policy_guard.allow",
		trace.WithAttributes(
			attribute.String("rule.id", input.Event.RuleID),
			attribute.String("resource.id", input.Event.ResourceID)))
	defer span.End()

	if input.Timestamp.IsZero() {
		input.Timestamp = time.Now()
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{Allow: false, Reason: "guard evaluation failed"},
			fmt.Errorf("guard evaluation failed: %w", err)
	}

	decision := parseDecision(results)

	g.logger.WithContext(ctx).Debug().
		Str("policy", g.source).
		Str("rule_id", input.Event.RuleID).
		Str("resource_id", input.Event.ResourceID).
		Bool("allow", decision.Allow).
		Str("reason", decision.Reason).
		Msg("guard decision")

	return decision, nil
}

// parseDecision extracts allow/reason from the OPA result set.
// A policy that produces no result denies by default.
func parseDecision(results rego.ResultSet) Decision {
	decision := Decision{Allow: false, Reason: "policy produced no decision"}

	for _, res := range results {
		for _, expr := range res.Expressions {
			values, ok := expr.Value.(map[string]interface{})
			if !ok {
				continue
			}
			if allow, ok := values["allow"].(bool); ok {
				decision.Allow = allow
			}
			if reason, ok := values["reason"].(string); ok {
				decision.Reason = reason
			}
		}
	}

	return decision
}
