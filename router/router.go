// Package router drives each violation event from delivery to a
// durably recorded outcome. One call to Process is one unit of work;
// concurrent workers are safe because the handlers are idempotent.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wakimworks/bucketwarden/broker"
	"github.com/wakimworks/bucketwarden/config"
	"github.com/wakimworks/bucketwarden/policy"
	"github.com/wakimworks/bucketwarden/remediation"
	"github.com/wakimworks/bucketwarden/telemetry"
	"github.com/wakimworks/bucketwarden/types"
	"github.com/wakimworks/bucketwarden/wal"
)

// Broker acquires scoped cross-account credentials
type Broker interface {
	Acquire(ctx context.Context, accountID, externalID string) (*broker.ScopedCredential, error)
}

// ClientFactory builds target-account service clients from one
// brokered credential. Injected so tests can substitute mocks.
type ClientFactory func(cred *broker.ScopedCredential, region string) remediation.Clients

// OutcomeSink durably records outcomes
type OutcomeSink interface {
	Append(ctx context.Context, outcome types.RemediationOutcome) error
}

// Mirror copies outcomes to a secondary store, best effort
type Mirror interface {
	Mirror(ctx context.Context, outcome types.RemediationOutcome) error
}

// Journal is the operational side-channel. Sink failures land here
// instead of failing the remediation attempt.
type Journal interface {
	Append(entryType wal.EntryType, resourceID string, data interface{}) error
	AppendError(entryType wal.EntryType, resourceID string, data interface{}, errToLog error) error
}

// Guard can veto a remediation before it runs
type Guard interface {
	Allow(ctx context.Context, input policy.GuardInput) (policy.Decision, error)
}

// HandlerResolver maps rule IDs to handlers, satisfied by
// remediation.Registry
type HandlerResolver interface {
	Resolve(ruleID string) (remediation.Handler, error)
}

// Router is the event state machine:
// RECEIVED -> VALIDATED -> CREDENTIALED -> REMEDIATED|SKIPPED|FAILED -> LOGGED.
// Every delivered event ends in exactly one outcome record.
type Router struct {
	cfg      *config.Config
	broker   Broker
	registry HandlerResolver
	clients  ClientFactory
	store    OutcomeSink
	mirror   Mirror
	guard    Guard
	journal  Journal
	logger   *telemetry.Logger
	tracer   trace.Tracer

	// Injected for deterministic retry tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Router
type Option func(*Router)

// WithMirror adds a best-effort secondary outcome store
func WithMirror(m Mirror) Option {
	return func(r *Router) { r.mirror = m }
}

// WithGuard adds a policy veto before handler execution
func WithGuard(g Guard) Option {
	return func(r *Router) { r.guard = g }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithSleeper replaces the backoff sleep
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Router) { r.sleep = sleep }
}

// New builds a Router. All collaborators are constructed once at
// process start and passed in; the Router holds no hidden state.
func New(cfg *config.Config, b Broker, registry HandlerResolver, clients ClientFactory, store OutcomeSink, journal Journal, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg,
		broker:   b,
		registry: registry,
		clients:  clients,
		store:    store,
		journal:  journal,
		logger:   telemetry.NewLogger("router"),
		tracer:   otel.Tracer("router"),
		now:      time.Now,
		sleep:    sleepWithContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process drives one event to its terminal state and records the
// outcome. A nil outcome with nil error means the event was
// informational (already compliant) and produced no outcome record.
// The returned error reports engine trouble, never a remediation
// failure; failures are expressed in the outcome status.
func (r *Router) Process(ctx context.Context, event types.ViolationEvent) (*types.RemediationOutcome, error) {
	ctx, span := r.tracer.Start(ctx, "router.process",
		trace.WithAttributes(
			attribute.String("rule.id", event.RuleID),
			attribute.String("resource.id", event.ResourceID),
			attribute.String("account.id", event.AccountID)))
	defer span.End()

	telemetry.EventsReceived.Add(ctx, 1)
	r.logger.LogEventReceived(ctx, event.RuleID, event.ResourceID, event.AccountID)
	_ = r.journal.Append(wal.EntryReceived, event.ResourceID, event)

	// Exclusions short-circuit before validation or brokering
	if r.cfg.IsExcluded(event.ResourceID) {
		_ = r.journal.Append(wal.EntrySkipped, event.ResourceID, "excluded by configuration")
		return r.record(ctx, r.outcome(event, types.StatusSkippedExcluded, "", "excluded by configuration", "", 0)), nil
	}

	if err := event.Validate(); err != nil {
		return r.record(ctx, r.outcome(event, types.StatusFailed, "", "validation failed", err.Error(), 0)), nil
	}
	_ = r.journal.Append(wal.EntryValidated, event.ResourceID, event.RuleID)

	// Already-compliant notifications are informational only
	if !event.RequiresRemediation() {
		_ = r.journal.Append(wal.EntryLogged, event.ResourceID, "compliant, no action")
		return nil, nil
	}

	// Resolve before brokering; an unknown rule never costs a
	// credential exchange
	handler, err := r.registry.Resolve(event.RuleID)
	if err != nil {
		if errors.Is(err, remediation.ErrUnknownRule) {
			_ = r.journal.Append(wal.EntrySkipped, event.ResourceID, "no handler")
			return r.record(ctx, r.outcome(event, types.StatusSkippedExcluded, "", "no handler", "", 0)), nil
		}
		return nil, err
	}

	if r.guard != nil {
		decision, err := r.guard.Allow(ctx, policy.GuardInput{
			Event:     event,
			Mode:      string(r.cfg.Mode),
			Timestamp: r.now(),
		})
		if err != nil || !decision.Allow {
			reason := "vetoed by policy: " + decision.Reason
			_ = r.journal.AppendError(wal.EntrySkipped, event.ResourceID, reason, err)
			return r.record(ctx, r.outcome(event, types.StatusSkippedExcluded, "", reason, "", 0)), nil
		}
	}

	if r.cfg.Mode == config.ModeAudit {
		_ = r.journal.Append(wal.EntrySkipped, event.ResourceID, "audit-only")
		return r.record(ctx, r.outcome(event, types.StatusSkippedExcluded, "", "audit-only", "", 0)), nil
	}

	outcome := r.execute(ctx, event, handler)
	return r.record(ctx, outcome), nil
}

// execute brokers a credential and runs the handler with bounded
// retries. Backoff never outlives the credential validity window; an
// expired credential is re-brokered before the next attempt.
func (r *Router) execute(ctx context.Context, event types.ViolationEvent, handler remediation.Handler) *types.RemediationOutcome {
	externalID, ok := r.cfg.ExternalIDFor(event.AccountID)
	if !ok {
		_ = r.journal.Append(wal.EntrySkipped, event.ResourceID, "no trust configured")
		return r.outcome(event, types.StatusSkippedExcluded, "", "trust unavailable: account not configured", "", 0)
	}

	cred, skip := r.acquire(ctx, event, externalID, 1)
	if skip != nil {
		return skip
	}
	_ = r.journal.Append(wal.EntryCredentialed, event.ResourceID, event.AccountID)

	start := r.now()
	defer func() {
		telemetry.RemediationTime.Record(ctx, r.now().Sub(start).Seconds(),
			metric.WithAttributes(attribute.String("rule_id", event.RuleID)))
	}()

	maxAttempts := r.cfg.Retry.MaxAttempts
	var lastErr *remediation.Error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if cred.Expired(r.now()) {
			fresh, skip := r.acquire(ctx, event, externalID, attempt)
			if skip != nil {
				return skip
			}
			cred = fresh
		}

		result, err := handler.Apply(ctx, r.clients(cred, event.Region), event.ResourceID)
		if err == nil {
			if result.Changed {
				_ = r.journal.Append(wal.EntryRemediated, event.ResourceID, result.Action)
				return r.outcome(event, types.StatusRemediated, result.Action, "", "", attempt)
			}
			_ = r.journal.Append(wal.EntryRemediated, event.ResourceID, "already compliant")
			return r.outcome(event, types.StatusAlreadyCompliant, result.Action, "", "", attempt)
		}

		var remErr *remediation.Error
		if !errors.As(err, &remErr) {
			remErr = &remediation.Error{Kind: remediation.Unclassified, RuleID: event.RuleID, Bucket: event.ResourceID, Err: err}
		}
		lastErr = remErr

		if !remErr.Retryable() || attempt == maxAttempts {
			break
		}

		telemetry.RetriesAttempted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("rule_id", event.RuleID)))
		r.logger.LogRetry(ctx, event.RuleID, event.ResourceID, attempt, remErr)

		if err := r.sleep(ctx, r.backoff(attempt, cred)); err != nil {
			break // context cancelled
		}
	}

	_ = r.journal.AppendError(wal.EntryFailed, event.ResourceID, event.RuleID, lastErr)
	return r.outcome(event, types.StatusFailed, "",
		fmt.Sprintf("remediation failed (%s)", lastErr.Kind),
		lastErr.Error(), attempts)
}

// acquire brokers a credential, mapping broker failures onto outcome
// semantics: throttling is retried, broken trust is skipped.
func (r *Router) acquire(ctx context.Context, event types.ViolationEvent, externalID string, attempt int) (*broker.ScopedCredential, *types.RemediationOutcome) {
	for ; attempt <= r.cfg.Retry.MaxAttempts; attempt++ {
		cred, err := r.broker.Acquire(ctx, event.AccountID, externalID)
		if err == nil {
			telemetry.BrokerAcquisitions.Add(ctx, 1)
			return cred, nil
		}

		var trustErr *broker.TrustError
		if errors.As(err, &trustErr) {
			r.logger.LogBrokerError(ctx, event.AccountID, trustErr)
			_ = r.journal.AppendError(wal.EntrySkipped, event.ResourceID, "trust unavailable", trustErr)
			return nil, r.outcome(event, types.StatusSkippedExcluded, "",
				"trust unavailable: "+string(trustErr.Kind), trustErr.Error(), 0)
		}

		if errors.Is(err, broker.ErrThrottled) && attempt < r.cfg.Retry.MaxAttempts {
			if serr := r.sleep(ctx, r.backoffBase(attempt)); serr != nil {
				break
			}
			continue
		}

		r.logger.LogBrokerError(ctx, event.AccountID, err)
		_ = r.journal.AppendError(wal.EntrySkipped, event.ResourceID, "credential acquisition failed", err)
		return nil, r.outcome(event, types.StatusSkippedExcluded, "",
			"trust unavailable: acquisition failed", err.Error(), 0)
	}

	return nil, r.outcome(event, types.StatusSkippedExcluded, "",
		"trust unavailable: acquisition exhausted", "", 0)
}

// record appends the outcome to the durable store. Sink failures go
// to the side-channel: a successful remediation is never reported as
// failed because the log degraded.
func (r *Router) record(ctx context.Context, outcome *types.RemediationOutcome) *types.RemediationOutcome {
	if err := r.store.Append(ctx, *outcome); err != nil {
		r.logger.LogStoreDegraded(ctx, "append_outcome", err)
		_ = r.journal.AppendError(wal.EntryDegraded, outcome.ResourceID, outcome, err)
	} else {
		telemetry.OutcomeWrites.Add(ctx, 1)
	}

	if r.mirror != nil {
		if err := r.mirror.Mirror(ctx, *outcome); err != nil {
			r.logger.LogStoreDegraded(ctx, "mirror_outcome", err)
		}
	}

	telemetry.Outcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", string(outcome.Status))))
	r.logger.LogOutcome(ctx, outcome.RuleID, outcome.ResourceID, string(outcome.Status), outcome.AttemptNumber)
	_ = r.journal.Append(wal.EntryLogged, outcome.ResourceID, string(outcome.Status))

	return outcome
}

func (r *Router) outcome(event types.ViolationEvent, status types.OutcomeStatus, action, reason, errDetail string, attempt int) *types.RemediationOutcome {
	return &types.RemediationOutcome{
		RuleID:        event.RuleID,
		ResourceID:    event.ResourceID,
		AccountID:     event.AccountID,
		Status:        status,
		Action:        action,
		Reason:        reason,
		ErrorDetail:   errDetail,
		AttemptNumber: attempt,
		RecordedAt:    r.now(),
	}
}

// backoff computes the delay before the next attempt, capped by the
// configured maximum and by the credential's remaining validity
func (r *Router) backoff(attempt int, cred *broker.ScopedCredential) time.Duration {
	delay := r.backoffBase(attempt)
	if remaining := cred.ExpiresAt().Sub(r.now()); remaining > 0 && delay > remaining {
		delay = remaining
	}
	return delay
}

func (r *Router) backoffBase(attempt int) time.Duration {
	delay := r.cfg.Retry.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.cfg.Retry.MaxBackoff {
			return r.cfg.Retry.MaxBackoff
		}
	}
	if delay > r.cfg.Retry.MaxBackoff {
		delay = r.cfg.Retry.MaxBackoff
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
