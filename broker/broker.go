// Package broker issues short-lived cross-account credentials for
// remediation attempts via STS AssumeRole.
package broker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/wakimworks/bucketwarden/telemetry"
)

// TrustErrorKind classifies trust failures
type TrustErrorKind string

const (
	ExternalIDMismatch TrustErrorKind = "external_id_mismatch"
	UnknownAccount     TrustErrorKind = "unknown_account"
	MalformedAccount   TrustErrorKind = "malformed_account"
	AssumeRoleDenied   TrustErrorKind = "assume_role_denied"
)

// TrustError indicates a broken or misconfigured cross-account trust.
// Not retryable within an invocation; requires an external fix.
type TrustError struct {
	Kind      TrustErrorKind
	AccountID string
	Err       error
}

func (e *TrustError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("trust failure (%s) for account %s: %v", e.Kind, e.AccountID, e.Err)
	}
	return fmt.Sprintf("trust failure (%s) for account %s", e.Kind, e.AccountID)
}

func (e *TrustError) Unwrap() error { return e.Err }

// ErrThrottled signals upstream STS throttling; the caller should retry
var ErrThrottled = errors.New("sts throttled")

var accountIDPattern = regexp.MustCompile(`^\d{12}$`)

// ScopedCredential is a short-lived credential scoped to one account.
// Never persisted; owned by a single remediation attempt.
type ScopedCredential struct {
	AccountID  string
	ExternalID string
	creds      aws.Credentials
	expiresAt  time.Time
}

// Expired reports whether the credential window has closed (with margin)
func (c *ScopedCredential) Expired(now time.Time) bool {
	return !now.Add(30 * time.Second).Before(c.expiresAt)
}

// ExpiresAt returns the end of the credential's validity window
func (c *ScopedCredential) ExpiresAt() time.Time { return c.expiresAt }

// Provider returns a static credentials provider for SDK clients
func (c *ScopedCredential) Provider() aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(
		c.creds.AccessKeyID, c.creds.SecretAccessKey, c.creds.SessionToken)
}

// STSAPI is the subset of the STS client the broker needs
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Broker exchanges cross-account trust for scoped credentials
type Broker struct {
	sts      STSAPI
	roleName string
	trust    map[string]string // accountID -> provisioned external ID
	window   time.Duration     // credential validity requested from STS
	cacheTTL time.Duration     // per-account reuse window, absorbs throttling
	logger   *telemetry.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]*ScopedCredential
}

// Option configures a Broker
type Option func(*Broker)

// WithClock injects a clock for tests
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithCacheTTL overrides the per-account credential reuse window
func WithCacheTTL(ttl time.Duration) Option {
	return func(b *Broker) { b.cacheTTL = ttl }
}

// New creates a credential broker. trust maps each remediable account to
// its out-of-band provisioned external ID.
func New(stsClient STSAPI, roleName string, trust map[string]string, opts ...Option) *Broker {
	b := &Broker{
		sts:      stsClient,
		roleName: roleName,
		trust:    trust,
		window:   15 * time.Minute,
		cacheTTL: 2 * time.Minute,
		logger:   telemetry.NewLogger("broker"),
		now:      time.Now,
		cache:    make(map[string]*ScopedCredential),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Acquire produces a scoped credential for the target account. The
// supplied external ID must match the provisioned value; mismatch is a
// TrustError, never retried. STS throttling surfaces as ErrThrottled.
func (b *Broker) Acquire(ctx context.Context, accountID, externalID string) (*ScopedCredential, error) {
	if !accountIDPattern.MatchString(accountID) {
		return nil, &TrustError{Kind: MalformedAccount, AccountID: accountID}
	}

	provisioned, ok := b.trust[accountID]
	if !ok {
		return nil, &TrustError{Kind: UnknownAccount, AccountID: accountID}
	}
	if externalID == "" || externalID != provisioned {
		return nil, &TrustError{Kind: ExternalIDMismatch, AccountID: accountID}
	}

	if cached := b.cachedCredential(accountID); cached != nil {
		return cached, nil
	}

	credential, err := b.assumeRole(ctx, accountID, externalID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.cache[accountID] = credential
	b.mu.Unlock()

	return credential, nil
}

// cachedCredential returns a still-fresh credential for the account, if any
func (b *Broker) cachedCredential(accountID string) *ScopedCredential {
	b.mu.Lock()
	defer b.mu.Unlock()

	cached, ok := b.cache[accountID]
	if !ok {
		return nil
	}

	now := b.now()
	age := now.Sub(cached.expiresAt.Add(-b.window))
	if cached.Expired(now) || age > b.cacheTTL {
		delete(b.cache, accountID)
		return nil
	}
	return cached
}

func (b *Broker) assumeRole(ctx context.Context, accountID, externalID string) (*ScopedCredential, error) {
	roleARN := fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, b.roleName)

	output, err := b.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String("bucketwarden-remediation"),
		ExternalId:      aws.String(externalID),
		DurationSeconds: aws.Int32(int32(b.window.Seconds())),
	})
	if err != nil {
		if isThrottle(err) {
			return nil, fmt.Errorf("assume role for %s: %w", accountID, ErrThrottled)
		}
		b.logger.LogBrokerError(ctx, accountID, err)
		return nil, &TrustError{Kind: AssumeRoleDenied, AccountID: accountID, Err: err}
	}

	creds := output.Credentials
	return &ScopedCredential{
		AccountID:  accountID,
		ExternalID: externalID,
		creds: aws.Credentials{
			AccessKeyID:     aws.ToString(creds.AccessKeyId),
			SecretAccessKey: aws.ToString(creds.SecretAccessKey),
			SessionToken:    aws.ToString(creds.SessionToken),
			Expires:         aws.ToTime(creds.Expiration),
			CanExpire:       true,
		},
		expiresAt: aws.ToTime(creds.Expiration),
	}, nil
}

// isThrottle matches STS rate-limit API errors
func isThrottle(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException":
		return true
	}
	return false
}
