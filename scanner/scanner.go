// Package scanner enumerates the account's buckets and emits a
// violation event for every misconfigured facet it finds. It feeds
// the same router path as externally delivered events, so scan
// findings and monitor findings are remediated identically.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wakimworks/bucketwarden/config"
	"github.com/wakimworks/bucketwarden/remediation"
	"github.com/wakimworks/bucketwarden/telemetry"
	"github.com/wakimworks/bucketwarden/types"
)

// S3API is the read-only subset of the S3 client the scanner needs
type S3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetBucketLocation(ctx context.Context, params *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error)
	GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
	GetBucketAcl(ctx context.Context, params *s3.GetBucketAclInput, optFns ...func(*s3.Options)) (*s3.GetBucketAclOutput, error)
	GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
	GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error)
	GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	GetBucketLogging(ctx context.Context, params *s3.GetBucketLoggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketLoggingOutput, error)
}

// Scanner inspects buckets in one account and region
type Scanner struct {
	client    S3API
	cfg       *config.Config
	accountID string
	logger    *telemetry.Logger
	now       func() time.Time
}

// NewScanner builds a scanner for the given account
func NewScanner(client S3API, cfg *config.Config, accountID string) *Scanner {
	return &Scanner{
		client:    client,
		cfg:       cfg,
		accountID: accountID,
		logger:    telemetry.NewLogger("scanner"),
		now:       time.Now,
	}
}

// Scan inspects every bucket in the region and returns the violations
// found. Excluded buckets are never inspected. A bucket whose facets
// cannot be read is reported as a single finding, not skipped silently.
func (s *Scanner) Scan(ctx context.Context) ([]types.ViolationEvent, error) {
	output, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	var events []types.ViolationEvent
	for _, bucket := range output.Buckets {
		name := aws.ToString(bucket.Name)
		if s.cfg.IsExcluded(name) {
			continue
		}
		if !s.inRegion(ctx, name) {
			continue
		}
		events = append(events, s.inspectBucket(ctx, name)...)
	}

	s.logger.WithContext(ctx).Info().
		Int("buckets", len(output.Buckets)).
		Int("violations", len(events)).
		Msg("scan complete")

	return events, nil
}

// inRegion reports whether the bucket lives in the configured region.
// Buckets are global but the handlers operate per region.
func (s *Scanner) inRegion(ctx context.Context, bucket string) bool {
	output, err := s.client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return false
	}
	region := string(output.LocationConstraint)
	if region == "" {
		region = "us-east-1"
	}
	return region == s.cfg.Region
}

// inspectBucket runs every compliance check against one bucket
func (s *Scanner) inspectBucket(ctx context.Context, bucket string) []types.ViolationEvent {
	var events []types.ViolationEvent

	checks := []struct {
		ruleID  string
		inspect func(context.Context, string) (bool, string)
	}{
		{remediation.RulePublicReadProhibited, s.checkPublicAccess},
		{remediation.RuleVersioningEnabled, s.checkVersioning},
		{remediation.RuleEncryptionEnabled, s.checkEncryption},
		{remediation.RuleSSLRequestsOnly, s.checkTLSPolicy},
		{remediation.RuleLoggingEnabled, s.checkLogging},
	}

	for _, check := range checks {
		compliant, detail := check.inspect(ctx, bucket)
		if compliant {
			continue
		}
		events = append(events, types.ViolationEvent{
			RuleID:          check.ruleID,
			ResourceID:      bucket,
			AccountID:       s.accountID,
			Region:          s.cfg.Region,
			ComplianceState: types.StateNonCompliant,
			DetectedAt:      s.now(),
			Detail:          detail,
		})
	}

	return events
}

// checkPublicAccess requires all four public access blocks plus a
// private ACL
func (s *Scanner) checkPublicAccess(ctx context.Context, bucket string) (bool, string) {
	output, err := s.client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return false, "no public access block configured"
	}

	pab := output.PublicAccessBlockConfiguration
	if pab == nil ||
		!aws.ToBool(pab.BlockPublicAcls) ||
		!aws.ToBool(pab.IgnorePublicAcls) ||
		!aws.ToBool(pab.BlockPublicPolicy) ||
		!aws.ToBool(pab.RestrictPublicBuckets) {
		return false, "public access block incomplete"
	}

	acl, err := s.client.GetBucketAcl(ctx, &s3.GetBucketAclInput{Bucket: aws.String(bucket)})
	if err == nil {
		for _, grant := range acl.Grants {
			if grantIsPublic(grant) {
				return false, "bucket ACL grants public access"
			}
		}
	}

	return true, ""
}

func grantIsPublic(grant s3types.Grant) bool {
	if grant.Grantee == nil || grant.Grantee.Type != s3types.TypeGroup {
		return false
	}
	uri := aws.ToString(grant.Grantee.URI)
	return uri == "http://acs.amazonaws.com/groups/global/AllUsers" ||
		uri == "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
}

func (s *Scanner) checkVersioning(ctx context.Context, bucket string) (bool, string) {
	output, err := s.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return false, "failed to read versioning state"
	}
	if output.Status != s3types.BucketVersioningStatusEnabled {
		return false, "versioning not enabled"
	}
	return true, ""
}

func (s *Scanner) checkEncryption(ctx context.Context, bucket string) (bool, string) {
	output, err := s.client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return false, "no default encryption configured"
	}
	if output.ServerSideEncryptionConfiguration == nil ||
		len(output.ServerSideEncryptionConfiguration.Rules) == 0 {
		return false, "no default encryption configured"
	}
	return true, ""
}

// checkTLSPolicy looks for a policy statement denying insecure
// transport, the same probe the remediation handler uses
func (s *Scanner) checkTLSPolicy(ctx context.Context, bucket string) (bool, string) {
	output, err := s.client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return false, "no bucket policy denying insecure transport"
	}

	var doc struct {
		Statement []json.RawMessage `json:"Statement"`
	}
	if err := json.Unmarshal([]byte(aws.ToString(output.Policy)), &doc); err != nil {
		return false, "bucket policy unreadable"
	}
	for _, raw := range doc.Statement {
		if remediation.StatementDeniesInsecureTransport(raw) {
			return true, ""
		}
	}
	return false, "no bucket policy denying insecure transport"
}

func (s *Scanner) checkLogging(ctx context.Context, bucket string) (bool, string) {
	output, err := s.client.GetBucketLogging(ctx, &s3.GetBucketLoggingInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return false, "failed to read logging state"
	}
	if output.LoggingEnabled == nil {
		return false, "access logging not enabled"
	}
	return true, ""
}
