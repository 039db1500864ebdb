package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wakimworks/bucketwarden/config"
	"github.com/wakimworks/bucketwarden/remediation"
	"github.com/wakimworks/bucketwarden/types"
)

// bucketFixture describes one bucket's compliance posture
type bucketFixture struct {
	region     string
	pabAll     bool
	publicACL  bool
	versioning s3types.BucketVersioningStatus
	encrypted  bool
	tlsPolicy  bool
	logging    bool
}

// compliantFixture returns a bucket that passes every check
func compliantFixture() *bucketFixture {
	return &bucketFixture{
		region:     "us-east-1",
		pabAll:     true,
		versioning: s3types.BucketVersioningStatusEnabled,
		encrypted:  true,
		tlsPolicy:  true,
		logging:    true,
	}
}

type mockS3 struct {
	buckets map[string]*bucketFixture
}

func (m *mockS3) ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	output := &s3.ListBucketsOutput{}
	for name := range m.buckets {
		output.Buckets = append(output.Buckets, s3types.Bucket{Name: aws.String(name)})
	}
	return output, nil
}

func (m *mockS3) GetBucketLocation(ctx context.Context, params *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error) {
	b := m.buckets[aws.ToString(params.Bucket)]
	var constraint s3types.BucketLocationConstraint
	if b.region != "us-east-1" {
		constraint = s3types.BucketLocationConstraint(b.region)
	}
	return &s3.GetBucketLocationOutput{LocationConstraint: constraint}, nil
}

func (m *mockS3) GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error) {
	b := m.buckets[aws.ToString(params.Bucket)]
	if !b.pabAll {
		return nil, errors.New("NoSuchPublicAccessBlockConfiguration")
	}
	return &s3.GetPublicAccessBlockOutput{
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	}, nil
}

func (m *mockS3) GetBucketAcl(ctx context.Context, params *s3.GetBucketAclInput, optFns ...func(*s3.Options)) (*s3.GetBucketAclOutput, error) {
	b := m.buckets[aws.ToString(params.Bucket)]
	output := &s3.GetBucketAclOutput{}
	if b.publicACL {
		output.Grants = []s3types.Grant{{
			Grantee: &s3types.Grantee{
				Type: s3types.TypeGroup,
				URI:  aws.String("http://acs.amazonaws.com/groups/global/AllUsers"),
			},
			Permission: s3types.PermissionRead,
		}}
	}
	return output, nil
}

func (m *mockS3) GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error) {
	b := m.buckets[aws.ToString(params.Bucket)]
	return &s3.GetBucketVersioningOutput{Status: b.versioning}, nil
}

func (m *mockS3) GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error) {
	b := m.buckets[aws.ToString(params.Bucket)]
	if !b.encrypted {
		return nil, errors.New("ServerSideEncryptionConfigurationNotFoundError")
	}
	return &s3.GetBucketEncryptionOutput{
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
					SSEAlgorithm: s3types.ServerSideEncryptionAes256,
				},
			}},
		},
	}, nil
}

func (m *mockS3) GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	b := m.buckets[aws.ToString(params.Bucket)]
	if !b.tlsPolicy {
		return nil, errors.New("NoSuchBucketPolicy")
	}
	policy := `{"Version":"2012-10-17","Statement":[{"Sid":"DenyInsecureTransport","Effect":"Deny","Principal":"*","Action":"s3:*","Condition":{"Bool":{"aws:SecureTransport":"false"}}}]}`
	return &s3.GetBucketPolicyOutput{Policy: aws.String(policy)}, nil
}

func (m *mockS3) GetBucketLogging(ctx context.Context, params *s3.GetBucketLoggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketLoggingOutput, error) {
	b := m.buckets[aws.ToString(params.Bucket)]
	output := &s3.GetBucketLoggingOutput{}
	if b.logging {
		output.LoggingEnabled = &s3types.LoggingEnabled{
			TargetBucket: aws.String(aws.ToString(params.Bucket) + "-logs"),
			TargetPrefix: aws.String(aws.ToString(params.Bucket) + "/"),
		}
	}
	return output, nil
}

func scanConfig() *config.Config {
	return &config.Config{
		Version:        "1",
		Region:         "us-east-1",
		Mode:           config.ModeAudit,
		ExcludeBuckets: []string{"do-not-touch"},
	}
}

func newScanner(buckets map[string]*bucketFixture) *Scanner {
	s := NewScanner(&mockS3{buckets: buckets}, scanConfig(), "111122223333")
	s.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func rulesFound(events []types.ViolationEvent) map[string]bool {
	found := make(map[string]bool)
	for _, e := range events {
		found[e.RuleID] = true
	}
	return found
}

func TestCompliantBucketYieldsNoViolations(t *testing.T) {
	s := newScanner(map[string]*bucketFixture{"good-bucket": compliantFixture()})

	events, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no violations, got %d: %v", len(events), rulesFound(events))
	}
}

func TestFullyMisconfiguredBucket(t *testing.T) {
	s := newScanner(map[string]*bucketFixture{
		"bad-bucket": {region: "us-east-1"},
	})

	events, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 violations, got %d", len(events))
	}

	found := rulesFound(events)
	for _, ruleID := range []string{
		remediation.RulePublicReadProhibited,
		remediation.RuleVersioningEnabled,
		remediation.RuleEncryptionEnabled,
		remediation.RuleSSLRequestsOnly,
		remediation.RuleLoggingEnabled,
	} {
		if !found[ruleID] {
			t.Errorf("missing violation for %s", ruleID)
		}
	}

	for _, e := range events {
		if e.ComplianceState != types.StateNonCompliant {
			t.Errorf("expected NON_COMPLIANT, got %s", e.ComplianceState)
		}
		if e.AccountID != "111122223333" || e.ResourceID != "bad-bucket" {
			t.Errorf("unexpected identity on event: %+v", e)
		}
		if e.Detail == "" {
			t.Error("violations must carry a detail for the operator")
		}
	}
}

func TestPublicACLDetectedDespitePAB(t *testing.T) {
	fixture := compliantFixture()
	fixture.publicACL = true
	s := newScanner(map[string]*bucketFixture{"acl-bucket": fixture})

	events, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	found := rulesFound(events)
	if !found[remediation.RulePublicReadProhibited] {
		t.Error("public ACL grant must trigger the public read rule")
	}
}

func TestSuspendedVersioningDetected(t *testing.T) {
	fixture := compliantFixture()
	fixture.versioning = s3types.BucketVersioningStatusSuspended
	s := newScanner(map[string]*bucketFixture{"suspended": fixture})

	events, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if !rulesFound(events)[remediation.RuleVersioningEnabled] {
		t.Error("suspended versioning must trigger the versioning rule")
	}
}

func TestExcludedBucketNeverInspected(t *testing.T) {
	s := newScanner(map[string]*bucketFixture{
		"do-not-touch": {region: "us-east-1"},
	})

	events, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("excluded buckets must not produce violations, got %d", len(events))
	}
}

func TestOtherRegionBucketSkipped(t *testing.T) {
	s := newScanner(map[string]*bucketFixture{
		"eu-bucket": {region: "eu-west-1"},
	})

	events, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("out-of-region buckets must be skipped, got %d violations", len(events))
	}
}
