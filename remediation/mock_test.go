package remediation

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// apiError is a minimal smithy.APIError for simulating S3 failures
type apiError struct {
	code string
	msg  string
}

func (e apiError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.msg) }
func (e apiError) ErrorCode() string             { return e.code }
func (e apiError) ErrorMessage() string          { return e.msg }
func (e apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var _ smithy.APIError = apiError{}

// bucketState tracks one mock bucket's configuration facets
type bucketState struct {
	publicAccessBlock *s3types.PublicAccessBlockConfiguration
	versioning        s3types.BucketVersioningStatus
	encryption        *s3types.ServerSideEncryptionConfiguration
	policy            string
	logging           *s3types.LoggingEnabled
}

// MockS3 is an in-memory S3 facade with per-facet state and fault injection
type MockS3 struct {
	buckets  map[string]*bucketState
	failNext map[string]error // keyed by operation name
	putCalls int
}

func NewMockS3(names ...string) *MockS3 {
	m := &MockS3{
		buckets:  make(map[string]*bucketState),
		failNext: make(map[string]error),
	}
	for _, name := range names {
		m.buckets[name] = &bucketState{}
	}
	return m
}

// FailWith makes the named operation fail once with the given code
func (m *MockS3) FailWith(operation, code string) {
	m.failNext[operation] = apiError{code: code, msg: "injected"}
}

// AlwaysFailWith makes the named operation fail on every call
func (m *MockS3) AlwaysFailWith(operation, code string) {
	m.failNext[operation] = persistentError{apiError{code: code, msg: "injected"}}
}

type persistentError struct{ apiError }

func (m *MockS3) checkFault(operation string) error {
	err, ok := m.failNext[operation]
	if !ok {
		return nil
	}
	if _, persistent := err.(persistentError); !persistent {
		delete(m.failNext, operation)
	}
	return err
}

func (m *MockS3) state(name string) (*bucketState, error) {
	state, ok := m.buckets[name]
	if !ok {
		return nil, apiError{code: "NoSuchBucket", msg: name}
	}
	return state, nil
}

func (m *MockS3) GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error) {
	if err := m.checkFault("GetPublicAccessBlock"); err != nil {
		return nil, err
	}
	state, err := m.state(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	if state.publicAccessBlock == nil {
		return nil, apiError{code: "NoSuchPublicAccessBlockConfiguration", msg: "not set"}
	}
	return &s3.GetPublicAccessBlockOutput{PublicAccessBlockConfiguration: state.publicAccessBlock}, nil
}

func (m *MockS3) PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	if err := m.checkFault("PutPublicAccessBlock"); err != nil {
		return nil, err
	}
	state, err := m.state(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	m.putCalls++
	state.publicAccessBlock = params.PublicAccessBlockConfiguration
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (m *MockS3) GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error) {
	if err := m.checkFault("GetBucketVersioning"); err != nil {
		return nil, err
	}
	state, err := m.state(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	return &s3.GetBucketVersioningOutput{Status: state.versioning}, nil
}

func (m *MockS3) PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	if err := m.checkFault("PutBucketVersioning"); err != nil {
		return nil, err
	}
	state, err := m.state(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	m.putCalls++
	state.versioning = params.VersioningConfiguration.Status
	return &s3.PutBucketVersioningOutput{}, nil
}

func (m *MockS3) GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error) {
	if err := m.checkFault("GetBucketEncryption"); err != nil {
		return nil, err
	}
	state, err := m.state(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	if state.encryption == nil {
		return nil, apiError{code: "ServerSideEncryptionConfigurationNotFoundError", msg: "not set"}
	}
	return &s3.GetBucketEncryptionOutput{ServerSideEncryptionConfiguration: state.encryption}, nil
}

func (m *MockS3) PutBucketEncryption(ctx context.Context, params *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error) {
	if err := m.checkFault("PutBucketEncryption"); err != nil {
		return nil, err
	}
	state, err := m.state(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	m.putCalls++
	state.encryption = params.ServerSideEncryptionConfiguration
	return &s3.PutBucketEncryptionOutput{}, nil
}

func (m *MockS3) GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	if err := m.checkFault("GetBucketPolicy"); err != nil {
		return nil, err
	}
	state, err := m.state(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	if state.policy == "" {
		return nil, apiError{code: "NoSuchBucketPolicy", msg: "not set"}
	}
	return &s3.GetBucketPolicyOutput{Policy: aws.String(state.policy)}, nil
}

func (m *MockS3) PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	if err := m.checkFault("PutBucketPolicy"); err != nil {
		return nil, err
	}
	state, err := m.state(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	m.putCalls++
	state.policy = aws.ToString(params.Policy)
	return &s3.PutBucketPolicyOutput{}, nil
}

func (m *MockS3) GetBucketLogging(ctx context.Context, params *s3.GetBucketLoggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketLoggingOutput, error) {
	if err := m.checkFault("GetBucketLogging"); err != nil {
		return nil, err
	}
	state, err := m.state(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	return &s3.GetBucketLoggingOutput{LoggingEnabled: state.logging}, nil
}

func (m *MockS3) PutBucketLogging(ctx context.Context, params *s3.PutBucketLoggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketLoggingOutput, error) {
	if err := m.checkFault("PutBucketLogging"); err != nil {
		return nil, err
	}
	state, err := m.state(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	m.putCalls++
	state.logging = params.BucketLoggingStatus.LoggingEnabled
	return &s3.PutBucketLoggingOutput{}, nil
}

func (m *MockS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if err := m.checkFault("HeadBucket"); err != nil {
		return nil, err
	}
	if _, ok := m.buckets[aws.ToString(params.Bucket)]; !ok {
		return nil, apiError{code: "NotFound", msg: "no such bucket"}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *MockS3) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if err := m.checkFault("CreateBucket"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.Bucket)
	if _, ok := m.buckets[name]; ok {
		return nil, apiError{code: "BucketAlreadyOwnedByYou", msg: name}
	}
	m.buckets[name] = &bucketState{}
	return &s3.CreateBucketOutput{}, nil
}

// MockKMS validates key lookups
type MockKMS struct {
	failWith error
	calls    int
}

func (m *MockKMS) DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	m.calls++
	if m.failWith != nil {
		return nil, m.failWith
	}
	return &kms.DescribeKeyOutput{}, nil
}

func testClients(s3Mock *MockS3) Clients {
	return Clients{S3: s3Mock, KMS: &MockKMS{}}
}
