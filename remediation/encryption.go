package remediation

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// RuleEncryptionEnabled is the upstream compliance rule for default encryption
const RuleEncryptionEnabled = "s3-bucket-server-side-encryption-enabled"

// EncryptionHandler applies default server-side encryption. SSE-S3 AES256
// by default; SSE-KMS when a key ARN is configured. The key is validated
// with DescribeKey before use so an unusable key fails fast instead of
// leaving the bucket half-configured.
type EncryptionHandler struct {
	KMSKeyARN string
}

func (h *EncryptionHandler) RuleID() string { return RuleEncryptionEnabled }

func (h *EncryptionHandler) Apply(ctx context.Context, clients Clients, bucket string) (Result, error) {
	current, err := clients.S3.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{
		Bucket: aws.String(bucket),
	})
	if err != nil && !isCode(err, "ServerSideEncryptionConfigurationNotFoundError") {
		return Result{}, wrapError(h.RuleID(), bucket, err)
	}

	if err == nil && hasDefaultEncryption(current.ServerSideEncryptionConfiguration) {
		return Result{Changed: false, Action: "default encryption already configured"}, nil
	}

	rule, action, err := h.encryptionRule(ctx, clients, bucket)
	if err != nil {
		return Result{}, err
	}

	_, err = clients.S3.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(bucket),
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{rule},
		},
	})
	if err != nil {
		return Result{}, wrapError(h.RuleID(), bucket, err)
	}

	return Result{Changed: true, Action: action}, nil
}

// encryptionRule builds the SSE rule to apply, validating any configured KMS key
func (h *EncryptionHandler) encryptionRule(ctx context.Context, clients Clients, bucket string) (s3types.ServerSideEncryptionRule, string, error) {
	if h.KMSKeyARN == "" {
		rule := s3types.ServerSideEncryptionRule{
			ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
				SSEAlgorithm: s3types.ServerSideEncryptionAes256,
			},
			BucketKeyEnabled: aws.Bool(true),
		}
		return rule, "enabled AES256 default encryption", nil
	}

	if _, err := clients.KMS.DescribeKey(ctx, &kms.DescribeKeyInput{
		KeyId: aws.String(h.KMSKeyARN),
	}); err != nil {
		return s3types.ServerSideEncryptionRule{}, "", wrapError(h.RuleID(), bucket, err)
	}

	rule := s3types.ServerSideEncryptionRule{
		ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
			SSEAlgorithm:   s3types.ServerSideEncryptionAwsKms,
			KMSMasterKeyID: aws.String(h.KMSKeyARN),
		},
		BucketKeyEnabled: aws.Bool(true),
	}
	return rule, "enabled SSE-KMS default encryption", nil
}

func hasDefaultEncryption(cfg *s3types.ServerSideEncryptionConfiguration) bool {
	if cfg == nil {
		return false
	}
	for _, rule := range cfg.Rules {
		if rule.ApplyServerSideEncryptionByDefault != nil {
			return true
		}
	}
	return false
}
