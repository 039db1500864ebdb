package remediation

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// RuleVersioningEnabled is the upstream compliance rule for bucket versioning
const RuleVersioningEnabled = "s3-bucket-versioning-enabled"

// VersioningHandler turns on bucket versioning
type VersioningHandler struct{}

func (h *VersioningHandler) RuleID() string { return RuleVersioningEnabled }

func (h *VersioningHandler) Apply(ctx context.Context, clients Clients, bucket string) (Result, error) {
	current, err := clients.S3.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return Result{}, wrapError(h.RuleID(), bucket, err)
	}

	if current.Status == s3types.BucketVersioningStatusEnabled {
		return Result{Changed: false, Action: "versioning already enabled"}, nil
	}

	_, err = clients.S3.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(bucket),
		VersioningConfiguration: &s3types.VersioningConfiguration{
			Status: s3types.BucketVersioningStatusEnabled,
		},
	})
	if err != nil {
		return Result{}, wrapError(h.RuleID(), bucket, err)
	}

	return Result{Changed: true, Action: "enabled versioning"}, nil
}
