package remediation

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// RuleLoggingEnabled is the upstream compliance rule for access logging
const RuleLoggingEnabled = "s3-bucket-logging-enabled"

// AccessLoggingHandler enables server access logging. The destination
// bucket `<bucket>-logs` is created if absent, with public access
// blocked; an existing destination is never recreated or reconfigured.
type AccessLoggingHandler struct {
	// Region is used for the destination bucket's location constraint
	Region string
}

func (h *AccessLoggingHandler) RuleID() string { return RuleLoggingEnabled }

func (h *AccessLoggingHandler) Apply(ctx context.Context, clients Clients, bucket string) (Result, error) {
	current, err := clients.S3.GetBucketLogging(ctx, &s3.GetBucketLoggingInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return Result{}, wrapError(h.RuleID(), bucket, err)
	}

	if current.LoggingEnabled != nil && aws.ToString(current.LoggingEnabled.TargetBucket) != "" {
		return Result{Changed: false, Action: "access logging already enabled"}, nil
	}

	logBucket := bucket + "-logs"
	if err := h.ensureLogBucket(ctx, clients, bucket, logBucket); err != nil {
		return Result{}, err
	}

	_, err = clients.S3.PutBucketLogging(ctx, &s3.PutBucketLoggingInput{
		Bucket: aws.String(bucket),
		BucketLoggingStatus: &s3types.BucketLoggingStatus{
			LoggingEnabled: &s3types.LoggingEnabled{
				TargetBucket: aws.String(logBucket),
				TargetPrefix: aws.String(bucket + "/"),
			},
		},
	})
	if err != nil {
		return Result{}, wrapError(h.RuleID(), bucket, err)
	}

	return Result{Changed: true, Action: fmt.Sprintf("enabled access logging to %s", logBucket)}, nil
}

// ensureLogBucket creates the destination bucket if it does not exist.
// A freshly created destination gets the full public access block.
func (h *AccessLoggingHandler) ensureLogBucket(ctx context.Context, clients Clients, bucket, logBucket string) error {
	_, err := clients.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(logBucket)})
	if err == nil {
		return nil
	}
	if !isCode(err, "NotFound", "NoSuchBucket") {
		return wrapError(h.RuleID(), bucket, err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(logBucket)}
	// us-east-1 rejects an explicit location constraint
	if h.Region != "" && h.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(h.Region),
		}
	}

	if _, err := clients.S3.CreateBucket(ctx, input); err != nil {
		// Lost a create race to a concurrent attempt; ours still exists
		if isCode(err, "BucketAlreadyOwnedByYou") {
			return nil
		}
		return wrapError(h.RuleID(), bucket, err)
	}

	_, err = clients.S3.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket:                         aws.String(logBucket),
		PublicAccessBlockConfiguration: fullPublicAccessBlock(),
	})
	if err != nil {
		return wrapError(h.RuleID(), bucket, err)
	}
	return nil
}
