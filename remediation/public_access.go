package remediation

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// RulePublicReadProhibited is the upstream compliance rule for public buckets
const RulePublicReadProhibited = "s3-bucket-public-read-prohibited"

// PublicAccessHandler enables all four public-access-block settings
type PublicAccessHandler struct{}

func (h *PublicAccessHandler) RuleID() string { return RulePublicReadProhibited }

func (h *PublicAccessHandler) Apply(ctx context.Context, clients Clients, bucket string) (Result, error) {
	current, err := clients.S3.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{
		Bucket: aws.String(bucket),
	})
	if err != nil && !isCode(err, "NoSuchPublicAccessBlockConfiguration") {
		return Result{}, wrapError(h.RuleID(), bucket, err)
	}

	if err == nil && allBlocksEnabled(current.PublicAccessBlockConfiguration) {
		return Result{Changed: false, Action: "public access already blocked"}, nil
	}

	_, err = clients.S3.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket:                         aws.String(bucket),
		PublicAccessBlockConfiguration: fullPublicAccessBlock(),
	})
	if err != nil {
		return Result{}, wrapError(h.RuleID(), bucket, err)
	}

	return Result{Changed: true, Action: "blocked public access"}, nil
}

func allBlocksEnabled(cfg *s3types.PublicAccessBlockConfiguration) bool {
	if cfg == nil {
		return false
	}
	return aws.ToBool(cfg.BlockPublicAcls) &&
		aws.ToBool(cfg.IgnorePublicAcls) &&
		aws.ToBool(cfg.BlockPublicPolicy) &&
		aws.ToBool(cfg.RestrictPublicBuckets)
}

func fullPublicAccessBlock() *s3types.PublicAccessBlockConfiguration {
	return &s3types.PublicAccessBlockConfiguration{
		BlockPublicAcls:       aws.Bool(true),
		IgnorePublicAcls:      aws.Bool(true),
		BlockPublicPolicy:     aws.Bool(true),
		RestrictPublicBuckets: aws.Bool(true),
	}
}
