package remediation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// RuleSSLRequestsOnly is the upstream compliance rule for TLS-only access
const RuleSSLRequestsOnly = "s3-bucket-ssl-requests-only"

// TLSPolicyHandler merges a DenyInsecureTransport statement into the
// bucket policy. Existing unrelated statements are preserved untouched;
// this handler owns exactly one policy facet.
type TLSPolicyHandler struct{}

func (h *TLSPolicyHandler) RuleID() string { return RuleSSLRequestsOnly }

// bucketPolicy keeps statements as raw JSON so foreign statements
// survive a round trip byte-for-byte
type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []json.RawMessage `json:"Statement"`
}

// statementProbe is the loose shape used to detect an existing TLS deny
type statementProbe struct {
	Effect    string                    `json:"Effect"`
	Condition map[string]map[string]any `json:"Condition"`
}

func (h *TLSPolicyHandler) Apply(ctx context.Context, clients Clients, bucket string) (Result, error) {
	policy, err := h.currentPolicy(ctx, clients, bucket)
	if err != nil {
		return Result{}, err
	}

	if hasTLSDeny(policy.Statement) {
		return Result{Changed: false, Action: "TLS-only policy already present"}, nil
	}

	statement, err := denyInsecureTransportStatement(bucket)
	if err != nil {
		return Result{}, wrapError(h.RuleID(), bucket, err)
	}
	policy.Statement = append(policy.Statement, statement)

	updated, err := json.Marshal(policy)
	if err != nil {
		return Result{}, wrapError(h.RuleID(), bucket, err)
	}

	_, err = clients.S3.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(string(updated)),
	})
	if err != nil {
		return Result{}, wrapError(h.RuleID(), bucket, err)
	}

	return Result{Changed: true, Action: "enforced TLS-only access"}, nil
}

// currentPolicy fetches and parses the bucket policy; a missing policy
// is an empty one, not an error
func (h *TLSPolicyHandler) currentPolicy(ctx context.Context, clients Clients, bucket string) (*bucketPolicy, error) {
	output, err := clients.S3.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		if isCode(err, "NoSuchBucketPolicy") {
			return &bucketPolicy{Version: "2012-10-17"}, nil
		}
		return nil, wrapError(h.RuleID(), bucket, err)
	}

	var policy bucketPolicy
	if err := json.Unmarshal([]byte(aws.ToString(output.Policy)), &policy); err != nil {
		return nil, wrapError(h.RuleID(), bucket, fmt.Errorf("unparseable bucket policy: %w", err))
	}
	if policy.Version == "" {
		policy.Version = "2012-10-17"
	}
	return &policy, nil
}

// StatementDeniesInsecureTransport reports whether one policy
// statement denies requests arriving without TLS. Shared with the
// scanner so detection and remediation agree on what counts.
func StatementDeniesInsecureTransport(statement json.RawMessage) bool {
	return hasTLSDeny([]json.RawMessage{statement})
}

// hasTLSDeny detects any Deny statement conditioned on insecure transport
func hasTLSDeny(statements []json.RawMessage) bool {
	for _, raw := range statements {
		var probe statementProbe
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		if probe.Effect != "Deny" {
			continue
		}
		boolCond, ok := probe.Condition["Bool"]
		if !ok {
			continue
		}
		switch v := boolCond["aws:SecureTransport"].(type) {
		case string:
			if v == "false" {
				return true
			}
		case bool:
			if !v {
				return true
			}
		}
	}
	return false
}

func denyInsecureTransportStatement(bucket string) (json.RawMessage, error) {
	statement := map[string]any{
		"Sid":       "DenyInsecureTransport",
		"Effect":    "Deny",
		"Principal": "*",
		"Action":    "s3:*",
		"Resource": []string{
			fmt.Sprintf("arn:aws:s3:::%s", bucket),
			fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
		},
		"Condition": map[string]any{
			"Bool": map[string]any{"aws:SecureTransport": "false"},
		},
	}
	return json.Marshal(statement)
}
