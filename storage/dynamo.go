package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wakimworks/bucketwarden/types"
)

// mirrorTTL is how long mirrored outcomes live in DynamoDB
const mirrorTTL = 90 * 24 * time.Hour

// DynamoAPI is the subset of the DynamoDB client the mirror needs
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoMirror copies outcomes to a shared DynamoDB table so operators
// can query them without access to the local store. Writes are
// best-effort: the local store remains the source of truth.
type DynamoMirror struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamoMirror creates a mirror writing to the given table
func NewDynamoMirror(client DynamoAPI, table string) *DynamoMirror {
	return &DynamoMirror{
		client: client,
		table:  table,
		now:    time.Now,
	}
}

// Mirror writes one outcome to DynamoDB with a 90 day TTL
func (m *DynamoMirror) Mirror(ctx context.Context, outcome types.RemediationOutcome) error {
	expiresAt := m.now().Add(mirrorTTL).Unix()

	item := map[string]ddbtypes.AttributeValue{
		"resource_id":    &ddbtypes.AttributeValueMemberS{Value: outcome.ResourceID},
		"recorded_at":    &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(outcome.RecordedAt.UnixNano(), 10)},
		"rule_id":        &ddbtypes.AttributeValueMemberS{Value: outcome.RuleID},
		"account_id":     &ddbtypes.AttributeValueMemberS{Value: outcome.AccountID},
		"status":         &ddbtypes.AttributeValueMemberS{Value: string(outcome.Status)},
		"attempt_number": &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(outcome.AttemptNumber)},
		"expires_at":     &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
	}
	if outcome.Action != "" {
		item["action"] = &ddbtypes.AttributeValueMemberS{Value: outcome.Action}
	}
	if outcome.Reason != "" {
		item["reason"] = &ddbtypes.AttributeValueMemberS{Value: outcome.Reason}
	}
	if outcome.ErrorDetail != "" {
		item["error_detail"] = &ddbtypes.AttributeValueMemberS{Value: outcome.ErrorDetail}
	}

	_, err := m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to mirror outcome for %s: %w", outcome.ResourceID, err)
	}
	return nil
}
