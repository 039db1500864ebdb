package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wakimworks/bucketwarden/types"
)

func eventJSON(t *testing.T) string {
	t.Helper()
	event := types.ViolationEvent{
		RuleID:          "s3-bucket-versioning-enabled",
		ResourceID:      "data-bucket",
		AccountID:       "111122223333",
		ComplianceState: types.StateNonCompliant,
		DetectedAt:      time.Now(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return string(body)
}

func TestDecodeBareEvent(t *testing.T) {
	event, err := DecodeEvent([]byte(eventJSON(t)))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event.RuleID != "s3-bucket-versioning-enabled" {
		t.Errorf("unexpected rule: %s", event.RuleID)
	}
}

func TestDecodeSNSEnvelope(t *testing.T) {
	envelope, err := json.Marshal(map[string]string{
		"Type":    "Notification",
		"Message": eventJSON(t),
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	event, err := DecodeEvent(envelope)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event.ResourceID != "data-bucket" {
		t.Errorf("unexpected resource: %s", event.ResourceID)
	}
}

func TestDecodeRecordsWrappedEvent(t *testing.T) {
	wrapped, err := json.Marshal(map[string]interface{}{
		"Records": []map[string]interface{}{
			{"Sns": map[string]string{"Message": eventJSON(t)}},
		},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	event, err := DecodeEvent(wrapped)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event.AccountID != "111122223333" {
		t.Errorf("unexpected account: %s", event.AccountID)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeEvent([]byte("not json")); err == nil {
		t.Fatal("expected error for non-json body")
	}
	if _, err := DecodeEvent([]byte("{}")); err == nil {
		t.Fatal("expected error for empty object")
	}
}

// mockSQS serves scripted batches, then empty receives
type mockSQS struct {
	mu       sync.Mutex
	batches  [][]sqstypes.Message
	deleted  []string
	receives int
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receives++
	if len(m.batches) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type stubProcessor struct {
	mu     sync.Mutex
	events []types.ViolationEvent
	err    error
}

func (p *stubProcessor) Process(ctx context.Context, event types.ViolationEvent) (*types.RemediationOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.events = append(p.events, event)
	return &types.RemediationOutcome{Status: types.StatusRemediated}, nil
}

func message(id, body string) sqstypes.Message {
	return sqstypes.Message{
		Body:          aws.String(body),
		ReceiptHandle: aws.String(id),
	}
}

func TestPollerProcessesAndDeletes(t *testing.T) {
	mock := &mockSQS{batches: [][]sqstypes.Message{
		{message("r1", eventJSON(t)), message("r2", eventJSON(t))},
	}}
	processor := &stubProcessor{}
	poller := NewPoller(mock, "https://sqs.test/queue", processor)

	if err := poller.poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	if len(processor.events) != 2 {
		t.Errorf("expected 2 processed events, got %d", len(processor.events))
	}
	if len(mock.deleted) != 2 {
		t.Errorf("expected 2 deletions, got %d", len(mock.deleted))
	}
}

func TestPollerLeavesFailedMessagesForRedelivery(t *testing.T) {
	mock := &mockSQS{batches: [][]sqstypes.Message{
		{message("r1", eventJSON(t))},
	}}
	processor := &stubProcessor{err: errors.New("engine trouble")}
	poller := NewPoller(mock, "https://sqs.test/queue", processor)

	if err := poller.poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	if len(mock.deleted) != 0 {
		t.Error("failed messages must stay in flight for redelivery")
	}
}

func TestPollerDropsPoisonMessages(t *testing.T) {
	mock := &mockSQS{batches: [][]sqstypes.Message{
		{message("poison", "not an event at all")},
	}}
	processor := &stubProcessor{}
	poller := NewPoller(mock, "https://sqs.test/queue", processor)

	if err := poller.poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	if len(processor.events) != 0 {
		t.Error("poison messages must not reach the processor")
	}
	if len(mock.deleted) != 1 {
		t.Error("poison messages must be deleted, not redelivered forever")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	mock := &mockSQS{}
	poller := NewPoller(mock, "https://sqs.test/queue", &stubProcessor{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on cancel")
	}
}
