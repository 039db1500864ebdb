// Package ingest consumes violation events from the compliance
// monitor's SQS queue and feeds them to the router. Delivery is
// at-least-once: a message is only deleted after its event reached a
// terminal outcome, so crashes redeliver and idempotence absorbs the
// duplicates.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wakimworks/bucketwarden/telemetry"
	"github.com/wakimworks/bucketwarden/types"
)

// SQSAPI is the subset of the SQS client the poller needs
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Processor drives one event to a terminal outcome, satisfied by
// router.Router
type Processor interface {
	Process(ctx context.Context, event types.ViolationEvent) (*types.RemediationOutcome, error)
}

// Poller long-polls the queue and dispatches each message to its own
// worker. Workers never block each other; each handles one event to
// completion.
type Poller struct {
	client   SQSAPI
	queueURL string
	router   Processor
	logger   *telemetry.Logger

	// Concurrent in-flight messages
	workers int
	// Long-poll wait, seconds
	waitTime int32
}

// NewPoller builds a poller for the given queue
func NewPoller(client SQSAPI, queueURL string, router Processor) *Poller {
	return &Poller{
		client:   client,
		queueURL: queueURL,
		router:   router,
		logger:   telemetry.NewLogger("ingest"),
		workers:  4,
		waitTime: 20,
	}
}

// Run polls until the context is cancelled
func (p *Poller) Run(ctx context.Context) error {
	p.logger.WithContext(ctx).Info().
		Str("queue_url", p.queueURL).
		Int("workers", p.workers).
		Msg("polling for violation events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.WithContext(ctx).Error().Err(err).Msg("receive failed")
		}
	}
}

// poll receives one batch and processes it concurrently
func (p *Poller) poll(ctx context.Context) error {
	output, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.queueURL),
		MaxNumberOfMessages: int32(p.workers),
		WaitTimeSeconds:     p.waitTime,
	})
	if err != nil {
		return fmt.Errorf("failed to receive messages: %w", err)
	}

	var wg sync.WaitGroup
	for _, msg := range output.Messages {
		wg.Add(1)
		go func(body, receipt string) {
			defer wg.Done()
			p.handleMessage(ctx, body, receipt)
		}(aws.ToString(msg.Body), aws.ToString(msg.ReceiptHandle))
	}
	wg.Wait()
	return nil
}

// handleMessage decodes and processes one delivery. Undecodable
// messages are deleted so a poison message cannot wedge the queue.
func (p *Poller) handleMessage(ctx context.Context, body, receipt string) {
	event, err := DecodeEvent([]byte(body))
	if err != nil {
		p.logger.WithContext(ctx).Error().Err(err).Msg("dropping undecodable message")
		p.delete(ctx, receipt)
		return
	}

	if _, err := p.router.Process(ctx, event); err != nil {
		// Leave the message in flight for redelivery
		p.logger.WithContext(ctx).Error().
			Err(err).
			Str("resource_id", event.ResourceID).
			Msg("processing failed, leaving message for redelivery")
		return
	}

	p.delete(ctx, receipt)
}

func (p *Poller) delete(ctx context.Context, receipt string) {
	_, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		p.logger.WithContext(ctx).Warn().Err(err).Msg("failed to delete message")
	}
}

// snsEnvelope is the direct SNS-to-SQS notification wrapper
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// snsRecords is the Lambda-style event shape some monitors forward
type snsRecords struct {
	Records []struct {
		Sns struct {
			Message string `json:"Message"`
		} `json:"Sns"`
	} `json:"Records"`
}

// DecodeEvent parses a queue message body into a violation event.
// Accepts a bare event, an SNS notification envelope, or the
// Records-wrapped form, since monitors differ in how they publish.
func DecodeEvent(body []byte) (types.ViolationEvent, error) {
	var envelope snsEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil &&
		envelope.Type == "Notification" && envelope.Message != "" {
		body = []byte(envelope.Message)
	}

	var wrapped snsRecords
	if err := json.Unmarshal(body, &wrapped); err == nil &&
		len(wrapped.Records) > 0 && wrapped.Records[0].Sns.Message != "" {
		body = []byte(wrapped.Records[0].Sns.Message)
	}

	var event types.ViolationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return types.ViolationEvent{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if event.RuleID == "" && event.ResourceID == "" {
		return types.ViolationEvent{}, fmt.Errorf("message carries no violation event")
	}
	return event, nil
}
