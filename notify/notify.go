// Package notify mails remediation summaries to the operations
// contact. Mail failures are reported to the caller but must never
// fail a remediation run.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/wakimworks/bucketwarden/telemetry"
	"github.com/wakimworks/bucketwarden/types"
)

// SESAPI is the subset of the SES client the notifier needs
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Notifier sends outcome summaries by email
type Notifier struct {
	client    SESAPI
	sender    string
	recipient string
	logger    *telemetry.Logger
}

// NewNotifier builds a notifier. Sender and recipient must both be
// SES-verified addresses.
func NewNotifier(client SESAPI, sender, recipient string) *Notifier {
	return &Notifier{
		client:    client,
		sender:    sender,
		recipient: recipient,
		logger:    telemetry.NewLogger("notify"),
	}
}

// SendSummary mails a digest of the given outcomes. An empty slice
// sends nothing.
func (n *Notifier) SendSummary(ctx context.Context, outcomes []types.RemediationOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	subject := summarySubject(outcomes)
	html := renderSummary(outcomes)

	_, err := n.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(n.sender),
		Destination: &sestypes.Destination{
			ToAddresses: []string{n.recipient},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject)},
				Body: &sestypes.Body{
					Html: &sestypes.Content{Data: aws.String(html)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send summary email: %w", err)
	}

	n.logger.WithContext(ctx).Info().
		Str("recipient", n.recipient).
		Int("outcomes", len(outcomes)).
		Msg("summary email sent")

	return nil
}

func summarySubject(outcomes []types.RemediationOutcome) string {
	counts := countByStatus(outcomes)
	if counts[types.StatusFailed] > 0 {
		return fmt.Sprintf("[bucketwarden] %d remediation(s) FAILED, %d applied",
			counts[types.StatusFailed], counts[types.StatusRemediated])
	}
	return fmt.Sprintf("[bucketwarden] %d remediation(s) applied, %d already compliant",
		counts[types.StatusRemediated], counts[types.StatusAlreadyCompliant])
}

func countByStatus(outcomes []types.RemediationOutcome) map[types.OutcomeStatus]int {
	counts := make(map[types.OutcomeStatus]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return counts
}

// renderSummary builds the HTML digest, failures first so the
// actionable rows lead the table
func renderSummary(outcomes []types.RemediationOutcome) string {
	var b strings.Builder
	b.WriteString("<html><body><h2>S3 Remediation Summary</h2>")
	b.WriteString("<table border=\"1\" cellpadding=\"4\"><tr><th>Status</th><th>Bucket</th><th>Rule</th><th>Detail</th></tr>")

	writeRows := func(status types.OutcomeStatus) {
		for _, o := range outcomes {
			if o.Status != status {
				continue
			}
			detail := o.Action
			if o.Status == types.StatusFailed {
				detail = o.ErrorDetail
			} else if detail == "" {
				detail = o.Reason
			}
			fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>",
				o.Status, o.ResourceID, o.RuleID, detail)
		}
	}

	for _, status := range []types.OutcomeStatus{
		types.StatusFailed,
		types.StatusRemediated,
		types.StatusAlreadyCompliant,
		types.StatusSkippedExcluded,
	} {
		writeRows(status)
	}

	b.WriteString("</table></body></html>")
	return b.String()
}
