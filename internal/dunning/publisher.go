// Package dunning sends payment follow-up notices to the SQS queue consumed
// by the reminder workers.
package dunning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"stratplan/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher serializes DunningNotices to JSON and sends them to one queue.
// FIFO queues (".fifo" suffix) are grouped by tenant and deduplicated by
// provider event id and kind, so a redelivered webhook never produces a
// second reminder.
type Publisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewPublisher creates a Publisher for queueURL.
func NewPublisher(client SQSSender, queueURL string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

// Publish sends n. An empty TraceID is filled with the request id from ctx
// or a fresh uuid.
func (p *Publisher) Publish(ctx context.Context, n types.DunningNotice) error {
	if n.TraceID == "" {
		n.TraceID = types.GetRequestID(ctx)
	}
	if n.TraceID == "" {
		n.TraceID = uuid.NewString()
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("dunning: failed to marshal notice: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(n.Kind)),
			},
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.TenantID),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(n.TenantID)
		input.MessageDeduplicationId = aws.String(dedupID(n))
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send dunning notice to %s", p.queueURL), err)
	}

	p.logger.InfoContext(ctx, "dunning notice published",
		"kind", string(n.Kind),
		"tenant_id", n.TenantID,
		"event_id", n.ProviderEventID,
		"trace_id", n.TraceID,
	)
	return nil
}

func dedupID(n types.DunningNotice) string {
	if n.ProviderEventID != "" {
		return n.ProviderEventID + ":" + string(n.Kind)
	}
	return n.TenantID + ":" + string(n.Kind) + ":" + n.OccurredAt.UTC().Format("20060102T150405")
}
