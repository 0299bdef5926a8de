// Package queue provides the SQS-based producer for post-billing continuation
// tasks. Plan changes and usage alerts are not delivered inline; they are
// enqueued for the notification workers, with a dead-letter fallback so a
// briefly unavailable primary queue does not drop the task.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"propcanvas/internal/config"
	"propcanvas/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Task types carried in the message attributes so workers can route without
// unmarshalling the body.
const (
	TaskPlanChange = "plan_change"
	TaskUsageAlert = "usage_alert"
)

// Plan change actions.
const (
	PlanActionSubscribed      = "subscribed"
	PlanActionUpgraded        = "upgraded"
	PlanActionCancelled       = "cancelled"
	PlanActionCancelScheduled = "cancel_scheduled"
)

// PlanChangeTask is the payload enqueued after a subscription lifecycle
// change. Workers fan it out to email and in-app notification channels.
type PlanChangeTask struct {
	TaskID         string         `json:"task_id"`
	UserID         string         `json:"user_id"`
	OrganizationID string         `json:"organization_id,omitempty"`
	SubscriptionID string         `json:"subscription_id"`
	Action         string         `json:"action"`
	PreviousTier   types.PlanTier `json:"previous_tier"`
	NewTier        types.PlanTier `json:"new_tier"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// usageAlertMessage is the wire shape for usage alerts; it mirrors
// types.UsageAlert with a task id for worker-side dedup.
type usageAlertMessage struct {
	TaskID         string               `json:"task_id"`
	OrganizationID string               `json:"organization_id"`
	Level          types.UsageAlertLevel `json:"level"`
	Used           int                  `json:"used"`
	Limit          int                  `json:"limit"`
	Percentage     float64              `json:"percentage"`
	OccurredAt     time.Time            `json:"occurred_at"`
}

// Dispatcher publishes billing continuation tasks to the billing task queue.
// A send failure on the primary queue is retried once against the dead-letter
// queue; only when both fail does the error surface to the caller.
type Dispatcher struct {
	client   SQSSender
	queueURL string
	dlqURL   string
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher targeting the billing task queue from
// the AWS configuration.
func NewDispatcher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:   client,
		queueURL: awsCfg.BillingTaskQueue,
		dlqURL:   awsCfg.DlqURL,
		logger:   logger,
	}
}

// PublishPlanChange enqueues a plan-change notification task. The task id is
// assigned here if the caller left it empty.
func (d *Dispatcher) PublishPlanChange(ctx context.Context, task PlanChangeTask) error {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	if task.OccurredAt.IsZero() {
		task.OccurredAt = time.Now().UTC()
	}
	return d.send(ctx, TaskPlanChange, task.TaskID, task)
}

// PublishUsageAlert enqueues a usage alert task for the notification workers.
func (d *Dispatcher) PublishUsageAlert(ctx context.Context, alert types.UsageAlert) error {
	msg := usageAlertMessage{
		TaskID:         uuid.New().String(),
		OrganizationID: alert.OrganizationID,
		Level:          alert.Level,
		Used:           alert.Used,
		Limit:          alert.Limit,
		Percentage:     alert.Percentage,
		OccurredAt:     alert.OccurredAt,
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	return d.send(ctx, TaskUsageAlert, msg.TaskID, msg)
}

// send serializes the task and dispatches it to the billing task queue,
// falling back to the dead-letter queue when the primary send fails.
func (d *Dispatcher) send(ctx context.Context, taskType, taskID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal %s task: %w", taskType, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"task_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(taskType),
			},
			"trace_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(traceIDOr(ctx, taskID)),
			},
		},
	}

	if _, err = d.client.SendMessage(ctx, input); err == nil {
		d.logger.InfoContext(ctx, "billing task enqueued",
			"task_type", taskType,
			"task_id", taskID,
			"queue_url", d.queueURL,
		)
		return nil
	}

	d.logger.WarnContext(ctx, "billing task send failed, falling back to DLQ",
		"task_type", taskType,
		"task_id", taskID,
		"queue_url", d.queueURL,
		"error", err,
	)

	input.QueueUrl = aws.String(d.dlqURL)
	if _, dlqErr := d.client.SendMessage(ctx, input); dlqErr != nil {
		return fmt.Errorf("queue: failed to send %s task to %s (primary error: %v): %w",
			taskType, d.dlqURL, err, dlqErr)
	}
	return nil
}

// traceIDOr returns the request trace id from the context, or the fallback
// when the task was produced outside a request.
func traceIDOr(ctx context.Context, fallback string) string {
	if id := types.GetRequestID(ctx); id != "" {
		return id
	}
	return fallback
}
