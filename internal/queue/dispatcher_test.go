package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propcanvas/internal/config"
	"propcanvas/internal/types"
)

type sentMessage struct {
	queueURL string
	body     string
	attrs    map[string]string
}

// fakeSQS records sends and fails the first n calls.
type fakeSQS struct {
	failFirst int
	calls     int
	sent      []sentMessage
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return nil, errors.New("sqs unavailable")
	}
	attrs := make(map[string]string, len(params.MessageAttributes))
	for k, v := range params.MessageAttributes {
		attrs[k] = aws.ToString(v.StringValue)
	}
	f.sent = append(f.sent, sentMessage{
		queueURL: aws.ToString(params.QueueUrl),
		body:     aws.ToString(params.MessageBody),
		attrs:    attrs,
	})
	return &sqs.SendMessageOutput{MessageId: aws.String("mid-1")}, nil
}

func testAWSConfig() config.AWSConfig {
	return config.AWSConfig{
		BillingTaskQueue: "https://sqs.ap-south-1.amazonaws.com/123/billing-tasks",
		DlqURL:           "https://sqs.ap-south-1.amazonaws.com/123/billing-tasks-dlq",
	}
}

func TestPublishPlanChange(t *testing.T) {
	client := &fakeSQS{}
	d := NewDispatcher(client, testAWSConfig(), nil)

	err := d.PublishPlanChange(context.Background(), PlanChangeTask{
		UserID:         "user_1",
		SubscriptionID: "sub_1",
		Action:         PlanActionUpgraded,
		PreviousTier:   types.PlanSolo,
		NewTier:        types.PlanTeam,
	})
	require.NoError(t, err)
	require.Len(t, client.sent, 1)

	msg := client.sent[0]
	assert.Equal(t, testAWSConfig().BillingTaskQueue, msg.queueURL)
	assert.Equal(t, TaskPlanChange, msg.attrs["task_type"])
	assert.NotEmpty(t, msg.attrs["trace_id"])

	var task PlanChangeTask
	require.NoError(t, json.Unmarshal([]byte(msg.body), &task))
	assert.NotEmpty(t, task.TaskID, "task id is assigned when empty")
	assert.Equal(t, "upgraded", task.Action)
	assert.Equal(t, types.PlanSolo, task.PreviousTier)
	assert.Equal(t, types.PlanTeam, task.NewTier)
	assert.False(t, task.OccurredAt.IsZero())
}

func TestPublishPlanChange_TraceIDFromContext(t *testing.T) {
	client := &fakeSQS{}
	d := NewDispatcher(client, testAWSConfig(), nil)

	ctx := types.WithRequestID(context.Background(), "req-42")
	err := d.PublishPlanChange(ctx, PlanChangeTask{UserID: "user_1", SubscriptionID: "sub_1", Action: PlanActionSubscribed})
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	assert.Equal(t, "req-42", client.sent[0].attrs["trace_id"])
}

func TestPublishUsageAlert(t *testing.T) {
	client := &fakeSQS{}
	d := NewDispatcher(client, testAWSConfig(), nil)

	err := d.PublishUsageAlert(context.Background(), types.UsageAlert{
		OrganizationID: "org_1",
		Level:          types.UsageAlertUrgent,
		Used:           45,
		Limit:          50,
		Percentage:     90,
	})
	require.NoError(t, err)
	require.Len(t, client.sent, 1)

	msg := client.sent[0]
	assert.Equal(t, TaskUsageAlert, msg.attrs["task_type"])

	var alert usageAlertMessage
	require.NoError(t, json.Unmarshal([]byte(msg.body), &alert))
	assert.Equal(t, "org_1", alert.OrganizationID)
	assert.Equal(t, types.UsageAlertUrgent, alert.Level)
	assert.Equal(t, 45, alert.Used)
}

func TestSend_FallsBackToDLQ(t *testing.T) {
	client := &fakeSQS{failFirst: 1}
	d := NewDispatcher(client, testAWSConfig(), nil)

	err := d.PublishPlanChange(context.Background(), PlanChangeTask{UserID: "user_1", SubscriptionID: "sub_1", Action: PlanActionCancelled})
	require.NoError(t, err)

	require.Len(t, client.sent, 1)
	assert.Equal(t, testAWSConfig().DlqURL, client.sent[0].queueURL, "failed primary send retries on the DLQ")
	assert.Equal(t, 2, client.calls)
}

func TestSend_BothQueuesFailing(t *testing.T) {
	client := &fakeSQS{failFirst: 2}
	d := NewDispatcher(client, testAWSConfig(), nil)

	err := d.PublishPlanChange(context.Background(), PlanChangeTask{UserID: "user_1", SubscriptionID: "sub_1", Action: PlanActionCancelled})
	require.Error(t, err)
	assert.Empty(t, client.sent)
}
