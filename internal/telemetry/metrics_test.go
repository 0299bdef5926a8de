package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propcanvas/internal/types"
)

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func dimensionMap(input *cloudwatch.PutMetricDataInput) map[string]string {
	dims := make(map[string]string)
	for _, d := range input.MetricData[0].Dimensions {
		dims[*d.Name] = *d.Value
	}
	return dims
}

func TestRecordWebhookEvent(t *testing.T) {
	cw := &fakeCloudWatch{}
	m := NewCloudWatchBillingMetrics(cw, "PropCanvas", slog.Default())

	m.RecordWebhookEvent(context.Background(), types.ProviderRazorpay, "subscription.charged")

	require.Len(t, cw.inputs, 1)
	input := cw.inputs[0]
	assert.Equal(t, "PropCanvas", *input.Namespace)
	require.Len(t, input.MetricData, 1)
	assert.Equal(t, MetricWebhookEvent, *input.MetricData[0].MetricName)
	assert.Equal(t, float64(1), *input.MetricData[0].Value)
	assert.Equal(t, map[string]string{
		DimProvider:  "razorpay",
		DimEventType: "subscription.charged",
	}, dimensionMap(input))
}

func TestRecordPaymentOutcomes(t *testing.T) {
	cw := &fakeCloudWatch{}
	m := NewCloudWatchBillingMetrics(cw, "PropCanvas", slog.Default())

	m.RecordPaymentCaptured(context.Background(), types.ProviderStripe)
	m.RecordPaymentFailed(context.Background(), types.ProviderRazorpay)

	require.Len(t, cw.inputs, 2)
	assert.Equal(t, MetricPaymentCaptured, *cw.inputs[0].MetricData[0].MetricName)
	assert.Equal(t, map[string]string{DimProvider: "stripe"}, dimensionMap(cw.inputs[0]))
	assert.Equal(t, MetricPaymentFailed, *cw.inputs[1].MetricData[0].MetricName)
	assert.Equal(t, map[string]string{DimProvider: "razorpay"}, dimensionMap(cw.inputs[1]))
}

func TestRecordUsageAlert(t *testing.T) {
	cw := &fakeCloudWatch{}
	m := NewCloudWatchBillingMetrics(cw, "PropCanvas", slog.Default())

	m.RecordUsageAlert(context.Background(), types.UsageAlertUrgent)

	require.Len(t, cw.inputs, 1)
	assert.Equal(t, MetricUsageAlert, *cw.inputs[0].MetricData[0].MetricName)
	assert.Equal(t, map[string]string{DimLevel: string(types.UsageAlertUrgent)}, dimensionMap(cw.inputs[0]))
}

func TestPutFailureIsSwallowed(t *testing.T) {
	cw := &fakeCloudWatch{err: errors.New("throttled")}
	m := NewCloudWatchBillingMetrics(cw, "PropCanvas", slog.Default())

	assert.NotPanics(t, func() {
		m.RecordWebhookDuplicate(context.Background(), types.ProviderRazorpay, "subscription.charged")
	})
	assert.Len(t, cw.inputs, 1)
}
