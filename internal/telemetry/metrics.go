// Package telemetry emits billing metrics to CloudWatch: webhook outcomes,
// payment captures and failures, and usage alert transitions.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"propcanvas/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metric names.
const (
	MetricWebhookEvent     = "WebhookEvent"
	MetricWebhookDuplicate = "WebhookDuplicate"
	MetricPaymentCaptured  = "PaymentCaptured"
	MetricPaymentFailed    = "PaymentFailed"
	MetricUsageAlert       = "UsageAlert"
)

// Dimension names.
const (
	DimProvider  = "Provider"
	DimEventType = "EventType"
	DimLevel     = "Level"
)

// BillingMetrics is the recording contract consumed by the reconciliation
// engine and the usage gate. Emission is best effort: a CloudWatch failure is
// logged, never propagated.
type BillingMetrics interface {
	RecordWebhookEvent(ctx context.Context, provider types.ProviderType, eventType string)
	RecordWebhookDuplicate(ctx context.Context, provider types.ProviderType, eventType string)
	RecordPaymentCaptured(ctx context.Context, provider types.ProviderType)
	RecordPaymentFailed(ctx context.Context, provider types.ProviderType)
	RecordUsageAlert(ctx context.Context, level types.UsageAlertLevel)
}

// CloudWatchBillingMetrics publishes BillingMetrics to a CloudWatch namespace.
type CloudWatchBillingMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ BillingMetrics = (*CloudWatchBillingMetrics)(nil)

// NewCloudWatchBillingMetrics creates a recorder publishing to the given
// namespace.
func NewCloudWatchBillingMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchBillingMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchBillingMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordWebhookEvent counts a dispatched webhook with Provider and EventType
// dimensions.
func (m *CloudWatchBillingMetrics) RecordWebhookEvent(ctx context.Context, provider types.ProviderType, eventType string) {
	m.put(ctx, MetricWebhookEvent,
		cwtypes.Dimension{Name: aws.String(DimProvider), Value: aws.String(string(provider))},
		cwtypes.Dimension{Name: aws.String(DimEventType), Value: aws.String(eventType)},
	)
}

// RecordWebhookDuplicate counts an idempotent skip of an already-applied
// payment event.
func (m *CloudWatchBillingMetrics) RecordWebhookDuplicate(ctx context.Context, provider types.ProviderType, eventType string) {
	m.put(ctx, MetricWebhookDuplicate,
		cwtypes.Dimension{Name: aws.String(DimProvider), Value: aws.String(string(provider))},
		cwtypes.Dimension{Name: aws.String(DimEventType), Value: aws.String(eventType)},
	)
}

// RecordPaymentCaptured counts a captured payment.
func (m *CloudWatchBillingMetrics) RecordPaymentCaptured(ctx context.Context, provider types.ProviderType) {
	m.put(ctx, MetricPaymentCaptured,
		cwtypes.Dimension{Name: aws.String(DimProvider), Value: aws.String(string(provider))},
	)
}

// RecordPaymentFailed counts a failed payment.
func (m *CloudWatchBillingMetrics) RecordPaymentFailed(ctx context.Context, provider types.ProviderType) {
	m.put(ctx, MetricPaymentFailed,
		cwtypes.Dimension{Name: aws.String(DimProvider), Value: aws.String(string(provider))},
	)
}

// RecordUsageAlert counts a usage alert transition with its severity level.
func (m *CloudWatchBillingMetrics) RecordUsageAlert(ctx context.Context, level types.UsageAlertLevel) {
	m.put(ctx, MetricUsageAlert,
		cwtypes.Dimension{Name: aws.String(DimLevel), Value: aws.String(string(level))},
	)
}

func (m *CloudWatchBillingMetrics) put(ctx context.Context, name string, dims ...cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to record billing metric",
			"metric", name,
			"error", err,
		)
	}
}

// NoopMetrics discards every metric. Used when telemetry is not configured.
type NoopMetrics struct{}

var _ BillingMetrics = NoopMetrics{}

func (NoopMetrics) RecordWebhookEvent(context.Context, types.ProviderType, string)     {}
func (NoopMetrics) RecordWebhookDuplicate(context.Context, types.ProviderType, string) {}
func (NoopMetrics) RecordPaymentCaptured(context.Context, types.ProviderType)          {}
func (NoopMetrics) RecordPaymentFailed(context.Context, types.ProviderType)            {}
func (NoopMetrics) RecordUsageAlert(context.Context, types.UsageAlertLevel)            {}
