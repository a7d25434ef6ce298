// Package telemetry publishes billing and API metrics to CloudWatch.
//
// Datums are buffered in memory and sent in batches by Flush, either from
// the Run loop (long-running API server) or explicitly at the end of a
// Lambda invocation. Recording never blocks on the network.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"stratplan/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// maxDatumsPerCall is the PutMetricData batch limit.
const maxDatumsPerCall = 1000

// maxBuffered bounds memory when CloudWatch is unreachable; older datums are
// dropped first.
const maxBuffered = 20 * maxDatumsPerCall

// Recorder buffers metric datums for one namespace.
type Recorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
	dropped int
}

// NewRecorder creates a Recorder. An empty namespace falls back to
// types.MetricNamespace. A nil client discards datums on Flush.
func NewRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *Recorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func dims(kv ...string) []cwtypes.Dimension {
	out := make([]cwtypes.Dimension, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, cwtypes.Dimension{Name: aws.String(kv[i]), Value: aws.String(kv[i+1])})
	}
	return out
}

func (r *Recorder) add(name string, value float64, unit cwtypes.StandardUnit, dimensions []cwtypes.Dimension) {
	d := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(r.now()),
		Dimensions: dimensions,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= maxBuffered {
		r.pending = r.pending[1:]
		r.dropped++
	}
	r.pending = append(r.pending, d)
}

// RecordRequest records API latency and request count for one response.
func (r *Recorder) RecordRequest(method, endpoint, status string, duration time.Duration) {
	d := dims(types.DimMethod, method, types.DimEndpoint, endpoint, types.DimStatus, status)
	r.add(types.MetricAPILatency, float64(duration.Milliseconds()), cwtypes.StandardUnitMilliseconds, d)
	r.add(types.MetricAPIRequestCount, 1, cwtypes.StandardUnitCount, d)
}

// RecordWebhook counts one webhook delivery by event type and outcome.
func (r *Recorder) RecordWebhook(_ context.Context, eventType string, outcome types.WebhookOutcome) {
	if eventType == "" {
		eventType = "unknown"
	}
	r.add(types.MetricWebhookEvent, 1, cwtypes.StandardUnitCount,
		dims(types.DimEventType, eventType, types.DimOutcome, string(outcome)))
}

// RecordDrift counts an entitlement field the resync sweep had to repair.
func (r *Recorder) RecordDrift(_ context.Context, field string) {
	r.add(types.MetricBillingDrift, 1, cwtypes.StandardUnitCount, dims("Field", field))
}

// RecordProviderError counts a failed payment provider call.
func (r *Recorder) RecordProviderError(_ context.Context, operation string) {
	r.add(types.MetricProviderCallError, 1, cwtypes.StandardUnitCount,
		dims(types.DimProvider, "stripe", "Operation", operation))
}

// Pending returns the number of buffered datums.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush sends every buffered datum. Batches that fail are logged and
// discarded; metrics are best effort.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	dropped := r.dropped
	r.pending = nil
	r.dropped = 0
	r.mu.Unlock()

	if dropped > 0 {
		r.logger.WarnContext(ctx, "metric buffer overflow, datums dropped", "dropped", dropped)
	}
	if r.client == nil {
		return nil
	}

	var firstErr error
	for start := 0; start < len(batch); start += maxDatumsPerCall {
		end := min(start+maxDatumsPerCall, len(batch))
		_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(r.namespace),
			MetricData: batch[start:end],
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to publish metrics",
				"error", err.Error(),
				"datums", end-start,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run flushes every interval until ctx is done, then flushes once more with
// a short detached deadline.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = r.Flush(final)
			cancel()
			return
		case <-ticker.C:
			_ = r.Flush(ctx)
		}
	}
}
