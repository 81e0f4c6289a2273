package client

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter             metric.Meter
	dispatcherStarted metric.Int64Counter
	dispatcherStopped metric.Int64Counter
	progressErrors    metric.Int64Counter
	completed         metric.Int64Counter
	failed            metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/lci-go/client"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	dispatcherStarted, err := meter.Int64Counter("lci.client.dispatcher.started")
	if err != nil {
		return nil, err
	}
	dispatcherStopped, err := meter.Int64Counter("lci.client.dispatcher.stopped")
	if err != nil {
		return nil, err
	}
	progressErrors, err := meter.Int64Counter("lci.client.progress.errors")
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("lci.client.operations.completed")
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("lci.client.operations.failed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:             meter,
		dispatcherStarted: dispatcherStarted,
		dispatcherStopped: dispatcherStopped,
		progressErrors:    progressErrors,
		completed:         completed,
		failed:            failed,
	}, nil
}

// DispatcherStarted records that the dispatcher has started executing.
func (o *OTelMetrics) DispatcherStarted(attrs map[string]string) {
	o.dispatcherStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DispatcherStopped records that the dispatcher has exited.
func (o *OTelMetrics) DispatcherStopped(attrs map[string]string) {
	o.dispatcherStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DispatcherProgressError counts errors returned by runtime progress.
func (o *OTelMetrics) DispatcherProgressError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.progressErrors.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// SendCompleted records a successful send completion.
func (o *OTelMetrics) SendCompleted(attrs map[string]string) {
	o.add(o.completed, attrs, OperationSend)
}

// SendFailed records a failed send completion.
func (o *OTelMetrics) SendFailed(_ error, attrs map[string]string) {
	o.add(o.failed, attrs, OperationSend)
}

// ReceiveCompleted records a successful receive completion.
func (o *OTelMetrics) ReceiveCompleted(attrs map[string]string) {
	o.add(o.completed, attrs, OperationReceive)
}

// ReceiveFailed records a failed receive completion.
func (o *OTelMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	o.add(o.failed, attrs, OperationReceive)
}

// PutCompleted records a successful put completion.
func (o *OTelMetrics) PutCompleted(attrs map[string]string) {
	o.add(o.completed, attrs, OperationPut)
}

// PutFailed records a failed put completion.
func (o *OTelMetrics) PutFailed(_ error, attrs map[string]string) {
	o.add(o.failed, attrs, OperationPut)
}

func (o *OTelMetrics) add(counter metric.Int64Counter, attrs map[string]string, kind OperationKind) {
	kvs := append(otelAttrs(attrs), attribute.String(labelOperation, kind.String()))
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(kvs...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelRank, attrs[labelRank]),
		attribute.String(labelBackend, attrs[labelBackend]),
	}
	if v := attrs[labelMatchType]; v != "" {
		kvs = append(kvs, attribute.String(labelMatchType, v))
	}
	return kvs
}
