package client

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{
		labelRank:      "1",
		labelBackend:   "queue",
		labelMatchType: "tag",
	}
	metrics.DispatcherStarted(base)
	metrics.DispatcherStopped(base)
	metrics.DispatcherProgressError("progress_error", errors.New("boom"), base)

	opAttrs := map[string]string{
		labelRank:    "1",
		labelBackend: "queue",
		labelStatus:  "ok",
	}
	metrics.SendCompleted(opAttrs)
	metrics.SendFailed(errors.New("fail"), opAttrs)
	metrics.ReceiveCompleted(opAttrs)
	metrics.ReceiveFailed(errors.New("rfail"), opAttrs)
	metrics.PutCompleted(opAttrs)
	metrics.PutFailed(errors.New("pfail"), opAttrs)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"lci.client.dispatcher.started":   1,
		"lci.client.dispatcher.stopped":   1,
		"lci.client.progress.errors":      1,
		"lci.client.operations.completed": 3,
		"lci.client.operations.failed":    3,
	}

	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
