package client

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	dispatcherStarted *prometheus.CounterVec
	dispatcherStopped *prometheus.CounterVec
	progressErrors    *prometheus.CounterVec
	completed         *prometheus.CounterVec
	failed            *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Registering against a registry that already holds the collectors reuses them.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		dispatcherStarted: counter("lci_client_dispatcher_started_total", "Number of times the dispatcher started", dispatcherLabelKeys),
		dispatcherStopped: counter("lci_client_dispatcher_stopped_total", "Number of times the dispatcher stopped", dispatcherLabelKeys),
		progressErrors:    counter("lci_client_progress_errors_total", "Number of errors returned by runtime progress", progressErrorLabelKeys),
		completed:         counter("lci_client_operations_completed_total", "Number of successful operation completions", completionLabelKeys),
		failed:            counter("lci_client_operations_failed_total", "Number of errored operation completions", failureLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{&p.dispatcherStarted, &p.dispatcherStopped, &p.progressErrors, &p.completed, &p.failed} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var (
	dispatcherLabelKeys    = []string{labelRank, labelBackend, labelMatchType}
	progressErrorLabelKeys = []string{labelRank, labelBackend, labelMatchType, labelKind}
	completionLabelKeys    = []string{labelRank, labelBackend, labelMatchType, labelOperation}
	failureLabelKeys       = []string{labelRank, labelBackend, labelMatchType, labelOperation}
)

func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherProgressError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, progressErrorLabelKeys...)
	labs[labelKind] = kind
	p.progressErrors.With(labs).Inc()
}

func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) {
	p.completedWith(attrs, OperationSend)
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.failedWith(attrs, OperationSend)
}

func (p *PrometheusMetrics) ReceiveCompleted(attrs map[string]string) {
	p.completedWith(attrs, OperationReceive)
}

func (p *PrometheusMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	p.failedWith(attrs, OperationReceive)
}

func (p *PrometheusMetrics) PutCompleted(attrs map[string]string) {
	p.completedWith(attrs, OperationPut)
}

func (p *PrometheusMetrics) PutFailed(_ error, attrs map[string]string) {
	p.failedWith(attrs, OperationPut)
}

func (p *PrometheusMetrics) completedWith(attrs map[string]string, kind OperationKind) {
	labs := labels(attrs, completionLabelKeys...)
	labs[labelOperation] = kind.String()
	p.completed.With(labs).Inc()
}

func (p *PrometheusMetrics) failedWith(attrs map[string]string, kind OperationKind) {
	labs := labels(attrs, failureLabelKeys...)
	labs[labelOperation] = kind.String()
	p.failed.With(labs).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
