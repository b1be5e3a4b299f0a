package observability

import (
	"errors"
	"strings"
	"sync"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// PrometheusFactory is a MetricFactory backed by a Prometheus registerer.
// Dotted metric names become underscore names under the namespace.
type PrometheusFactory struct {
	namespace string
	reg       promclient.Registerer

	mu         sync.Mutex
	counters   map[string]promclient.Counter
	histograms map[string]promclient.Histogram
}

// NewPrometheusFactory creates a factory registering into reg, or the
// default registerer when reg is nil.
func NewPrometheusFactory(namespace string, reg promclient.Registerer) *PrometheusFactory {
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	return &PrometheusFactory{
		namespace:  namespace,
		reg:        reg,
		counters:   make(map[string]promclient.Counter),
		histograms: make(map[string]promclient.Histogram),
	}
}

// Counter implements MetricFactory.
func (f *PrometheusFactory) Counter(name string) Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.counters[name]; ok {
		return c
	}
	c := promclient.NewCounter(promclient.CounterOpts{
		Namespace: f.namespace,
		Name:      metricName(name) + "_total",
		Help:      "Count of " + name + " events.",
	})
	if err := f.reg.Register(c); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(promclient.Counter); ok {
				c = existing
			}
		}
	}
	f.counters[name] = c
	return c
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h, ok := f.histograms[name]; ok {
		return h
	}
	h := promclient.NewHistogram(promclient.HistogramOpts{
		Namespace: f.namespace,
		Name:      metricName(name),
		Help:      "Distribution of " + name + ".",
		Buckets:   promclient.ExponentialBuckets(1, 4, 8),
	})
	if err := f.reg.Register(h); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(promclient.Histogram); ok {
				h = existing
			}
		}
	}
	f.histograms[name] = h
	return h
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
