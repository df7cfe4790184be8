package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exposes pool counters to a Prometheus registry. Values are read from the source on
// every scrape.
type PoolCollector struct {
	source StatsSource
	descs  map[string]*prometheus.Desc
}

// NewPoolCollector builds a collector over source.
func NewPoolCollector(source StatsSource) *PoolCollector {
	descs := make(map[string]*prometheus.Desc, len(poolGauges))
	for _, spec := range poolGauges {
		descs[spec.name] = prometheus.NewDesc(gaugePrefix+spec.name, spec.description, []string{"pool"}, nil)
	}
	return &PoolCollector{source: source, descs: descs}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, spec := range poolGauges {
		ch <- c.descs[spec.name]
	}
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	for _, stats := range c.source.Stats() {
		for _, spec := range poolGauges {
			valueType := prometheus.GaugeValue
			if spec.name == "rejected" {
				valueType = prometheus.CounterValue
			}
			ch <- prometheus.MustNewConstMetric(c.descs[spec.name], valueType, float64(spec.value(stats)), stats.Name)
		}
	}
}
