package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineStats is the subset of *cyre.Runtime the collector reads at scrape
// time. Declared as an interface (rather than importing the root package
// directly) to keep internal/metrics free of a dependency on the package it
// instruments.
type EngineStats interface {
	FormationCount() int
	ChannelCount() int
	BreathingStress() float64
	BreathingRate() time.Duration
	SystemCalls() int64
	SystemErrors() int64
}

// Collector implements prometheus.Collector to read live engine gauges at
// scrape time, the same pattern the teacher's Collector used for database
// pool and ingest-pipeline gauges.
type Collector struct {
	stats EngineStats

	formationCount *prometheus.Desc
	channelCount   *prometheus.Desc
	systemCalls    *prometheus.Desc
	systemErrors   *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// stats may be nil (metrics will report 0) if no engine is wired yet.
func NewCollector(stats EngineStats) *Collector {
	return &Collector{
		stats: stats,
		formationCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "formation_count"),
			"Current number of active TimeKeeper formations.",
			nil, nil,
		),
		channelCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "channel_count"),
			"Current number of registered channels.",
			nil, nil,
		),
		systemCalls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "system_calls_total"),
			"Total calls processed since startup.",
			nil, nil,
		),
		systemErrors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "system_errors_total"),
			"Total handler errors since startup.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.formationCount
	ch <- c.channelCount
	ch <- c.systemCalls
	ch <- c.systemErrors
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats == nil {
		ch <- prometheus.MustNewConstMetric(c.formationCount, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.channelCount, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.systemCalls, prometheus.CounterValue, 0)
		ch <- prometheus.MustNewConstMetric(c.systemErrors, prometheus.CounterValue, 0)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.formationCount, prometheus.GaugeValue, float64(c.stats.FormationCount()))
	ch <- prometheus.MustNewConstMetric(c.channelCount, prometheus.GaugeValue, float64(c.stats.ChannelCount()))
	ch <- prometheus.MustNewConstMetric(c.systemCalls, prometheus.CounterValue, float64(c.stats.SystemCalls()))
	ch <- prometheus.MustNewConstMetric(c.systemErrors, prometheus.CounterValue, float64(c.stats.SystemErrors()))

	BreathingStress.Set(c.stats.BreathingStress())
	BreathingRateMs.Set(float64(c.stats.BreathingRate().Milliseconds()))
}
