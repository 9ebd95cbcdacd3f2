package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kon-rad/neoapi-go/internal/dispatch"
	"github.com/kon-rad/neoapi-go/internal/flush"
)

const namespace = "neoapi"

type StatsProvider interface {
	Stats() dispatch.Stats
}

// Collector exports dispatcher activity to prometheus. It observes flush
// outcomes directly and samples the queue and threshold gauges on an
// interval.
type Collector struct {
	interval time.Duration
	provider StatsProvider

	flushes        *prometheus.CounterVec
	recordsSent    prometheus.Counter
	recordsDropped prometheus.Counter
	flushDuration  *prometheus.HistogramVec
	batchRecords   prometheus.Histogram
	queueDepth     prometheus.Gauge
	batchSize      prometheus.Gauge
	flushInterval  prometheus.Gauge
	tracked        prometheus.Gauge
}

func NewCollector(interval time.Duration, provider StatsProvider) *Collector {
	return &Collector{
		interval: interval,
		provider: provider,
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "flushes_total",
			Help:      "Non-empty flushes by trigger and result",
		}, []string{"reason", "status"}),
		recordsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "records_sent_total",
			Help:      "Records accepted by the collection endpoint",
		}),
		recordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "records_dropped_total",
			Help:      "Records lost to failed sends",
		}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "flush_duration_seconds",
			Help:      "Time spent sending one drained batch",
			Buckets:   prometheus.DefBuckets,
		}, []string{"reason"}),
		batchRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "batch_records",
			Help:      "Records per drained batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Records waiting to be flushed",
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "batch_size",
			Help:      "Current batch size threshold",
		}),
		flushInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "flush_interval_seconds",
			Help:      "Current flush interval threshold",
		}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tracked",
			Help:      "Records tracked since start",
		}),
	}
}

// SetProvider attaches the stats source sampled by Run.
func (c *Collector) SetProvider(provider StatsProvider) {
	c.provider = provider
}

func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.flushes, c.recordsSent, c.recordsDropped, c.flushDuration,
		c.batchRecords, c.queueDepth, c.batchSize, c.flushInterval, c.tracked,
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) Observe(o flush.Outcome) {
	status := "ok"
	if !o.Success() {
		status = "error"
	}
	c.flushes.WithLabelValues(string(o.Reason), status).Inc()
	c.recordsSent.Add(float64(o.Records - o.Failed))
	c.recordsDropped.Add(float64(o.Failed))
	c.flushDuration.WithLabelValues(string(o.Reason)).Observe(o.Elapsed.Seconds())
	c.batchRecords.Observe(float64(o.Records))
}

// Run samples on every interval tick until ctx is done. A non-positive
// interval takes one sample and returns.
func (c *Collector) Run(ctx context.Context) error {
	if c.interval <= 0 {
		c.Sample()
		return nil
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Sample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sample()
		}
	}
}

func (c *Collector) Sample() {
	if c.provider == nil {
		return
	}
	s := c.provider.Stats()
	c.queueDepth.Set(float64(s.QueueDepth))
	c.batchSize.Set(float64(s.Threshold.BatchSize))
	c.flushInterval.Set(s.Threshold.FlushInterval.Seconds())
	c.tracked.Set(float64(s.Tracked))
}
