package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoadProvider exposes the dialer's settings and counters.
type LoadProvider interface {
	Rate() int
	Limit() int
	Duration() time.Duration
	TotalOriginatedSessions() int
}

// PoolProvider exposes cluster-wide listener counts.
type PoolProvider interface {
	CountSessions() int
	CountCalls() int
	CountJobs() int
	CountFailed() int
	TotalAnswered() int
	HangupCauses() map[string]int
}

// StorerProvider exposes the measurement pipeline's row accounting.
type StorerProvider interface {
	RowsBuffered() int
	RowsFlushed() int
}

// Collector is a prometheus.Collector that gathers load-run metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	load   LoadProvider
	pool   PoolProvider
	storer StorerProvider

	startTime time.Time

	// Metric descriptors.
	activeCallsDesc    *prometheus.Desc
	activeSessionsDesc *prometheus.Desc
	pendingJobsDesc    *prometheus.Desc
	originatedDesc     *prometheus.Desc
	answeredDesc       *prometheus.Desc
	failedDesc         *prometheus.Desc
	hangupsDesc        *prometheus.Desc
	offeredRateDesc    *prometheus.Desc
	callLimitDesc      *prometheus.Desc
	callDurationDesc   *prometheus.Desc
	rowsBufferedDesc   *prometheus.Desc
	rowsFlushedDesc    *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(load LoadProvider, pool PoolProvider, storer StorerProvider, startTime time.Time) *Collector {
	return &Collector{
		load:      load,
		pool:      pool,
		storer:    storer,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"callstorm_active_calls",
			"Number of currently active calls across the cluster",
			nil, nil,
		),
		activeSessionsDesc: prometheus.NewDesc(
			"callstorm_active_sessions",
			"Number of currently active sessions across the cluster",
			nil, nil,
		),
		pendingJobsDesc: prometheus.NewDesc(
			"callstorm_pending_jobs",
			"Number of background jobs awaiting completion",
			nil, nil,
		),
		originatedDesc: prometheus.NewDesc(
			"callstorm_originated_sessions_total",
			"Total sessions originated by the dialer",
			nil, nil,
		),
		answeredDesc: prometheus.NewDesc(
			"callstorm_answered_sessions_total",
			"Total sessions answered across the cluster",
			nil, nil,
		),
		failedDesc: prometheus.NewDesc(
			"callstorm_failed_sessions_total",
			"Total sessions that failed or ended abnormally",
			nil, nil,
		),
		hangupsDesc: prometheus.NewDesc(
			"callstorm_hangups_total",
			"Total hangups by cause",
			[]string{"cause"}, nil,
		),
		offeredRateDesc: prometheus.NewDesc(
			"callstorm_offered_rate",
			"Configured offered calls per second",
			nil, nil,
		),
		callLimitDesc: prometheus.NewDesc(
			"callstorm_call_limit",
			"Configured max concurrent calls",
			nil, nil,
		),
		callDurationDesc: prometheus.NewDesc(
			"callstorm_call_duration_seconds",
			"Configured per-call duration (0 = no auto-hangup)",
			nil, nil,
		),
		rowsBufferedDesc: prometheus.NewDesc(
			"callstorm_cdr_rows_buffered",
			"Measurement rows held in the ring buffer awaiting flush",
			nil, nil,
		),
		rowsFlushedDesc: prometheus.NewDesc(
			"callstorm_cdr_rows_flushed_total",
			"Measurement rows flushed to the backing store",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callstorm_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.activeSessionsDesc
	ch <- c.pendingJobsDesc
	ch <- c.originatedDesc
	ch <- c.answeredDesc
	ch <- c.failedDesc
	ch <- c.hangupsDesc
	ch <- c.offeredRateDesc
	ch <- c.callLimitDesc
	ch <- c.callDurationDesc
	ch <- c.rowsBufferedDesc
	ch <- c.rowsFlushedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.pool != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.pool.CountCalls()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.pool.CountSessions()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.pendingJobsDesc, prometheus.GaugeValue,
			float64(c.pool.CountJobs()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.answeredDesc, prometheus.CounterValue,
			float64(c.pool.TotalAnswered()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.failedDesc, prometheus.CounterValue,
			float64(c.pool.CountFailed()),
		)
		for cause, count := range c.pool.HangupCauses() {
			ch <- prometheus.MustNewConstMetric(
				c.hangupsDesc, prometheus.CounterValue,
				float64(count), cause,
			)
		}
	}

	if c.load != nil {
		ch <- prometheus.MustNewConstMetric(
			c.originatedDesc, prometheus.CounterValue,
			float64(c.load.TotalOriginatedSessions()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.offeredRateDesc, prometheus.GaugeValue,
			float64(c.load.Rate()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callLimitDesc, prometheus.GaugeValue,
			float64(c.load.Limit()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callDurationDesc, prometheus.GaugeValue,
			c.load.Duration().Seconds(),
		)
	}

	if c.storer != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rowsBufferedDesc, prometheus.GaugeValue,
			float64(c.storer.RowsBuffered()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rowsFlushedDesc, prometheus.CounterValue,
			float64(c.storer.RowsFlushed()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
