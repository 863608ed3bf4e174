package pgpool

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes pool statistics as prometheus metrics. Register it
// with a registry and the pool's live counters are scraped on demand:
//
//	reg.MustRegister(pgpool.NewCollector(pool))
type Collector struct {
	pool *Pool

	inUse           *prometheus.Desc
	idle            *prometheus.Desc
	maxSize         *prometheus.Desc
	totalCreated    *prometheus.Desc
	totalReturned   *prometheus.Desc
	totalFailed     *prometheus.Desc
	totalQueries    *prometheus.Desc
	slowQueries     *prometheus.Desc
	acquireTimeouts *prometheus.Desc
}

// NewCollector creates a prometheus collector over the pool.
func NewCollector(pool *Pool) *Collector {
	return &Collector{
		pool: pool,
		inUse: prometheus.NewDesc("db_pool_connections_in_use",
			"Number of sessions currently borrowed from the pool.", nil, nil),
		idle: prometheus.NewDesc("db_pool_connections_idle",
			"Number of idle sessions in the pool.", nil, nil),
		maxSize: prometheus.NewDesc("db_pool_connections_max",
			"Maximum number of open sessions allowed.", nil, nil),
		totalCreated: prometheus.NewDesc("db_pool_connections_created_total",
			"Total sessions created over the pool lifetime.", nil, nil),
		totalReturned: prometheus.NewDesc("db_pool_connections_returned_total",
			"Total healthy session returns.", nil, nil),
		totalFailed: prometheus.NewDesc("db_pool_connections_failed_total",
			"Total sessions discarded due to driver errors.", nil, nil),
		totalQueries: prometheus.NewDesc("db_pool_queries_total",
			"Total queries executed through pool sessions.", nil, nil),
		slowQueries: prometheus.NewDesc("db_pool_slow_queries_total",
			"Queries exceeding the slow query threshold.", nil, nil),
		acquireTimeouts: prometheus.NewDesc("db_pool_acquire_timeouts_total",
			"Acquire attempts that failed with pool exhaustion.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.inUse
	ch <- c.idle
	ch <- c.maxSize
	ch <- c.totalCreated
	ch <- c.totalReturned
	ch <- c.totalFailed
	ch <- c.totalQueries
	ch <- c.slowQueries
	ch <- c.acquireTimeouts
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(st.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(st.Idle))
	ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(st.MaxSize))
	ch <- prometheus.MustNewConstMetric(c.totalCreated, prometheus.CounterValue, float64(st.TotalCreated))
	ch <- prometheus.MustNewConstMetric(c.totalReturned, prometheus.CounterValue, float64(st.TotalReturned))
	ch <- prometheus.MustNewConstMetric(c.totalFailed, prometheus.CounterValue, float64(st.TotalFailed))
	ch <- prometheus.MustNewConstMetric(c.totalQueries, prometheus.CounterValue, float64(st.TotalQueries))
	ch <- prometheus.MustNewConstMetric(c.slowQueries, prometheus.CounterValue, float64(st.SlowQueries))
	ch <- prometheus.MustNewConstMetric(c.acquireTimeouts, prometheus.CounterValue, float64(st.AcquireTimeouts))
}
