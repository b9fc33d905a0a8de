package database

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "travelcart"
	poolSubsystem    = "db_pool"
)

// poolStat is one exported pgxpool statistic.
type poolStat struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(*pgxpool.Stat) float64
}

func gaugeStat(name, help string, value func(*pgxpool.Stat) float64) poolStat {
	return poolStat{
		desc:      prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, poolSubsystem, name), help, []string{"service"}, nil),
		valueType: prometheus.GaugeValue,
		value:     value,
	}
}

func counterStat(name, help string, value func(*pgxpool.Stat) float64) poolStat {
	s := gaugeStat(name, help, value)
	s.valueType = prometheus.CounterValue
	return s
}

// PoolStatsCollector exports pgxpool statistics as travelcart_db_pool_*
// metrics, read from the pool on every scrape.
type PoolStatsCollector struct {
	pool    *pgxpool.Pool
	service string
	stats   []poolStat
}

// NewPoolStatsCollector creates a collector for pool labelled with service.
func NewPoolStatsCollector(pool *pgxpool.Pool, service string) *PoolStatsCollector {
	return &PoolStatsCollector{
		pool:    pool,
		service: service,
		stats: []poolStat{
			gaugeStat("acquired_connections", "Connections currently checked out by capacity and settings queries.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			gaugeStat("idle_connections", "Connections currently idle in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			gaugeStat("total_connections", "Connections currently open.",
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
			gaugeStat("max_connections", "Configured DB_MAX_CONNS.",
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
			gaugeStat("constructing_connections", "Connections being dialed.",
				func(s *pgxpool.Stat) float64 { return float64(s.ConstructingConns()) }),
			counterStat("acquires_total", "Successful connection acquires.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }),
			counterStat("acquire_wait_seconds_total", "Time spent waiting to acquire a connection.",
				func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }),
			counterStat("canceled_acquires_total", "Acquires abandoned because the request context ended.",
				func(s *pgxpool.Stat) float64 { return float64(s.CanceledAcquireCount()) }),
			counterStat("empty_acquires_total", "Acquires that found no idle connection.",
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
			counterStat("new_connections_total", "Connections opened since start.",
				func(s *pgxpool.Stat) float64 { return float64(s.NewConnsCount()) }),
			counterStat("lifetime_closes_total", "Connections closed for exceeding DB_MAX_CONN_LIFETIME_MINUTES.",
				func(s *pgxpool.Stat) float64 { return float64(s.MaxLifetimeDestroyCount()) }),
			counterStat("idle_closes_total", "Connections closed for exceeding DB_MAX_CONN_IDLE_TIME_MINUTES.",
				func(s *pgxpool.Stat) float64 { return float64(s.MaxIdleDestroyCount()) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
}

// Collect implements prometheus.Collector.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.pool.Stat()
	for _, s := range c.stats {
		ch <- prometheus.MustNewConstMetric(s.desc, s.valueType, s.value(snapshot), c.service)
	}
}

// RegisterPoolMetrics registers a pgxpool stats collector with reg.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool, service string) error {
	if err := reg.Register(NewPoolStatsCollector(pool, service)); err != nil {
		return fmt.Errorf("register pool metrics: %w", err)
	}
	return nil
}
