package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/volitrade/sentinel/internal/infra/telemetry"
)

// ObservePoolMetrics registers observable instruments reporting pgx pool
// health: connection gauges plus cumulative acquire counters.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	instruments := []struct {
		name string
		desc string
		unit string
		read func(*pgxpool.Stat) int64
	}{
		{
			name: "sentinel_db_pool_connections_total",
			desc: "Total connections (idle + acquired + constructing)",
			unit: "{connection}",
			read: func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) },
		},
		{
			name: "sentinel_db_pool_connections_idle",
			desc: "Idle connections ready for checkout",
			unit: "{connection}",
			read: func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) },
		},
		{
			name: "sentinel_db_pool_connections_acquired",
			desc: "Connections currently held by callers",
			unit: "{connection}",
			read: func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) },
		},
		{
			name: "sentinel_db_pool_connections_constructing",
			desc: "Connections currently being constructed",
			unit: "{connection}",
			read: func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) },
		},
		{
			name: "sentinel_db_pool_acquires_total",
			desc: "Cumulative successful connection acquires",
			unit: "{acquire}",
			read: func(s *pgxpool.Stat) int64 { return s.AcquireCount() },
		},
		{
			name: "sentinel_db_pool_empty_acquires_total",
			desc: "Cumulative acquires that had to wait for a free connection",
			unit: "{acquire}",
			read: func(s *pgxpool.Stat) int64 { return s.EmptyAcquireCount() },
		},
	}

	meter := otel.Meter("postgres.pool")
	for _, inst := range instruments {
		read := inst.read
		if _, err := meter.Int64ObservableGauge(inst.name,
			metric.WithDescription(inst.desc),
			metric.WithUnit(inst.unit),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(read(pool.Stat()), attrs)
				return nil
			}),
		); err != nil {
			return
		}
	}
}
