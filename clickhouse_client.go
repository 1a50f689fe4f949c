package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
)

type ClickHouseConfig struct {
	Enabled      bool
	Host         string
	Port         int
	User         string
	Pass         string
	DB           string
	Secure       bool
	AsyncInsert  bool
	BatchSize    int
	FlushEveryMS int
}

// ClickHouseClient keeps the poll history. It is optional: every caller
// treats a nil client as "history disabled".
type ClickHouseClient struct {
	cfg  ClickHouseConfig
	conn clickhouse.Conn // native conn for batch inserts
	db   *sql.DB         // database/sql for /history
	log  *Logger
}

func (c *ClickHouseClient) Addr() string { return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port) }
func (c *ClickHouseClient) Database() string {
	if c == nil {
		return ""
	}
	return c.cfg.DB
}
func (c *ClickHouseClient) NativeConn() clickhouse.Conn { return c.conn }

func (c *ClickHouseClient) Close() {
	if c == nil {
		return
	}
	if c.db != nil {
		_ = c.db.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

var safeIdentRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func validateIdent(s string) error {
	if s == "" {
		return fmt.Errorf("empty identifier")
	}
	if !safeIdentRe.MatchString(s) {
		return fmt.Errorf("unsafe identifier %q (allowed: [a-zA-Z0-9_])", s)
	}
	return nil
}

func (cfg ClickHouseConfig) withDefaults() ClickHouseConfig {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port <= 0 {
		cfg.Port = 9000
	}
	if cfg.User == "" {
		cfg.User = "default"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushEveryMS <= 0 {
		cfg.FlushEveryMS = 1000
	}
	return cfg
}

func (cfg ClickHouseConfig) options(database string) *clickhouse.Options {
	opt := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: cfg.User,
			Password: cfg.Pass,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings:        clickhouse.Settings{},
		MaxOpenConns:    4,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
	}
	if cfg.Secure {
		opt.TLS = &tls.Config{}
	}
	if cfg.AsyncInsert {
		opt.Settings["async_insert"] = 1
		opt.Settings["wait_for_async_insert"] = 0
	} else {
		opt.Settings["async_insert"] = 0
	}
	return opt
}

// NewClickHouseClient connects, creates the database and the stats_polls
// table if needed, and returns nil, nil when disabled.
func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig, log *Logger) (*ClickHouseClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := validateIdent(cfg.DB); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	connDefault, err := clickhouse.Open(cfg.options("default"))
	if err != nil {
		return nil, fmt.Errorf("clickhouse open(default) failed: %w", err)
	}
	{
		ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := connDefault.Exec(ctxPing, "SELECT 1"); err != nil {
			_ = connDefault.Close()
			return nil, fmt.Errorf("clickhouse ping(default) failed: %w", err)
		}
		ddlDB := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.DB)
		if err := connDefault.Exec(ctxPing, ddlDB); err != nil {
			_ = connDefault.Close()
			return nil, fmt.Errorf("create database failed: %w", err)
		}
	}
	_ = connDefault.Close()

	conn, err := clickhouse.Open(cfg.options(cfg.DB))
	if err != nil {
		return nil, fmt.Errorf("clickhouse open(%s) failed: %w", cfg.DB, err)
	}
	{
		ctxDDL, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := conn.Exec(ctxDDL, pollsTableDDL); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("clickhouse ddl failed: %w", err)
		}
	}

	db := clickhouse.OpenDB(cfg.options(cfg.DB))
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	{
		ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctxPing); err != nil {
			_ = db.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("clickhouse db.Ping failed: %w", err)
		}
	}

	log.Infof("clickhouse ready addr=%s:%d db=%s async_insert=%v", cfg.Host, cfg.Port, cfg.DB, cfg.AsyncInsert)

	return &ClickHouseClient{cfg: cfg, conn: conn, db: db, log: log}, nil
}

const pollsTableDDL = `
CREATE TABLE IF NOT EXISTS stats_polls
(
  run_id String,
  run_start DateTime64(3, 'UTC'),
  seq UInt64,
  polled_at DateTime64(3, 'UTC'),
  endpoint String,
  outcome LowCardinality(String),
  http_status UInt16,
  latency_ms UInt32,
  bytes UInt64,
  error String,
  expired UInt8,
  changed UInt8,
  ticker_visible UInt8,
  ticker_seconds Float64,
  metrics_visible UInt8,
  metric_rows UInt32,
  fingerprint UInt64
)
ENGINE = MergeTree
PARTITION BY toDate(polled_at)
ORDER BY (run_id, polled_at, seq)
TTL toDateTime(polled_at) + INTERVAL 30 DAY
`

// HistoryRow is one line of /history.
type HistoryRow struct {
	RunID          string    `json:"run_id"`
	Seq            uint64    `json:"seq"`
	PolledAt       time.Time `json:"polled_at"`
	Outcome        string    `json:"outcome"`
	HTTPStatus     uint16    `json:"http_status"`
	LatencyMs      uint32    `json:"latency_ms"`
	Expired        bool      `json:"expired"`
	Changed        bool      `json:"changed"`
	TickerVisible  bool      `json:"ticker_visible"`
	TickerSeconds  float64   `json:"ticker_seconds"`
	MetricsVisible bool      `json:"metrics_visible"`
	MetricRows     uint32    `json:"metric_rows"`
	Error          string    `json:"error,omitempty"`
}

// RecentPolls returns the newest poll records, optionally for one run only.
func (c *ClickHouseClient) RecentPolls(ctx context.Context, runID string, limit int) ([]HistoryRow, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("clickhouse not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	args := make([]any, 0, 1)
	q := `
SELECT run_id, seq, polled_at, outcome, http_status, latency_ms,
       expired, changed, ticker_visible, ticker_seconds, metrics_visible, metric_rows, error
FROM stats_polls
`
	if runID != "" {
		q += "WHERE run_id = ?\n"
		args = append(args, runID)
	}
	q += "ORDER BY polled_at DESC, seq DESC\nLIMIT " + strconv.Itoa(limit)

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]HistoryRow, 0, limit)
	for rows.Next() {
		var (
			r                                       HistoryRow
			expired, changed, tickerVis, metricsVis uint8
		)
		if err := rows.Scan(&r.RunID, &r.Seq, &r.PolledAt, &r.Outcome, &r.HTTPStatus, &r.LatencyMs,
			&expired, &changed, &tickerVis, &r.TickerSeconds, &metricsVis, &r.MetricRows, &r.Error); err != nil {
			return nil, err
		}
		r.Expired = expired != 0
		r.Changed = changed != 0
		r.TickerVisible = tickerVis != 0
		r.MetricsVisible = metricsVis != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
