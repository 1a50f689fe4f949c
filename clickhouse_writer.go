package main

import (
	"context"
	"fmt"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
)

// PollRecord is one stats_polls row.
type PollRecord struct {
	Seq        uint64
	PolledAt   time.Time
	Endpoint   string
	Outcome    PollOutcome
	HTTPStatus int
	Latency    time.Duration
	Bytes      int64
	Err        string

	Expired        bool
	Changed        bool
	TickerVisible  bool
	TickerSeconds  float64
	MetricsVisible bool
	MetricRows     int
	Fingerprint    uint64
}

// NewPollRecord flattens a poll result and the display it produced. For
// failed polls st is the zero state and only the transport fields are set.
func NewPollRecord(res PollResult, st DisplayState, changed bool) PollRecord {
	rec := PollRecord{
		Seq:        res.Seq,
		PolledAt:   res.At,
		Endpoint:   res.Endpoint,
		Outcome:    res.Outcome,
		HTTPStatus: res.Status,
		Latency:    res.Latency,
		Bytes:      res.Bytes,
		Changed:    changed,
	}
	if res.Err != nil {
		rec.Err = res.Err.Error()
	}
	if res.Outcome == OutcomeOK {
		rec.Expired = st.Expired
		rec.TickerVisible = st.TickerVisible()
		rec.TickerSeconds = st.Ticker.Seconds
		rec.MetricsVisible = st.MetricsVisible()
		rec.MetricRows = len(st.Metrics.Rows)
		rec.Fingerprint = st.Fingerprint
	}
	return rec
}

type ClickHouseWriterConfig struct {
	BatchSize  int
	FlushEvery time.Duration
	BufferSize int
}

type ClickHouseWriter struct {
	cfg  ClickHouseWriterConfig
	conn clickhouse.Conn
	run  RunContext
	log  *Logger
	m    *Metrics

	in chan PollRecord
}

func NewClickHouseWriter(cfg ClickHouseWriterConfig, conn clickhouse.Conn, run RunContext, m *Metrics, log *Logger) *ClickHouseWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10_000
	}
	return &ClickHouseWriter{
		cfg:  cfg,
		conn: conn,
		run:  run,
		log:  log,
		m:    m,
		in:   make(chan PollRecord, cfg.BufferSize),
	}
}

// TryEnqueue never blocks the poller; a full buffer drops the record.
func (w *ClickHouseWriter) TryEnqueue(rec PollRecord) bool {
	select {
	case w.in <- rec:
		return true
	default:
		return false
	}
}

func (w *ClickHouseWriter) Run(ctx context.Context) {
	t := time.NewTicker(w.cfg.FlushEvery)
	defer t.Stop()

	batch := make([]PollRecord, 0, w.cfg.BatchSize)

	// Final flush on shutdown uses a fresh context so it is not cancelled
	// before it starts.
	flush := func(ctx context.Context, buf []PollRecord) {
		if len(buf) == 0 {
			return
		}
		const maxAttempts = 3

		var lastErr error
		for attempt := 0; attempt < maxAttempts; attempt++ {
			if ctx.Err() != nil {
				break
			}

			ctxIns, cancel := context.WithTimeout(ctx, 5*time.Second)
			start := time.Now()
			err := w.insertBatch(ctxIns, buf)
			cancel()

			if err == nil {
				w.m.CHInserted(int64(len(buf)), time.Since(start))
				return
			}
			lastErr = err
			w.m.CHInsertError()

			backoff := time.Duration(100*(1<<attempt)) * time.Millisecond
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
		}

		w.m.CHDropped(int64(len(buf)))
		w.log.Errorf("clickhouse insert failed; dropped %d rows: %v", len(buf), lastErr)
	}

	take := func() []PollRecord {
		tmp := batch
		batch = make([]PollRecord, 0, w.cfg.BatchSize)
		return tmp
	}

	for {
		select {
		case <-ctx.Done():
		Drain:
			for {
				select {
				case rec := <-w.in:
					batch = append(batch, rec)
				default:
					break Drain
				}
			}
			ctxFinal, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(ctxFinal, take())
			cancel()
			return

		case rec := <-w.in:
			batch = append(batch, rec)
			if len(batch) >= w.cfg.BatchSize {
				flush(ctx, take())
			}

		case <-t.C:
			flush(ctx, take())
		}
	}
}

func (w *ClickHouseWriter) insertBatch(ctx context.Context, buf []PollRecord) error {
	if w.conn == nil {
		return fmt.Errorf("no clickhouse conn")
	}

	const insertSQL = `
INSERT INTO stats_polls
(run_id, run_start, seq, polled_at, endpoint, outcome, http_status, latency_ms, bytes, error,
 expired, changed, ticker_visible, ticker_seconds, metrics_visible, metric_rows, fingerprint)
`

	b, err := w.conn.PrepareBatch(ctx, insertSQL)
	if err != nil {
		return err
	}

	for _, rec := range buf {
		if err := b.Append(
			w.run.ID,
			w.run.Start.UTC(),
			rec.Seq,
			rec.PolledAt.UTC(),
			rec.Endpoint,
			rec.Outcome.String(),
			uint16(rec.HTTPStatus),
			uint32(rec.Latency.Milliseconds()),
			uint64(rec.Bytes),
			rec.Err,
			boolU8(rec.Expired),
			boolU8(rec.Changed),
			boolU8(rec.TickerVisible),
			rec.TickerSeconds,
			boolU8(rec.MetricsVisible),
			uint32(rec.MetricRows),
			rec.Fingerprint,
		); err != nil {
			return err
		}
	}

	return b.Send()
}

func boolU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
