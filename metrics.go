package main

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

type Metrics struct {
	start time.Time

	version   string
	commit    string
	buildDate string

	pollsTotal    atomic.Int64
	pollsOK       atomic.Int64
	pollsSkipped  atomic.Int64
	networkErrors atomic.Int64
	statusErrors  atomic.Int64
	decodeErrors  atomic.Int64
	bytesFetched  atomic.Int64

	renderChanges atomic.Int64

	publishOK     atomic.Int64
	publishFailed atomic.Int64

	// ClickHouse writer metrics
	chInsertedRows        atomic.Int64
	chInsertErrors        atomic.Int64
	chDropped             atomic.Int64
	chLastInsertLatencyMs atomic.Int64

	mqttPublished atomic.Int64
	mqttFailed    atomic.Int64

	mu           sync.Mutex
	lastPollAt   time.Time
	lastOutcome  PollOutcome
	lastLatency  time.Duration
	lastOKAt     time.Time
	lastEndpoint string
}

func NewMetrics(start time.Time, version, commit, buildDate string) *Metrics {
	return &Metrics{
		start:     start,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
	}
}

func (m *Metrics) PollSkipped()   { m.pollsSkipped.Add(1) }
func (m *Metrics) RenderChanged() { m.renderChanges.Add(1) }

func (m *Metrics) PollFinished(res PollResult) {
	m.pollsTotal.Add(1)
	m.bytesFetched.Add(res.Bytes)
	switch res.Outcome {
	case OutcomeOK:
		m.pollsOK.Add(1)
	case OutcomeNetworkError:
		m.networkErrors.Add(1)
	case OutcomeHTTPStatus:
		m.statusErrors.Add(1)
	case OutcomeDecodeError:
		m.decodeErrors.Add(1)
	}

	m.mu.Lock()
	m.lastPollAt = res.At
	m.lastOutcome = res.Outcome
	m.lastLatency = res.Latency
	m.lastEndpoint = res.Endpoint
	if res.Outcome == OutcomeOK {
		m.lastOKAt = res.At
	}
	m.mu.Unlock()
}

func (m *Metrics) Published(ok bool) {
	if ok {
		m.publishOK.Add(1)
		return
	}
	m.publishFailed.Add(1)
}

func (m *Metrics) CHInserted(n int64, latency time.Duration) {
	m.chInsertedRows.Add(n)
	m.chLastInsertLatencyMs.Store(latency.Milliseconds())
}
func (m *Metrics) CHInsertError()    { m.chInsertErrors.Add(1) }
func (m *Metrics) CHDropped(n int64) { m.chDropped.Add(n) }

func (m *Metrics) MQTTPublished(ok bool) {
	if ok {
		m.mqttPublished.Add(1)
		return
	}
	m.mqttFailed.Add(1)
}

func (m *Metrics) Snapshot() map[string]any {
	uptime := time.Since(m.start)

	m.mu.Lock()
	lastPollAt, lastOKAt := m.lastPollAt, m.lastOKAt
	lastOutcome, lastLatency, lastEndpoint := m.lastOutcome, m.lastLatency, m.lastEndpoint
	m.mu.Unlock()

	return map[string]any{
		"ok": lastOutcome == OutcomeOK,

		"uptime_ms": uptime.Milliseconds(),
		"uptime":    uptime.Round(time.Second).String(),

		"build": map[string]any{
			"version":    m.version,
			"commit":     m.commit,
			"build_date": m.buildDate,
		},

		"poll": map[string]any{
			"endpoint":        lastEndpoint,
			"total":           m.pollsTotal.Load(),
			"ok":              m.pollsOK.Load(),
			"skipped":         m.pollsSkipped.Load(),
			"network_errors":  m.networkErrors.Load(),
			"status_errors":   m.statusErrors.Load(),
			"decode_errors":   m.decodeErrors.Load(),
			"bytes_fetched":   humanize.Bytes(uint64(m.bytesFetched.Load())),
			"last_outcome":    lastOutcome.String(),
			"last_latency_ms": lastLatency.Milliseconds(),
			"last_poll":       humanTime(lastPollAt),
			"last_ok":         humanTime(lastOKAt),
		},

		"render": map[string]any{
			"changes": m.renderChanges.Load(),
		},

		"publisher": map[string]any{
			"updates_ok":     m.publishOK.Load(),
			"updates_failed": m.publishFailed.Load(),
		},

		"clickhouse": map[string]any{
			"inserted_rows_total":    m.chInsertedRows.Load(),
			"insert_errors_total":    m.chInsertErrors.Load(),
			"dropped_total":          m.chDropped.Load(),
			"last_insert_latency_ms": m.chLastInsertLatencyMs.Load(),
		},

		"mqtt": map[string]any{
			"published": m.mqttPublished.Load(),
			"failed":    m.mqttFailed.Load(),
		},
	}
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
