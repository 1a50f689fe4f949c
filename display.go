package main

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// Display owns the current DisplayState. Every poll result funnels through
// Apply; subscribers (SSE clients, MQTT) only ever see whole states.
type Display struct {
	log     *Logger
	metrics *Metrics
	policy  MissingMetricsPolicy

	mu     sync.RWMutex
	state  DisplayState
	subs   map[int]chan DisplayState
	nextID int
}

func NewDisplay(policy MissingMetricsPolicy, m *Metrics, log *Logger) *Display {
	st := InitialDisplayState()
	st.Fingerprint = Fingerprint(st)
	return &Display{
		log:     log,
		metrics: m,
		policy:  policy,
		state:   st,
		subs:    make(map[int]chan DisplayState),
	}
}

func (d *Display) Policy() MissingMetricsPolicy { return d.policy }

// HandlePayload renders one decoded payload and applies it.
func (d *Display) HandlePayload(p StatsPayload, at time.Time) (DisplayState, bool) {
	rs := BuildRenderState(p, at, d.policy)
	if rs.Expired {
		d.log.Debugf("payload expired at %d, hiding ticker and metrics", p.Expires)
	}
	return d.Apply(rs, at)
}

// Apply resolves rs against the current state. It reports whether anything
// visible changed; unchanged cycles are not broadcast.
func (d *Display) Apply(rs RenderState, at time.Time) (DisplayState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := ApplyRenderState(d.state, rs)
	next.Fingerprint = Fingerprint(next)
	if next.Fingerprint == d.state.Fingerprint {
		return d.state, false
	}

	next.Seq = d.state.Seq + 1
	next.UpdatedAt = at
	d.state = next
	if d.metrics != nil {
		d.metrics.RenderChanged()
	}

	for _, ch := range d.subs {
		offerLatest(ch, next)
	}
	return next, true
}

func (d *Display) Snapshot() DisplayState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Subscribe returns a channel that immediately holds the current state and
// afterwards the latest changed state. Slow readers skip intermediate states.
func (d *Display) Subscribe() (<-chan DisplayState, func()) {
	ch := make(chan DisplayState, 1)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	ch <- d.state
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
	return ch, cancel
}

func (d *Display) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// offerLatest replaces whatever is buffered in ch with st. Only called with
// d.mu held, so there is a single sender.
func offerLatest(ch chan DisplayState, st DisplayState) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

// Fingerprint hashes the visible parts of a state. Seq, UpdatedAt and the
// fingerprint itself are excluded, so equal content means equal hash.
func Fingerprint(st DisplayState) uint64 {
	buf := make([]byte, 0, 256)
	buf = appendField(buf, st.TickerDisplay)
	buf = appendField(buf, st.Ticker.Text)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(st.Ticker.Seconds))
	buf = appendField(buf, st.MetricsDisplay)
	buf = appendField(buf, st.Metrics.Title)
	for _, r := range st.Metrics.Rows {
		buf = appendField(buf, r.Label)
		buf = appendField(buf, r.Value)
	}
	if st.Expired {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return xxh3.Hash(buf)
}

// appendField length-prefixes s so adjacent fields cannot run together.
func appendField(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
