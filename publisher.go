package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrBadUpdate means the update body is not a JSON object.
	ErrBadUpdate = errors.New("update body must be a JSON object")
	// ErrNoUpdate means the body carried none of metrics, ticker or expires.
	ErrNoUpdate = errors.New("update contains no metrics, ticker or expires")
)

// MetricPathSep joins nested metric keys into one label.
const MetricPathSep = ".."

// DefaultSpeed replaces a speed code that does not start with 1-5.
const DefaultSpeed = 1

// MergeUpdate applies one update body to the stored document:
//   - an already expired document is reset before anything else;
//   - metrics replace the stored table, nested objects flattened to a..b labels;
//   - ticker fields that are missing keep their stored values;
//   - expires is relative seconds from now, 0 meaning never.
//
// warnings lists values that were replaced by defaults.
func MergeUpdate(cur StoredDocument, body []byte, now time.Time) (next StoredDocument, warnings []string, err error) {
	iter := jsoniter.ParseBytes(jsonAPI, body)
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return cur, nil, ErrBadUpdate
	}

	next = cur
	nowSec := NowSeconds(now)
	if IsExpired(cur.Expires, nowSec) {
		next = StoredDocument{}
	}

	got := false
	iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		switch key {
		case "metrics":
			got = true
			next.Metrics = flattenMetrics(it, "", nil)
		case "ticker":
			got = true
			var w []string
			next.Ticker, w = mergeTicker(it, next.Ticker)
			warnings = append(warnings, w...)
		case "expires":
			got = true
			secs, ok := readRelativeExpiry(it)
			switch {
			case !ok:
				warnings = append(warnings, "expires is not a non-negative integer, defaulting to no expiry")
				next.Expires = 0
			case secs == 0:
				next.Expires = 0
			default:
				next.Expires = nowSec + secs
			}
		default:
			it.Skip()
		}
		return it.Error == nil
	})
	if iter.Error != nil {
		return cur, nil, fmt.Errorf("%w: %v", ErrBadUpdate, iter.Error)
	}
	if !got {
		return cur, nil, ErrNoUpdate
	}
	return next, warnings, nil
}

// flattenMetrics walks one metrics object in document order. Non-object input
// yields an empty table.
func flattenMetrics(it *jsoniter.Iterator, prefix string, out []StoredMetric) []StoredMetric {
	if out == nil {
		out = make([]StoredMetric, 0, 8)
	}
	if it.WhatIsNext() != jsoniter.ObjectValue {
		it.Skip()
		return out
	}
	it.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		label := key
		if prefix != "" {
			label = prefix + MetricPathSep + key
		}
		if it.WhatIsNext() == jsoniter.ObjectValue {
			out = flattenMetrics(it, label, out)
			return it.Error == nil
		}
		raw := it.SkipAndReturnBytes()
		out = append(out, StoredMetric{Label: label, Value: append([]byte(nil), raw...)})
		return it.Error == nil
	})
	return out
}

func mergeTicker(it *jsoniter.Iterator, cur StoredTicker) (StoredTicker, []string) {
	if it.WhatIsNext() != jsoniter.ObjectValue {
		it.Skip()
		return cur, []string{"ticker is not an object, keeping stored ticker"}
	}

	next := cur
	var warnings []string
	it.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		switch key {
		case "message":
			if it.WhatIsNext() != jsoniter.StringValue {
				it.Skip()
				warnings = append(warnings, "ticker message is not a string, keeping stored message")
				break
			}
			msg := it.ReadString()
			next.Message = &msg
		case "speed":
			sp, ok := readSpeedCode(it)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("ticker speed does not start with 1-5, defaulting to %d", DefaultSpeed))
				sp = DefaultSpeed
			}
			next.Speed = &sp
		default:
			it.Skip()
		}
		return it.Error == nil
	})
	return next, warnings
}

// readSpeedCode accepts a whole number whose leading digit is 1-5, as a JSON
// number or a digit string. Codes above 5 are stored as given; the poller
// renders them with the default duration.
func readSpeedCode(it *jsoniter.Iterator) (int, bool) {
	switch it.WhatIsNext() {
	case jsoniter.NumberValue:
		f, err := strconv.ParseFloat(string(it.ReadNumber()), 64)
		if err != nil || f < 1 || f > math.MaxInt32 {
			return 0, false
		}
		n := int(math.Trunc(f))
		return n, leadingSpeedDigit(strconv.Itoa(n))
	case jsoniter.StringValue:
		s := it.ReadString()
		if !leadingSpeedDigit(s) || len(s) > 9 {
			return 0, false
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return 0, false
			}
		}
		n, err := strconv.Atoi(s)
		return n, err == nil
	default:
		it.Skip()
		return 0, false
	}
}

func leadingSpeedDigit(s string) bool {
	return s != "" && s[0] >= '1' && s[0] <= '5'
}

// readRelativeExpiry accepts a non-negative integer number or digit string.
func readRelativeExpiry(it *jsoniter.Iterator) (int64, bool) {
	var s string
	switch it.WhatIsNext() {
	case jsoniter.NumberValue:
		f, err := strconv.ParseFloat(string(it.ReadNumber()), 64)
		if err != nil || f < 0 || f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	case jsoniter.StringValue:
		s = strings.TrimSpace(it.ReadString())
	default:
		it.Skip()
		return 0, false
	}
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Publisher serialises updates to the data store and pokes the poller so the
// page does not wait a full period for the change.
type Publisher struct {
	store   *DataStore
	poller  *Poller // optional
	metrics *Metrics
	log     *Logger

	mu sync.Mutex
}

func NewPublisher(store *DataStore, poller *Poller, m *Metrics, log *Logger) *Publisher {
	return &Publisher{store: store, poller: poller, metrics: m, log: log}
}

func (p *Publisher) Update(body []byte, now time.Time) (StoredDocument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, warnings, err := MergeUpdate(p.store.Get(), body, now)
	for _, w := range warnings {
		p.log.Warnf("update: %s", w)
	}
	if err != nil {
		p.metrics.Published(false)
		p.log.Warnf("update rejected: %v", err)
		return StoredDocument{}, err
	}

	if err := p.store.Save(next); err != nil {
		p.metrics.Published(false)
		return StoredDocument{}, fmt.Errorf("save %s: %w", p.store.Path(), err)
	}
	p.metrics.Published(true)
	p.log.Infof("data.json updated expires=%d metrics=%d ticker_message=%v",
		next.Expires, len(next.Metrics), next.Ticker.Message != nil)

	if p.poller != nil {
		p.poller.PollNow()
	}
	return next, nil
}
