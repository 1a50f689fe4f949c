package main

import (
	"testing"
	"time"
)

func TestFingerprintIgnoresBookkeeping(t *testing.T) {
	a := InitialDisplayState()
	b := a
	b.Seq = 42
	b.UpdatedAt = time.Now()
	b.Fingerprint = 7
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("seq/updated_at/fingerprint must not affect the hash")
	}

	c := a
	c.Metrics.Rows = []MetricEntry{{Label: "ab", Value: "c"}}
	d := a
	d.Metrics.Rows = []MetricEntry{{Label: "a", Value: "bc"}}
	if Fingerprint(c) == Fingerprint(d) {
		t.Fatalf("adjacent fields must not run together")
	}
}

func TestDisplayApplyOnlyBroadcastsChanges(t *testing.T) {
	m := NewMetrics(time.Now(), "test", "", "")
	d := NewDisplay(MissingMetricsKeep, m, testLogger())
	now := time.Unix(1_700_000_000, 0)
	p := mustDecode(t, `{"metrics":{"a":"1"},"ticker":{"message":"hello"}}`)

	st, changed := d.HandlePayload(p, now)
	if !changed || st.Seq != 1 {
		t.Fatalf("first apply: changed=%v seq=%d", changed, st.Seq)
	}
	if !st.UpdatedAt.Equal(now) {
		t.Fatalf("updated_at = %v", st.UpdatedAt)
	}

	st, changed = d.HandlePayload(p, now.Add(time.Second))
	if changed || st.Seq != 1 {
		t.Fatalf("identical payload: changed=%v seq=%d", changed, st.Seq)
	}
	if m.renderChanges.Load() != 1 {
		t.Fatalf("render changes = %d, want 1", m.renderChanges.Load())
	}
}

func TestDisplaySubscribe(t *testing.T) {
	d := NewDisplay(MissingMetricsKeep, nil, testLogger())
	updates, cancel := d.Subscribe()
	defer cancel()

	first := <-updates
	if first.Seq != 0 || first.TickerVisible() {
		t.Fatalf("first state = %+v", first)
	}

	d.HandlePayload(mustDecode(t, `{"ticker":{"message":"one"}}`), time.Unix(1_700_000_000, 0))
	d.HandlePayload(mustDecode(t, `{"ticker":{"message":"two"}}`), time.Unix(1_700_000_001, 0))

	select {
	case st := <-updates:
		if st.Seq != 2 || st.Ticker.Text != "two" {
			t.Fatalf("slow subscriber should see the latest state, got seq=%d text=%q", st.Seq, st.Ticker.Text)
		}
	case <-time.After(time.Second):
		t.Fatalf("no update delivered")
	}

	if d.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", d.Subscribers())
	}
	cancel()
	cancel()
	if d.Subscribers() != 0 {
		t.Fatalf("subscribers after cancel = %d", d.Subscribers())
	}
}
