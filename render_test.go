package main

import (
	"strings"
	"testing"
	"time"
)

func mustDecode(t *testing.T, body string) StatsPayload {
	t.Helper()
	p, err := DecodePayload([]byte(body))
	if err != nil {
		t.Fatalf("DecodePayload(%s): %v", body, err)
	}
	return p
}

func TestIsExpired(t *testing.T) {
	tests := []struct {
		expires, now int64
		want         bool
	}{
		{0, 1000, false},
		{999, 1000, true},
		{1000, 1000, false},
		{1001, 1000, false},
		{-5, 1000, false},
	}
	for _, tc := range tests {
		if got := IsExpired(tc.expires, tc.now); got != tc.want {
			t.Errorf("IsExpired(%d, %d) = %v, want %v", tc.expires, tc.now, got, tc.want)
		}
	}
}

func TestBuildRenderStateExpiredHidesBoth(t *testing.T) {
	now := time.Unix(2_000_000_000, 0)
	p := mustDecode(t, `{"expires":1,"metrics":{"a":"1"},"ticker":{"message":"hello","speed":2}}`)

	rs := BuildRenderState(p, now, MissingMetricsKeep)
	if !rs.Expired {
		t.Fatalf("expected expired")
	}
	if rs.TickerAction != ActionHide || rs.MetricsAction != ActionHide {
		t.Fatalf("actions = %s/%s, want hide/hide", rs.TickerAction, rs.MetricsAction)
	}
}

func TestBuildRenderStateNegativeExpiryShows(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := mustDecode(t, `{"expires":-5,"metrics":{"a":"1"},"ticker":{"message":"hello","speed":2}}`)

	rs := BuildRenderState(p, now, MissingMetricsKeep)
	if rs.Expired || rs.TickerAction != ActionShow || rs.MetricsAction != ActionShow {
		t.Fatalf("negative expires must not expire: %+v", rs)
	}
}

func TestBuildRenderStateMetricsInOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := mustDecode(t, `{"expires":0,"metrics":{"b":"1","a":2}}`)

	rs := BuildRenderState(p, now, MissingMetricsKeep)
	if rs.MetricsAction != ActionShow {
		t.Fatalf("metrics action = %s, want show", rs.MetricsAction)
	}
	want := []MetricEntry{{Label: "b", Value: "1"}, {Label: "a", Value: "2"}}
	if len(rs.Metrics.Rows) != len(want) {
		t.Fatalf("rows = %v, want %v", rs.Metrics.Rows, want)
	}
	for i := range want {
		if rs.Metrics.Rows[i] != want[i] {
			t.Errorf("row %d = %v, want %v", i, rs.Metrics.Rows[i], want[i])
		}
	}
	if rs.Metrics.Title != MetricsTitle {
		t.Errorf("title = %q", rs.Metrics.Title)
	}
	if rs.TickerAction != ActionHide {
		t.Errorf("ticker action = %s, want hide (no ticker in payload)", rs.TickerAction)
	}
}

func TestBuildRenderStateFutureExpiryShows(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := mustDecode(t, `{"expires":1700000100,"ticker":{"message":"hi","speed":1}}`)

	rs := BuildRenderState(p, now, MissingMetricsKeep)
	if rs.Expired || rs.TickerAction != ActionShow {
		t.Fatalf("rs = %+v, want ticker shown", rs)
	}
	if rs.Ticker.Length != MinTickerLength || rs.Ticker.Duration != "10s" {
		t.Errorf("ticker = %+v, want clamped length 10 and 10s", rs.Ticker)
	}
}

func TestTickerSecondsTable(t *testing.T) {
	tests := []struct {
		speed int
		want  float64
	}{
		{1, 20},
		{2, 16},
		{3, 13},
		{4, 11},
		{5, 10},
		{0, 20.0 / 1.5},
		{7, 20.0 / 1.5},
	}
	for _, tc := range tests {
		if got := TickerSeconds(20, tc.speed); got != tc.want {
			t.Errorf("TickerSeconds(20, %d) = %v, want %v", tc.speed, got, tc.want)
		}
	}
	if got := TickerDurationCSS(TickerSeconds(20, 0)); got != "13.333333333333334s" {
		t.Errorf("css duration = %q", got)
	}
	if got := TickerDurationCSS(TickerSeconds(20, 4)); got != "11s" {
		t.Errorf("css duration = %q", got)
	}
}

func TestTickerSecondsRoundsHalfUp(t *testing.T) {
	// 15/2 = 7.5 -> 8
	if got := TickerSeconds(15, 5); got != 8 {
		t.Fatalf("TickerSeconds(15, 5) = %v, want 8", got)
	}
	// speed 1 is never rounded, but lengths are integers anyway
	if got := TickerSeconds(15, 1); got != 15 {
		t.Fatalf("TickerSeconds(15, 1) = %v, want 15", got)
	}
}

func TestTickerLength(t *testing.T) {
	tests := []struct {
		msg  string
		want int
	}{
		{"", 10},
		{"abc", 10},
		{strings.Repeat("x", 20), 20},
		{strings.Repeat("é", 12), 12},
		{strings.Repeat("😀", 6), 12},
	}
	for _, tc := range tests {
		if got := TickerLength(tc.msg); got != tc.want {
			t.Errorf("TickerLength(%q) = %d, want %d", tc.msg, got, tc.want)
		}
	}
}

func TestApplyRenderStateKeepPolicy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	st := InitialDisplayState()

	st = ApplyRenderState(st, BuildRenderState(mustDecode(t, `{"metrics":{"a":"1"},"ticker":{"message":"m"}}`), now, MissingMetricsKeep))
	if !st.MetricsVisible() || !st.TickerVisible() {
		t.Fatalf("both containers should be visible: %+v", st)
	}

	st = ApplyRenderState(st, BuildRenderState(mustDecode(t, `{"expires":0}`), now, MissingMetricsKeep))
	if !st.MetricsVisible() || len(st.Metrics.Rows) != 1 {
		t.Fatalf("metrics should be kept: %+v", st)
	}
	if st.TickerVisible() {
		t.Fatalf("ticker should be hidden")
	}
	if st.Ticker.Text != "m" {
		t.Fatalf("hiding must not clear ticker content, got %q", st.Ticker.Text)
	}
}

func TestApplyRenderStateHidePolicy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	st := InitialDisplayState()

	st = ApplyRenderState(st, BuildRenderState(mustDecode(t, `{"metrics":{"a":"1"}}`), now, MissingMetricsHide))
	st = ApplyRenderState(st, BuildRenderState(mustDecode(t, `{"metrics":null}`), now, MissingMetricsHide))
	if st.MetricsVisible() {
		t.Fatalf("metrics should be hidden under the hide policy")
	}
	if len(st.Metrics.Rows) != 1 {
		t.Fatalf("hidden table keeps its rows, got %v", st.Metrics.Rows)
	}
}

func TestApplyRenderStateEmptyMetricsShowsHeaderOnly(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	st := ApplyRenderState(InitialDisplayState(), BuildRenderState(mustDecode(t, `{"metrics":{}}`), now, MissingMetricsKeep))
	if !st.MetricsVisible() || len(st.Metrics.Rows) != 0 {
		t.Fatalf("empty metrics should show an empty table: %+v", st.Metrics)
	}
}

func TestApplyRenderStateIdempotent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rs := BuildRenderState(mustDecode(t, `{"metrics":{"a":"1"},"ticker":{"message":"m","speed":3}}`), now, MissingMetricsKeep)

	once := ApplyRenderState(InitialDisplayState(), rs)
	twice := ApplyRenderState(once, rs)
	if Fingerprint(once) != Fingerprint(twice) {
		t.Fatalf("applying the same render state twice changed the display")
	}
}

func TestInitialDisplayStateHidden(t *testing.T) {
	st := InitialDisplayState()
	if st.TickerVisible() || st.MetricsVisible() {
		t.Fatalf("initial state should hide both containers: %+v", st)
	}
}

func TestParseMissingMetricsPolicy(t *testing.T) {
	if p, err := ParseMissingMetricsPolicy("HIDE"); err != nil || p != MissingMetricsHide {
		t.Fatalf("hide: %v %v", p, err)
	}
	if p, err := ParseMissingMetricsPolicy(""); err != nil || p != MissingMetricsKeep {
		t.Fatalf("empty: %v %v", p, err)
	}
	if _, err := ParseMissingMetricsPolicy("clear"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
