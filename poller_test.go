package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeriveEndpoint(t *testing.T) {
	tests := []struct {
		page string
		want string
	}{
		{"http://example.com/display/index.html", "http://example.com/display/data.json"},
		{"http://example.com/display/index.html?v=2#top", "http://example.com/display/data.json"},
		{"https://example.com/a/b/", "https://example.com/a/b/data.json"},
		{"http://localhost:8093/", "http://localhost:8093/data.json"},
	}
	for _, tc := range tests {
		got, err := DeriveEndpoint(tc.page)
		if err != nil {
			t.Fatalf("DeriveEndpoint(%q): %v", tc.page, err)
		}
		if got != tc.want {
			t.Errorf("DeriveEndpoint(%q) = %q, want %q", tc.page, got, tc.want)
		}
	}

	if _, err := DeriveEndpoint("display/index.html"); err == nil {
		t.Fatalf("relative page url should be rejected")
	}
}

func newTestPoller(t *testing.T, srv *httptest.Server, timeout time.Duration) (*Poller, *Display, *Metrics) {
	t.Helper()
	m := NewMetrics(time.Now(), "test", "", "")
	d := NewDisplay(MissingMetricsKeep, m, testLogger())
	p, err := NewPoller(PollerConfig{
		PageURL:  srv.URL + "/display/index.html",
		Interval: time.Hour,
		Timeout:  timeout,
		Log:      testLogger(),
	}, d, nil, m)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	return p, d, m
}

func TestPollOnceOutcomes(t *testing.T) {
	mux := http.NewServeMux()
	body := `{"expires":0,"metrics":{"a":"1"},"ticker":{"message":"hello","speed":2}}`
	mux.HandleFunc("/ok/data.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("/bad/data.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"metrics":`)
	})
	mux.HandleFunc("/fail/data.json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		dir  string
		want PollOutcome
	}{
		{"ok", OutcomeOK},
		{"bad", OutcomeDecodeError},
		{"fail", OutcomeHTTPStatus},
		{"missing", OutcomeHTTPStatus},
	}
	for _, tc := range tests {
		p, _, _ := newTestPoller(t, srv, time.Second)
		p.endpoint = srv.URL + "/" + tc.dir + "/" + DataFileName

		res := p.PollOnce(context.Background())
		if res.Outcome != tc.want {
			t.Errorf("%s: outcome = %s (%v), want %s", tc.dir, res.Outcome, res.Err, tc.want)
		}
	}
}

func TestPollOnceDecodeErrorWrapsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	defer srv.Close()

	p, _, _ := newTestPoller(t, srv, time.Second)
	res := p.PollOnce(context.Background())
	if !errors.Is(res.Err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", res.Err)
	}
}

func TestPollOnceNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	p, _, _ := newTestPoller(t, srv, time.Second)
	srv.Close()

	res := p.PollOnce(context.Background())
	if res.Outcome != OutcomeNetworkError || res.Err == nil {
		t.Fatalf("outcome = %s err = %v, want network error", res.Outcome, res.Err)
	}
}

func TestPollOnceTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _, _ := newTestPoller(t, srv, 50*time.Millisecond)
	start := time.Now()
	res := p.PollOnce(context.Background())
	if res.Outcome != OutcomeNetworkError {
		t.Fatalf("outcome = %s, want network error on timeout", res.Outcome)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not enforced, took %s", time.Since(start))
	}
}

func TestPollerBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"metrics":{"a":"0123456789012345678901234567890123456789"}}`)
	}))
	defer srv.Close()

	p, _, _ := newTestPoller(t, srv, time.Second)
	p.cfg.MaxBody = 16
	res := p.PollOnce(context.Background())
	if res.Outcome != OutcomeDecodeError {
		t.Fatalf("outcome = %s, want decode error for oversized body", res.Outcome)
	}
}

func TestPollerHandleUpdatesDisplay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"metrics":{"a":"1","b":2},"ticker":{"message":"hello","speed":5}}`)
	}))
	defer srv.Close()

	p, d, m := newTestPoller(t, srv, time.Second)
	p.handle(p.PollOnce(context.Background()))

	st := d.Snapshot()
	if !st.TickerVisible() || st.Ticker.Text != "hello" || st.Ticker.Duration != "5s" {
		t.Fatalf("ticker = %+v (%s)", st.Ticker, st.TickerDisplay)
	}
	if !st.MetricsVisible() || len(st.Metrics.Rows) != 2 {
		t.Fatalf("metrics = %+v (%s)", st.Metrics, st.MetricsDisplay)
	}
	if m.pollsOK.Load() != 1 {
		t.Fatalf("polls ok = %d", m.pollsOK.Load())
	}
}

func TestPollerWrongTypedExpiryStillRenders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"expires":"never","metrics":{"a":"1"},"ticker":{"message":"hello","speed":2}}`)
	}))
	defer srv.Close()

	p, d, m := newTestPoller(t, srv, time.Second)
	res := p.PollOnce(context.Background())
	if res.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s (%v), want ok", res.Outcome, res.Err)
	}
	p.handle(res)

	st := d.Snapshot()
	if !st.TickerVisible() || !st.MetricsVisible() || st.Ticker.Text != "hello" {
		t.Fatalf("display not updated: %+v", st)
	}
	if m.decodeErrors.Load() != 0 {
		t.Fatalf("decode errors = %d", m.decodeErrors.Load())
	}
}

func TestPollerFailureLeavesDisplay(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			_, _ = io.WriteString(w, `{broken`)
			return
		}
		_, _ = io.WriteString(w, `{"ticker":{"message":"steady"}}`)
	}))
	defer srv.Close()

	p, d, m := newTestPoller(t, srv, time.Second)
	p.handle(p.PollOnce(context.Background()))
	before := d.Snapshot()

	fail.Store(true)
	p.handle(p.PollOnce(context.Background()))
	after := d.Snapshot()

	if after.Seq != before.Seq || after.Ticker.Text != "steady" || !after.TickerVisible() {
		t.Fatalf("decode failure changed the display: before=%+v after=%+v", before, after)
	}
	if m.decodeErrors.Load() != 1 {
		t.Fatalf("decode errors = %d", m.decodeErrors.Load())
	}
}

func TestPollerSkipsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	p, _, m := newTestPoller(t, srv, 5*time.Second)
	ctx := context.Background()

	if !p.tryPoll(ctx) {
		t.Fatalf("first poll should start")
	}
	if p.tryPoll(ctx) {
		t.Fatalf("second poll should be skipped while the first is in flight")
	}
	close(release)
	p.wg.Wait()

	if m.pollsSkipped.Load() != 1 {
		t.Fatalf("skipped = %d, want 1", m.pollsSkipped.Load())
	}
	if !p.tryPoll(ctx) {
		t.Fatalf("poll should start once the previous one finished")
	}
	p.wg.Wait()
}

func TestPollerRunPollsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ticker":{"message":"first"}}`)
	}))
	defer srv.Close()

	p, d, _ := newTestPoller(t, srv, time.Second)
	updates, cancelSub := d.Subscribe()
	defer cancelSub()
	<-updates // initial state

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	select {
	case st := <-updates:
		if st.Ticker.Text != "first" {
			t.Fatalf("ticker = %q", st.Ticker.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no poll before the first interval elapsed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
