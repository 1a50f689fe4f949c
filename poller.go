package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// DataFileName is fetched from the directory that holds the page.
const DataFileName = "data.json"

type PollOutcome int

const (
	OutcomeNone PollOutcome = iota
	OutcomeOK
	OutcomeNetworkError
	OutcomeHTTPStatus
	OutcomeDecodeError
)

func (o PollOutcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeHTTPStatus:
		return "http_status"
	case OutcomeDecodeError:
		return "decode_error"
	default:
		return "none"
	}
}

// PollResult is everything one cycle produced. Payload is only meaningful
// when Outcome is OutcomeOK.
type PollResult struct {
	Seq      uint64
	Endpoint string
	At       time.Time
	Latency  time.Duration
	Status   int
	Bytes    int64
	Outcome  PollOutcome
	Payload  StatsPayload
	Err      error
}

type PollerConfig struct {
	PageURL  string
	Interval time.Duration
	Timeout  time.Duration
	MaxBody  int64
	Log      *Logger

	// Client is optional; a client with Timeout set is built otherwise.
	Client *http.Client
}

// Poller fetches data.json on a fixed period and feeds the display. At most
// one request is in flight; ticks that land while one is outstanding are
// skipped, and every request is bounded by the configured timeout.
type Poller struct {
	cfg      PollerConfig
	endpoint string
	client   *http.Client

	display *Display
	chw     *ClickHouseWriter // optional
	metrics *Metrics

	inflight atomic.Bool
	seq      atomic.Uint64
	wake     chan struct{}
	wg       sync.WaitGroup
}

// DeriveEndpoint resolves data.json against the page URL: whatever follows
// the last path separator is replaced, query and fragment are dropped.
func DeriveEndpoint(pageURL string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("page url %q must be absolute", pageURL)
	}
	return base.ResolveReference(&url.URL{Path: DataFileName}).String(), nil
}

func NewPoller(cfg PollerConfig, display *Display, chw *ClickHouseWriter, m *Metrics) (*Poller, error) {
	if display == nil {
		return nil, errors.New("poller: display required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	endpoint, err := DeriveEndpoint(cfg.PageURL)
	if err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Poller{
		cfg:      cfg,
		endpoint: endpoint,
		client:   client,
		display:  display,
		chw:      chw,
		metrics:  m,
		wake:     make(chan struct{}, 1),
	}, nil
}

func (p *Poller) Endpoint() string { return p.endpoint }

// Run polls once immediately and then every interval until ctx is done. It
// returns after the last in-flight poll has finished.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	defer p.wg.Wait()

	p.cfg.Log.Infof("polling %s every %s (timeout %s)", p.endpoint, p.cfg.Interval, p.cfg.Timeout)
	p.tryPoll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.tryPoll(ctx)
		case <-p.wake:
			p.tryPoll(ctx)
		}
	}
}

// PollNow asks Run for an out-of-band poll. Requests coalesce.
func (p *Poller) PollNow() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// tryPoll starts a poll unless one is outstanding.
func (p *Poller) tryPoll(ctx context.Context) bool {
	if !p.inflight.CompareAndSwap(false, true) {
		if p.metrics != nil {
			p.metrics.PollSkipped()
		}
		p.cfg.Log.Debugf("previous poll still in flight, skipping tick")
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inflight.Store(false)
		p.handle(p.PollOnce(ctx))
	}()
	return true
}

// PollOnce performs exactly one request and decode. It never touches the display.
func (p *Poller) PollOnce(ctx context.Context) PollResult {
	res := PollResult{
		Seq:      p.seq.Add(1),
		Endpoint: p.endpoint,
		At:       time.Now(),
	}
	p.fetch(ctx, &res)
	res.Latency = time.Since(res.At)
	return res
}

func (p *Poller) fetch(ctx context.Context, res *PollResult) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		res.Outcome, res.Err = OutcomeNetworkError, err
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		res.Outcome, res.Err = OutcomeNetworkError, err
		return
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		res.Bytes = n
		res.Outcome = OutcomeHTTPStatus
		res.Err = fmt.Errorf("unexpected status %s", resp.Status)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBody+1))
	res.Bytes = int64(len(body))
	if err != nil {
		res.Outcome, res.Err = OutcomeNetworkError, fmt.Errorf("read body: %w", err)
		return
	}
	if int64(len(body)) > p.cfg.MaxBody {
		res.Outcome = OutcomeDecodeError
		res.Err = fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedPayload, p.cfg.MaxBody)
		return
	}

	payload, err := DecodePayload(body)
	if err != nil {
		res.Outcome, res.Err = OutcomeDecodeError, err
		return
	}
	res.Outcome = OutcomeOK
	res.Payload = payload
}

func (p *Poller) handle(res PollResult) {
	if p.metrics != nil {
		p.metrics.PollFinished(res)
	}

	var (
		st      DisplayState
		changed bool
	)
	switch res.Outcome {
	case OutcomeOK:
		for _, w := range res.Payload.Warnings {
			p.cfg.Log.Warnf("poll #%d: %s", res.Seq, w)
		}
		st, changed = p.display.HandlePayload(res.Payload, res.At)
		if changed {
			p.cfg.Log.Infof("display updated seq=%d ticker=%s metrics=%s rows=%d",
				st.Seq, st.TickerDisplay, st.MetricsDisplay, len(st.Metrics.Rows))
		} else {
			p.cfg.Log.Debugf("poll #%d unchanged (%s, %s)", res.Seq, humanize.Bytes(uint64(res.Bytes)), res.Latency)
		}
	case OutcomeNetworkError:
		p.cfg.Log.Errorf("error fetching %s: %v", res.Endpoint, res.Err)
	case OutcomeHTTPStatus:
		p.cfg.Log.Debugf("poll #%d: %v", res.Seq, res.Err)
	case OutcomeDecodeError:
		p.cfg.Log.Warnf("poll #%d: %v", res.Seq, res.Err)
	}

	if p.chw != nil {
		if !p.chw.TryEnqueue(NewPollRecord(res, st, changed)) && p.metrics != nil {
			p.metrics.CHDropped(1)
		}
	}
}
