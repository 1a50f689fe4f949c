package main

import (
	"fmt"
	"strings"
	"time"
)

// MissingMetricsPolicy decides what a cycle does to the metrics container when
// the payload carries no metrics.
type MissingMetricsPolicy int

const (
	// MissingMetricsKeep leaves the last rendered table and its visibility alone.
	MissingMetricsKeep MissingMetricsPolicy = iota
	// MissingMetricsHide hides the container, mirroring the ticker.
	MissingMetricsHide
)

func ParseMissingMetricsPolicy(s string) (MissingMetricsPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keep":
		return MissingMetricsKeep, nil
	case "hide":
		return MissingMetricsHide, nil
	default:
		return MissingMetricsKeep, fmt.Errorf("unknown missing-metrics policy %q (keep|hide)", s)
	}
}

func (p MissingMetricsPolicy) String() string {
	if p == MissingMetricsHide {
		return "hide"
	}
	return "keep"
}

// NowSeconds is the integer floor of t in unix seconds.
func NowSeconds(t time.Time) int64 {
	return t.Unix()
}

// IsExpired reports whether an expiry timestamp has passed. Zero and
// negative values never expire.
func IsExpired(expires, now int64) bool {
	return expires > 0 && expires < now
}

// BuildRenderState turns one payload into the instructions for this cycle.
func BuildRenderState(p StatsPayload, now time.Time, policy MissingMetricsPolicy) RenderState {
	if IsExpired(p.Expires, NowSeconds(now)) {
		return RenderState{
			Expired:       true,
			TickerAction:  ActionHide,
			MetricsAction: ActionHide,
		}
	}

	var rs RenderState

	switch {
	case p.HasMetrics:
		rs.MetricsAction = ActionShow
		rs.Metrics = BuildMetricsTable(p.Metrics)
	case policy == MissingMetricsHide:
		rs.MetricsAction = ActionHide
	default:
		rs.MetricsAction = ActionKeep
	}

	if p.Ticker != nil {
		rs.TickerAction = ActionShow
		rs.Ticker = BuildTickerView(*p.Ticker)
	} else {
		rs.TickerAction = ActionHide
	}
	return rs
}

// BuildMetricsTable copies the entries so the table never aliases the payload.
func BuildMetricsTable(entries []MetricEntry) MetricsTable {
	rows := make([]MetricEntry, len(entries))
	copy(rows, entries)
	return MetricsTable{Title: MetricsTitle, Rows: rows}
}

func BuildTickerView(t TickerPayload) TickerView {
	length := TickerLength(t.Message)
	secs := TickerSeconds(length, t.Speed)
	return TickerView{
		Text:     t.Message,
		Length:   length,
		Speed:    t.Speed,
		Seconds:  secs,
		Duration: TickerDurationCSS(secs),
	}
}

// ApplyRenderState resolves rs against the previous display. Hiding a
// container never clears its content.
func ApplyRenderState(prev DisplayState, rs RenderState) DisplayState {
	next := prev
	next.Expired = rs.Expired

	switch rs.TickerAction {
	case ActionShow:
		next.Ticker = rs.Ticker
		next.TickerDisplay = DisplayInlineBlock
	case ActionHide:
		next.TickerDisplay = DisplayNone
	}

	switch rs.MetricsAction {
	case ActionShow:
		next.Metrics = rs.Metrics
		next.MetricsDisplay = DisplayInlineBlock
	case ActionHide:
		next.MetricsDisplay = DisplayNone
	}
	return next
}

// InitialDisplayState is what the page shows before the first successful poll.
func InitialDisplayState() DisplayState {
	return DisplayState{
		TickerDisplay:  DisplayNone,
		MetricsDisplay: DisplayNone,
		Metrics:        MetricsTable{Title: MetricsTitle},
	}
}
