package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

type HTTPConfig struct {
	Addr      string
	Title     string
	Log       *Logger
	Display   *Display
	Poller    *Poller
	Publisher *Publisher // optional
	Store     *DataStore // optional, set together with Publisher
	CH        *ClickHouseClient
	Run       RunContext
	M         *Metrics
}

type HTTPServer struct {
	cfg HTTPConfig
}

func NewHTTPServer(cfg HTTPConfig) *http.Server {
	return &http.Server{
		Addr:        cfg.Addr,
		Handler:     NewHandler(cfg),
		ReadTimeout: 5 * time.Second,
		// no WriteTimeout: /events streams for as long as the browser stays
	}
}

func NewHandler(cfg HTTPConfig) http.Handler {
	if cfg.Title == "" {
		cfg.Title = "statsticker"
	}
	hs := &HTTPServer{cfg: cfg}
	mux := http.NewServeMux()

	mux.HandleFunc("/", hs.handlePage)
	mux.HandleFunc("/display/", hs.handlePage)
	mux.HandleFunc("/state", hs.handleState)
	mux.HandleFunc("/events", hs.handleEvents)
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/history", hs.handleHistory)

	if cfg.Publisher != nil && cfg.Store != nil {
		mux.HandleFunc("/display/"+DataFileName, hs.handleDataFile)
		mux.HandleFunc("/api/stats", hs.handleUpdate)
	}
	return mux
}

func (hs *HTTPServer) handlePage(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/", "/display/", "/display/index.html":
	default:
		http.NotFound(w, r)
		return
	}

	var buf bytes.Buffer
	if err := RenderPage(&buf, hs.cfg.Title, hs.cfg.Display.Snapshot()); err != nil {
		hs.cfg.Log.Errorf("render page: %v", err)
		http.Error(w, "render error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (hs *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hs.cfg.Display.Snapshot())
}

// handleEvents streams DisplayState as server-sent events. The current state
// is sent first, then every change.
func (hs *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")

	updates, cancel := hs.cfg.Display.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case st := <-updates:
			b, err := jsonAPI.Marshal(st)
			if err != nil {
				hs.cfg.Log.Errorf("encode state: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", st.Seq, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (hs *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := hs.cfg.M.Snapshot()

	snap["run"] = map[string]any{
		"run_id":    hs.cfg.Run.ID,
		"run_start": hs.cfg.Run.Start.Format(time.RFC3339Nano),
	}
	st := hs.cfg.Display.Snapshot()
	snap["display"] = map[string]any{
		"seq":             st.Seq,
		"expired":         st.Expired,
		"ticker_display":  st.TickerDisplay,
		"metrics_display": st.MetricsDisplay,
		"metric_rows":     len(st.Metrics.Rows),
		"fingerprint":     strconv.FormatUint(st.Fingerprint, 16),
		"subscribers":     hs.cfg.Display.Subscribers(),
		"missing_metrics": hs.cfg.Display.Policy().String(),
	}
	if hs.cfg.Poller != nil {
		snap["endpoint"] = hs.cfg.Poller.Endpoint()
	}
	chInfo := map[string]any{"enabled": hs.cfg.CH != nil, "db": hs.cfg.CH.Database()}
	if hs.cfg.CH != nil {
		chInfo["addr"] = hs.cfg.CH.Addr()
	}
	snap["clickhouse_conn"] = chInfo

	writeJSON(w, http.StatusOK, snap)
}

func (hs *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if hs.cfg.CH == nil {
		http.Error(w, "ClickHouse not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runID = hs.cfg.Run.ID
	} else if runID == "all" {
		runID = ""
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	rows, err := hs.cfg.CH.RecentPolls(ctx, runID, limit)
	if err != nil {
		hs.cfg.Log.Warnf("clickhouse /history failed: %v", err)
		http.Error(w, "history query failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"limit":  limit,
		"rows":   rows,
	})
}

func (hs *HTTPServer) handleDataFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(hs.cfg.Store.Bytes())
}

func (hs *HTTPServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	const maxBody = 1 << 20 // 1MB
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	defer r.Body.Close()

	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "bad body"})
		return
	}

	if _, err := hs.cfg.Publisher.Update(b, time.Now()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrBadUpdate) || errors.Is(err, ErrNoUpdate) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"status": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "Completed upload of new data"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}
