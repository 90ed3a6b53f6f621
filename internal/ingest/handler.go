package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cef-viewer/internal/ingest/cef"
	"cef-viewer/internal/queue"
	"cef-viewer/internal/recent"
	"cef-viewer/internal/schema"
)

// Handler serves the HTTP API: parsing, ingestion, the dictionary, recent
// records and health.
type Handler struct {
	pipeline   *Pipeline
	queue      *queue.RingBuffer
	dictionary *cef.Dictionary
	recent     recent.Store
	maxPayload int
	maxBatch   int
	startTime  time.Time

	mu        sync.RWMutex
	listeners map[string]func() ListenerMetrics
}

// NewHandler creates a new Handler.
func NewHandler(pipeline *Pipeline, q *queue.RingBuffer) *Handler {
	return &Handler{
		pipeline:   pipeline,
		queue:      q,
		dictionary: cef.DefaultDictionary(),
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		startTime:  time.Now(),
		listeners:  make(map[string]func() ListenerMetrics),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum number of lines per request.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// WithDictionary replaces the default extension dictionary.
func (h *Handler) WithDictionary(d *cef.Dictionary) *Handler {
	h.dictionary = d
	return h
}

// WithRecent sets the store behind GET /v1/events/recent.
func (h *Handler) WithRecent(store recent.Store) *Handler {
	h.recent = store
	return h
}

// RegisterListener adds a listener's counters to /metrics and the system stats.
func (h *Handler) RegisterListener(name string, metrics func() ListenerMetrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[name] = metrics
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/parse", h.HandleParse)
	mux.HandleFunc("POST /v1/events", h.HandleEvents)
	mux.HandleFunc("GET /v1/events/recent", h.HandleRecent)
	mux.HandleFunc("GET /v1/dictionary", h.HandleDictionary)
	mux.HandleFunc("GET /v1/dictionary/{key}", h.HandleDictionaryKey)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)
	mux.HandleFunc("GET /api/system/stats", h.SystemStats)
}

// Parse statuses reported per line.
const (
	StatusOK        = "ok"
	StatusTruncated = "truncated"
	StatusNotCEF    = "not_cef"
)

// ParsedLine is one line of a parse response. Line is the line's position in
// the input, blank lines included; blank lines produce no entry.
type ParsedLine struct {
	Line   int               `json:"line"`
	Status string            `json:"status"`
	Event  *cef.Event        `json:"event"`
	Labels map[string]string `json:"labels,omitempty"`
	Fields []FieldView       `json:"fields,omitempty"`
}

// FieldView is an extension annotated from the dictionary.
type FieldView struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	FullName string `json:"full_name,omitempty"`
	DataType string `json:"data_type,omitempty"`
	Known    bool   `json:"known"`
}

// ParseResponse is the response for POST /v1/parse.
type ParseResponse struct {
	Lines     []ParsedLine `json:"lines"`
	RequestID string       `json:"request_id"`
}

// IngestRequest is the JSON body accepted by POST /v1/events. A plain text
// body is read as newline-separated lines instead.
type IngestRequest struct {
	Lines []string `json:"lines"`
}

// IngestResponse is the response for event ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// readLines reads the request body as JSON or as text lines. Blank lines are
// kept so indexes match positions in the payload; only non-blank lines count
// toward the batch limit. It writes the
// error response itself and returns ok=false on failure.
func (h *Handler) readLines(w http.ResponseWriter, r *http.Request, requestID string) ([]string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return nil, false
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return nil, false
	}

	var lines []string
	if isJSON(r) {
		var req IngestRequest
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
			return nil, false
		}
		lines = req.Lines
	} else {
		lines = bodyLines(body)
	}

	n := nonBlank(lines)
	if n == 0 {
		respondError(w, http.StatusBadRequest, "no lines provided", requestID)
		return nil, false
	}
	if n > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return nil, false
	}
	return lines, true
}

// isJSON reports whether the request body is declared as JSON. Parameters
// such as charset are ignored.
func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// bodyLines splits a text body on LF and drops a trailing CR from each line.
// Unlike SplitLines it keeps blank lines.
func bodyLines(body []byte) []string {
	text := strings.TrimSuffix(string(body), "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

func nonBlank(lines []string) int {
	n := 0
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// HandleParse handles POST /v1/parse. Lines are parsed and returned without
// being queued. Query flags: labels, sorted, annotate.
func (h *Handler) HandleParse(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	lines, ok := h.readLines(w, r, requestID)
	if !ok {
		return
	}

	query := r.URL.Query()
	withLabels := queryBool(query.Get("labels"))
	sorted := queryBool(query.Get("sorted"))
	annotate := queryBool(query.Get("annotate"))

	parser := h.pipeline.Parser()
	resp := ParseResponse{
		Lines:     make([]ParsedLine, 0, nonBlank(lines)),
		RequestID: requestID,
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		event := parser.Parse(line)
		if sorted {
			view := *event
			view.Extensions = event.SortedExtensions()
			event = &view
		}

		parsed := ParsedLine{
			Line:   i,
			Status: ParseStatus(event),
			Event:  event,
		}
		if withLabels {
			parsed.Labels = event.ByLabel()
		}
		if annotate {
			parsed.Fields = Annotate(h.dictionary, event.Extensions)
		}
		resp.Lines = append(resp.Lines, parsed)
	}

	respondJSON(w, http.StatusOK, resp)
}

// ParseStatus names the outcome of parsing a line.
func ParseStatus(event *cef.Event) string {
	switch {
	case !event.IsCEF():
		return StatusNotCEF
	case !event.Complete():
		return StatusTruncated
	default:
		return StatusOK
	}
}

// Annotate pairs each extension with its dictionary entry, if any.
func Annotate(dict *cef.Dictionary, exts cef.Extensions) []FieldView {
	fields := make([]FieldView, 0, len(exts))
	for _, ext := range exts {
		view := FieldView{Key: ext.Key, Value: ext.Value}
		if info, ok := dict.Lookup(ext.Key); ok {
			view.FullName = info.FullName
			view.DataType = info.DataType
			view.Known = true
		}
		fields = append(fields, view)
	}
	return fields
}

// HandleEvents handles POST /v1/events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	lines, ok := h.readLines(w, r, requestID)
	if !ok {
		return
	}

	accepted, errs := h.pipeline.ProcessBatch(r.Context(), lines, schema.TransportHTTP, clientIP(r))

	resp := IngestResponse{
		Success:   len(errs) == 0,
		Accepted:  accepted,
		Rejected:  len(errs),
		RequestID: requestID,
	}
	for _, err := range errs {
		resp.Errors = append(resp.Errors, err.Error())
	}

	status := http.StatusOK
	if accepted == 0 && len(errs) > 0 {
		status = http.StatusBadRequest
	} else if len(errs) > 0 {
		status = http.StatusMultiStatus // 207 for partial success
	}

	respondJSON(w, status, resp)
}

// RecentResponse is the response for GET /v1/events/recent.
type RecentResponse struct {
	Records []*schema.Record `json:"records"`
	Count   int              `json:"count"`
}

// HandleRecent handles GET /v1/events/recent?limit=N.
func (h *Handler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	if h.recent == nil {
		respondError(w, http.StatusNotFound, "recent records are not enabled", "")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer", "")
			return
		}
		limit = min(n, 1000)
	}

	records, err := h.recent.List(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list recent records", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list recent records", "")
		return
	}
	if records == nil {
		records = []*schema.Record{}
	}

	respondJSON(w, http.StatusOK, RecentResponse{Records: records, Count: len(records)})
}

// HandleDictionary handles GET /v1/dictionary.
func (h *Handler) HandleDictionary(w http.ResponseWriter, r *http.Request) {
	fields := h.dictionary.Fields()
	respondJSON(w, http.StatusOK, map[string]any{
		"fields": fields,
		"count":  len(fields),
	})
}

// HandleDictionaryKey handles GET /v1/dictionary/{key}.
func (h *Handler) HandleDictionaryKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	info, ok := h.dictionary.Lookup(key)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown extension key %q", key), "")
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	status := "healthy"
	if metrics.Depth > int(float64(metrics.Capacity)*0.9) {
		status = "degraded"
	}

	resp := map[string]any{
		"status":         status,
		"queue_depth":    metrics.Depth,
		"queue_capacity": metrics.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	}

	respondJSON(w, http.StatusOK, resp)
}

// snapshotListeners returns the listener counters sorted by name.
func (h *Handler) snapshotListeners() ([]string, map[string]ListenerMetrics) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.listeners))
	out := make(map[string]ListenerMetrics, len(h.listeners))
	for name, fn := range h.listeners {
		names = append(names, name)
		out[name] = fn()
	}
	sort.Strings(names)
	return names, out
}

// Metrics handles GET /metrics (Prometheus format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	qm := h.queue.Metrics()
	pm := h.pipeline.Metrics()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	counter := func(name, help string, value uint64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n\n", name, value)
	}
	gauge := func(name, help string, value int) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %d\n\n", name, value)
	}

	counter("cef_lines_received_total", "Total lines received", pm.Received)
	counter("cef_lines_parsed_total", "Total lines carrying a CEF marker", pm.Parsed)
	counter("cef_lines_rejected_total", "Total lines rejected by validation", pm.Rejected)
	counter("cef_records_queued_total", "Total records queued", pm.Queued)
	counter("cef_records_dropped_total", "Total records dropped due to full queue", pm.Dropped)

	counter("cef_queue_pushed_total", "Total records pushed to queue", qm.Pushed)
	counter("cef_queue_popped_total", "Total records popped from queue", qm.Popped)
	gauge("cef_queue_depth", "Current queue depth", qm.Depth)
	gauge("cef_queue_capacity", "Queue capacity", qm.Capacity)

	names, listeners := h.snapshotListeners()
	if len(names) > 0 {
		fmt.Fprintf(w, "# HELP cef_listener_received_total Lines received per listener\n")
		fmt.Fprintf(w, "# TYPE cef_listener_received_total counter\n")
		for _, name := range names {
			fmt.Fprintf(w, "cef_listener_received_total{listener=%q} %d\n", name, listeners[name].Received)
		}
		fmt.Fprintf(w, "\n# HELP cef_listener_errors_total Errors per listener\n")
		fmt.Fprintf(w, "# TYPE cef_listener_errors_total counter\n")
		for _, name := range names {
			fmt.Fprintf(w, "cef_listener_errors_total{listener=%q} %d\n", name, listeners[name].Errors)
		}
		fmt.Fprintf(w, "\n# HELP cef_listener_limited_total Lines dropped by the per-source limit\n")
		fmt.Fprintf(w, "# TYPE cef_listener_limited_total counter\n")
		for _, name := range names {
			fmt.Fprintf(w, "cef_listener_limited_total{listener=%q} %d\n", name, listeners[name].Limited)
		}
		fmt.Fprintf(w, "\n")
	}

	fmt.Fprintf(w, "# HELP cef_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE cef_uptime_seconds gauge\n")
	fmt.Fprintf(w, "cef_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))
}

// SystemStats represents the system's current activity state.
type SystemStats struct {
	Status      string                     `json:"status"`
	Activity    string                     `json:"activity"`
	Description string                     `json:"description"`
	Pipeline    PipelineMetrics            `json:"pipeline"`
	Queue       queue.QueueMetrics         `json:"queue"`
	Listeners   map[string]ListenerMetrics `json:"listeners"`
	QueueUsage  float64                    `json:"queue_usage_percent"`
	LinesPerSec float64                    `json:"lines_per_second"`
	Uptime      int                        `json:"uptime_seconds"`
	Timestamp   time.Time                  `json:"timestamp"`
}

// SystemStats handles GET /api/system/stats.
func (h *Handler) SystemStats(w http.ResponseWriter, r *http.Request) {
	qm := h.queue.Metrics()
	pm := h.pipeline.Metrics()
	uptime := time.Since(h.startTime)
	_, listeners := h.snapshotListeners()

	var linesPerSec float64
	if uptime.Seconds() > 0 {
		linesPerSec = float64(pm.Received) / uptime.Seconds()
	}

	var queueUsage float64
	if qm.Capacity > 0 {
		queueUsage = (float64(qm.Depth) / float64(qm.Capacity)) * 100
	}

	status, activity, description := determineActivity(queueUsage, qm.Depth, linesPerSec)

	respondJSON(w, http.StatusOK, SystemStats{
		Status:      status,
		Activity:    activity,
		Description: description,
		Pipeline:    pm,
		Queue:       qm,
		Listeners:   listeners,
		QueueUsage:  queueUsage,
		LinesPerSec: linesPerSec,
		Uptime:      int(uptime.Seconds()),
		Timestamp:   time.Now().UTC(),
	})
}

// determineActivity summarises load as a status, an activity and a sentence.
func determineActivity(queueUsage float64, depth int, linesPerSec float64) (status, activity, description string) {
	switch {
	case queueUsage > 90:
		return "busy", "processing_backlog",
			fmt.Sprintf("Processing backlog - queue at %.1f%% capacity with %d records pending", queueUsage, depth)

	case queueUsage > 50:
		return "active", "processing_records",
			fmt.Sprintf("Actively processing - %.1f lines/sec, %d in queue", linesPerSec, depth)

	case linesPerSec > 10:
		return "active", "high_throughput",
			fmt.Sprintf("High throughput ingestion - %.1f lines/sec", linesPerSec)

	case linesPerSec > 1:
		return "active", "ingesting",
			fmt.Sprintf("Ingesting at %.1f lines/sec", linesPerSec)

	case linesPerSec > 0:
		return "idle", "low_activity",
			fmt.Sprintf("Low activity - %.2f lines/sec", linesPerSec)

	default:
		return "idle", "waiting", "Waiting for lines on the configured listeners"
	}
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success": false,
		"error":   message,
	}
	if requestID != "" {
		resp["request_id"] = requestID
	}
	respondJSON(w, status, resp)
}

func queryBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

// clientIP returns the host part of the request's remote address.
func clientIP(r *http.Request) string {
	return getClientIP(r, false)
}
