package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"cef-viewer/internal/ingest/cef"
	"cef-viewer/internal/queue"
	"cef-viewer/internal/recent"
)

func newTestHandler(t *testing.T) (*Handler, *queue.RingBuffer, *http.ServeMux) {
	t.Helper()

	p, q := newTestPipeline(t, 1000)
	handler := NewHandler(p, q)
	mux := http.NewServeMux()
	handler.Routes(mux)
	return handler, q, mux
}

func doRequest(mux http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_HandleParse(t *testing.T) {
	_, q, mux := newTestHandler(t)

	body := "CEF:0|Acme|FW|2.1|100|Blocked|7|cs1Label=rule cs1=deny all src=10.0.0.1 act=drop\n" +
		"CEF:0|Acme|FW\n" +
		"hello world\n"

	rec := doRequest(mux, http.MethodPost, "/v1/parse?labels=true&sorted=true&annotate=true", "text/plain", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}

	var resp ParseResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(resp.Lines) != 3 {
		t.Fatalf("len(Lines) = %d, want 3", len(resp.Lines))
	}

	first := resp.Lines[0]
	if first.Status != StatusOK {
		t.Errorf("Status = %q, want ok", first.Status)
	}
	if first.Event.DeviceVendor != "Acme" || first.Event.Severity != "7" {
		t.Errorf("header = %q/%q, want Acme/7", first.Event.DeviceVendor, first.Event.Severity)
	}
	if first.Labels["rule"] != "deny all" {
		t.Errorf("Labels[rule] = %q, want %q", first.Labels["rule"], "deny all")
	}
	if got := first.Event.Extensions[0].Key; got != "act" {
		t.Errorf("first sorted key = %q, want act", got)
	}
	var srcField FieldView
	for _, f := range first.Fields {
		if f.Key == "src" {
			srcField = f
		}
	}
	if !srcField.Known || srcField.DataType == "" {
		t.Errorf("src field = %+v, want a dictionary annotation", srcField)
	}

	if resp.Lines[1].Status != StatusTruncated {
		t.Errorf("Lines[1].Status = %q, want truncated", resp.Lines[1].Status)
	}
	if resp.Lines[2].Status != StatusNotCEF {
		t.Errorf("Lines[2].Status = %q, want not_cef", resp.Lines[2].Status)
	}

	if q.Len() != 0 {
		t.Errorf("parse should not queue records, queue length = %d", q.Len())
	}
}

func TestHandler_HandleParse_JSONBody(t *testing.T) {
	_, _, mux := newTestHandler(t)

	body := `{"lines": ["CEF:0|a|b|c|d|e|f|msg=hello there"]}`
	rec := doRequest(mux, http.MethodPost, "/v1/parse", "application/json", body)

	var resp ParseResponse
	json.NewDecoder(rec.Body).Decode(&resp)

	if len(resp.Lines) != 1 {
		t.Fatalf("len(Lines) = %d, want 1", len(resp.Lines))
	}
	if v, _ := resp.Lines[0].Event.Extensions.Get("msg"); v != "hello there" {
		t.Errorf("msg = %q, want %q", v, "hello there")
	}
	if resp.Lines[0].Labels != nil {
		t.Error("labels should be omitted unless requested")
	}
}

func TestHandler_HandleParse_LinePositions(t *testing.T) {
	line := strings.TrimSpace(validCEFLine())

	tests := []struct {
		name        string
		contentType string
		body        string
		want        []int
	}{
		{"text with blanks", "text/plain", "\n" + line + "\r\n\n  \nhello\n", []int{1, 4}},
		{"json with blanks", "application/json", `{"lines": ["", "` + line + `", " "]}`, []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, mux := newTestHandler(t)

			rec := doRequest(mux, http.MethodPost, "/v1/parse", tt.contentType, tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
			}

			var resp ParseResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			got := make([]int, 0, len(resp.Lines))
			for _, l := range resp.Lines {
				got = append(got, l.Line)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("line positions = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandler_HandleEvents_ErrorPositions(t *testing.T) {
	_, _, mux := newTestHandler(t)
	line := strings.TrimSpace(validCEFLine())

	rec := doRequest(mux, http.MethodPost, "/v1/events", "text/plain", line+"\n\nnot a cef line\n")
	var resp IngestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(resp.Errors) != 1 || !strings.HasPrefix(resp.Errors[0], "line[2]:") {
		t.Errorf("Errors = %q, want one error for line[2]", resp.Errors)
	}
}

func TestHandler_HandleEvents(t *testing.T) {
	line := strings.TrimSpace(validCEFLine())

	tests := []struct {
		name         string
		contentType  string
		body         string
		wantStatus   int
		wantAccepted int
		wantRejected int
	}{
		{
			name:         "single valid line",
			contentType:  "text/plain",
			body:         line,
			wantStatus:   http.StatusOK,
			wantAccepted: 1,
		},
		{
			name:         "batch lines",
			contentType:  "text/plain",
			body:         line + "\n" + line + "\r\n" + line + "\n",
			wantStatus:   http.StatusOK,
			wantAccepted: 3,
		},
		{
			name:         "partial success",
			contentType:  "text/plain",
			body:         line + "\nnot a cef line\n",
			wantStatus:   http.StatusMultiStatus,
			wantAccepted: 1,
			wantRejected: 1,
		},
		{
			name:         "all invalid",
			contentType:  "text/plain",
			body:         "CEF:0|truncated",
			wantStatus:   http.StatusBadRequest,
			wantRejected: 1,
		},
		{
			name:         "json lines",
			contentType:  "application/json",
			body:         `{"lines": ["` + line + `"]}`,
			wantStatus:   http.StatusOK,
			wantAccepted: 1,
		},		{
			name:         "json with charset",
			contentType:  "application/json; charset=utf-8",
			body:         `{"lines": ["` + line + `", "` + line + `"]}`,
			wantStatus:   http.StatusOK,
			wantAccepted: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, q, mux := newTestHandler(t)

			rec := doRequest(mux, http.MethodPost, "/v1/events", tt.contentType, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var resp IngestResponse
			json.NewDecoder(rec.Body).Decode(&resp)

			if resp.Accepted != tt.wantAccepted {
				t.Errorf("Accepted = %d, want %d", resp.Accepted, tt.wantAccepted)
			}
			if resp.Rejected != tt.wantRejected {
				t.Errorf("Rejected = %d, want %d", resp.Rejected, tt.wantRejected)
			}
			if len(resp.Errors) != tt.wantRejected {
				t.Errorf("len(Errors) = %d, want %d", len(resp.Errors), tt.wantRejected)
			}
			if resp.RequestID == "" {
				t.Error("RequestID should be set")
			}
			if q.Len() != tt.wantAccepted {
				t.Errorf("queue length = %d, want %d", q.Len(), tt.wantAccepted)
			}
		})
	}
}

func TestHandler_HandleEvents_BadRequests(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		maxBatch    int
		maxPayload  int
		wantStatus  int
	}{
		{"empty body", "text/plain", "", 0, 0, http.StatusBadRequest},
		{"blank lines only", "text/plain", "\n\n  \n", 0, 0, http.StatusBadRequest},
		{"invalid JSON", "application/json", "{", 0, 0, http.StatusBadRequest},
		{"batch too large", "text/plain", "a\nb\nc", 2, 0, http.StatusBadRequest},
		{"payload too large", "text/plain", strings.Repeat("x", 64), 0, 16, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _, mux := newTestHandler(t)
			if tt.maxBatch > 0 {
				handler.WithMaxBatch(tt.maxBatch)
			}
			if tt.maxPayload > 0 {
				handler.WithMaxPayload(tt.maxPayload)
			}

			rec := doRequest(mux, http.MethodPost, "/v1/events", tt.contentType, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandler_HandleRecent(t *testing.T) {
	handler, _, mux := newTestHandler(t)

	rec := doRequest(mux, http.MethodGet, "/v1/events/recent", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without store = %d, want 404", rec.Code)
	}

	store := recent.NewMemoryStore(10)
	handler.WithRecent(store)

	p := handler.pipeline
	for i := 0; i < 3; i++ {
		record, err := p.Process(context.Background(), strings.TrimSpace(validCEFLine()), "tcp", "10.0.0.1")
		if err != nil {
			t.Fatalf("Process() error: %v", err)
		}
		store.Write(context.Background(), record)
	}

	rec = doRequest(mux, http.MethodGet, "/v1/events/recent?limit=2", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Records []json.RawMessage `json:"records"`
		Count   int               `json:"count"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 2 || len(resp.Records) != 2 {
		t.Errorf("Count = %d, len(Records) = %d, want 2", resp.Count, len(resp.Records))
	}

	for _, limit := range []string{"0", "-1", "abc"} {
		rec = doRequest(mux, http.MethodGet, "/v1/events/recent?limit="+limit, "", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestHandler_Dictionary(t *testing.T) {
	handler, _, mux := newTestHandler(t)

	rec := doRequest(mux, http.MethodGet, "/v1/dictionary", "", "")
	var list struct {
		Fields []cef.FieldInfo `json:"fields"`
		Count  int             `json:"count"`
	}
	json.NewDecoder(rec.Body).Decode(&list)
	if list.Count == 0 || list.Count != len(list.Fields) {
		t.Errorf("Count = %d, len(Fields) = %d", list.Count, len(list.Fields))
	}

	rec = doRequest(mux, http.MethodGet, "/v1/dictionary/dpt", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var info cef.FieldInfo
	json.NewDecoder(rec.Body).Decode(&info)
	if info.Key != "dpt" || info.FullName != "destinationPort" {
		t.Errorf("info = %+v, want dpt/destinationPort", info)
	}

	rec = doRequest(mux, http.MethodGet, "/v1/dictionary/noSuchKey", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want 404", rec.Code)
	}

	handler.WithDictionary(cef.NewDictionary(cef.FieldInfo{Key: "custom", FullName: "customField"}))
	rec = doRequest(mux, http.MethodGet, "/v1/dictionary/custom", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("custom dictionary status = %d, want 200", rec.Code)
	}
}

func TestHandler_HealthCheck(t *testing.T) {
	_, _, mux := newTestHandler(t)

	rec := doRequest(mux, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]any
	json.NewDecoder(rec.Body).Decode(&resp)

	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
	if resp["queue_capacity"] != float64(1000) {
		t.Errorf("queue_capacity = %v, want 1000", resp["queue_capacity"])
	}
}

func TestHandler_HealthCheck_Degraded(t *testing.T) {
	p, q := newTestPipeline(t, 10)
	handler := NewHandler(p, q)

	for i := 0; i < 10; i++ {
		p.Process(context.Background(), strings.TrimSpace(validCEFLine()), "tcp", "")
	}

	rec := httptest.NewRecorder()
	handler.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp map[string]any
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestHandler_Metrics(t *testing.T) {
	handler, _, mux := newTestHandler(t)
	handler.RegisterListener("tcp", func() ListenerMetrics {
		return ListenerMetrics{Received: 7, Errors: 2}
	})

	doRequest(mux, http.MethodPost, "/v1/events", "text/plain", validCEFLine())

	rec := doRequest(mux, http.MethodGet, "/metrics", "", "")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"cef_lines_received_total 1",
		"cef_records_queued_total 1",
		"cef_queue_depth 1",
		"cef_queue_capacity 1000",
		`cef_listener_received_total{listener="tcp"} 7`,
		`cef_listener_errors_total{listener="tcp"} 2`,
		"cef_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestHandler_SystemStats(t *testing.T) {
	handler, _, mux := newTestHandler(t)
	handler.RegisterListener("udp", func() ListenerMetrics { return ListenerMetrics{Received: 3} })

	rec := doRequest(mux, http.MethodGet, "/api/system/stats", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var stats SystemStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if stats.Status != "idle" || stats.Activity != "waiting" {
		t.Errorf("Status/Activity = %s/%s, want idle/waiting", stats.Status, stats.Activity)
	}
	if stats.Queue.Capacity != 1000 {
		t.Errorf("Queue.Capacity = %d, want 1000", stats.Queue.Capacity)
	}
	if stats.Listeners["udp"].Received != 3 {
		t.Errorf("Listeners[udp].Received = %d, want 3", stats.Listeners["udp"].Received)
	}
}

func TestDetermineActivity(t *testing.T) {
	tests := []struct {
		usage        float64
		rate         float64
		wantStatus   string
		wantActivity string
	}{
		{95, 0, "busy", "processing_backlog"},
		{60, 0, "active", "processing_records"},
		{0, 20, "active", "high_throughput"},
		{0, 5, "active", "ingesting"},
		{0, 0.5, "idle", "low_activity"},
		{0, 0, "idle", "waiting"},
	}

	for _, tt := range tests {
		status, activity, description := determineActivity(tt.usage, 0, tt.rate)
		if status != tt.wantStatus || activity != tt.wantActivity {
			t.Errorf("determineActivity(%v, %v) = %s/%s, want %s/%s",
				tt.usage, tt.rate, status, activity, tt.wantStatus, tt.wantActivity)
		}
		if description == "" {
			t.Error("description should not be empty")
		}
	}
}
