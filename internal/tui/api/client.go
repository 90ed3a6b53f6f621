// Package api is the viewer's HTTP client for the cef-ingest API.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cef-viewer/internal/schema"
)

// Client handles API communication with cef-ingest.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// HealthResponse represents health check response.
type HealthResponse struct {
	Status        string `json:"status"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

// ListenerStats are the counters of one listener.
type ListenerStats struct {
	Connections uint64 `json:"connections"`
	Received    uint64 `json:"received"`
	Queued      uint64 `json:"queued"`
	Errors      uint64 `json:"errors"`
	Limited     uint64 `json:"limited"`
}

// SystemStats mirrors GET /api/system/stats.
type SystemStats struct {
	Status      string `json:"status"`
	Activity    string `json:"activity"`
	Description string `json:"description"`
	Pipeline    struct {
		Received uint64 `json:"received"`
		Parsed   uint64 `json:"parsed"`
		Rejected uint64 `json:"rejected"`
		Queued   uint64 `json:"queued"`
		Dropped  uint64 `json:"dropped"`
	} `json:"pipeline"`
	Queue struct {
		Pushed   uint64 `json:"pushed"`
		Popped   uint64 `json:"popped"`
		Dropped  uint64 `json:"dropped"`
		Depth    int    `json:"depth"`
		Capacity int    `json:"capacity"`
	} `json:"queue"`
	Listeners   map[string]ListenerStats `json:"listeners"`
	QueueUsage  float64                  `json:"queue_usage_percent"`
	LinesPerSec float64                  `json:"lines_per_second"`
	Uptime      int                      `json:"uptime_seconds"`
}

// recentResponse mirrors GET /v1/events/recent.
type recentResponse struct {
	Records []*schema.Record `json:"records"`
	Count   int              `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewClient creates a new API client. An empty apiKey sends no key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// getJSON fetches path and decodes a 200 response into v.
func (c *Client) getJSON(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetHealth fetches health status.
func (c *Client) GetHealth() (*HealthResponse, error) {
	var health HealthResponse
	if err := c.getJSON("/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetSystemStats fetches pipeline, queue and listener counters.
func (c *Client) GetSystemStats() (*SystemStats, error) {
	var stats SystemStats
	if err := c.getJSON("/api/system/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetRecent fetches up to limit records, newest first.
func (c *Client) GetRecent(limit int) ([]*schema.Record, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/v1/events/recent"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp recentResponse
	if err := c.getJSON(path, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// FormatUptime renders seconds as "1h 2m 3s".
func FormatUptime(seconds int) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
