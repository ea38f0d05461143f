package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client is an HTTP client for a remote detection model service.
// It implements Detector.
type Client struct {
	mu         sync.RWMutex
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger

	// Stats
	requestCount int64
	errorCount   int64
	totalLatency time.Duration
}

// ClientConfig holds client configuration
type ClientConfig struct {
	Address string
	Timeout time.Duration
}

// ServiceStatus is the health report of the detection service
type ServiceStatus struct {
	Connected      bool    `json:"connected"`
	ProcessedCount int64   `json:"processed_count"`
	ErrorCount     int64   `json:"error_count"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// NewClient creates a new detection service client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("detection service address is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	baseURL := cfg.Address
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  slog.Default().With("component", "detection_client"),
	}, nil
}

// detectRequest is the body of POST /detect
type detectRequest struct {
	CameraID      string  `json:"camera_id"`
	ImageData     string  `json:"image_data"` // base64
	MinConfidence float64 `json:"min_confidence"`
}

// wireBBox is a normalized top-left + size box
type wireBBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type wireDetection struct {
	Label      string   `json:"label"`
	ObjectType string   `json:"object_type,omitempty"`
	Confidence float64  `json:"confidence"`
	BBox       wireBBox `json:"bbox"`
}

// detectResponse is the wire format of POST /detect
type detectResponse struct {
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	CameraID      string          `json:"camera_id,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	Detections    []wireDetection `json:"detections"`
	ProcessTimeMs float64         `json:"process_time_ms"`
	ModelID       string          `json:"model_id"`
}

func toWire(o Object) wireDetection {
	return wireDetection{
		Label:      o.ClassName,
		Confidence: o.Confidence,
		BBox: wireBBox{
			X:      o.BoundingBox.X1,
			Y:      o.BoundingBox.Y1,
			Width:  o.BoundingBox.Width(),
			Height: o.BoundingBox.Height(),
		},
	}
}

func fromWire(d wireDetection) Object {
	name := d.Label
	if name == "" {
		name = d.ObjectType
	}
	return Object{
		ClassName:  name,
		Confidence: d.Confidence,
		BoundingBox: BoundingBox{
			X1: d.BBox.X,
			Y1: d.BBox.Y,
			X2: d.BBox.X + d.BBox.Width,
			Y2: d.BBox.Y + d.BBox.Height,
		},
	}
}

// Detect sends a frame to the detection service and returns every object it
// reports. Confidence filtering is left to the caller.
func (c *Client) Detect(ctx context.Context, frame *Frame) ([]Object, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("frame has no image data")
	}

	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	start := time.Now()

	jsonBody, err := json.Marshal(detectRequest{
		CameraID:  frame.SourceID,
		ImageData: base64.StdEncoding.EncodeToString(frame.Data),
	})
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(jsonBody))
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	c.mu.Unlock()

	if resp.StatusCode != http.StatusOK {
		c.recordError()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.recordError()
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !result.Success && result.Error != "" {
		c.recordError()
		return nil, fmt.Errorf("detection failed: %s", result.Error)
	}

	objects := make([]Object, 0, len(result.Detections))
	for _, d := range result.Detections {
		objects = append(objects, fromWire(d))
	}

	c.logger.Debug("Detection completed",
		"source", frame.SourceID,
		"objects", len(objects),
		"model", result.ModelID,
		"process_ms", result.ProcessTimeMs,
	)

	return objects, nil
}

func (c *Client) recordError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

// GetStatus returns the service status. An unreachable service is reported
// as disconnected rather than as an error.
func (c *Client) GetStatus(ctx context.Context) (*ServiceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ServiceStatus{Connected: false}, nil
	}
	defer resp.Body.Close()

	var result ServiceStatus
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &ServiceStatus{Connected: false}, nil
	}
	result.Connected = true

	return &result, nil
}

// Stats returns client statistics
func (c *Client) Stats() (requests int64, errors int64, avgLatency time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	requests = c.requestCount
	errors = c.errorCount
	if requests > 0 {
		avgLatency = c.totalLatency / time.Duration(requests)
	}
	return
}
