package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// EmbeddedServer runs a Detector in-process behind the same HTTP protocol
// the remote model service speaks, so Client can talk to it unchanged.
type EmbeddedServer struct {
	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	backend  Detector
	logger   *slog.Logger
	port     int

	// Stats
	startTime      time.Time
	processedCount int64
	errorCount     int64
	totalLatency   time.Duration
}

// EmbeddedServerConfig holds embedded server configuration
type EmbeddedServerConfig struct {
	Port    int // 0 picks a free port
	Backend Detector
	Logger  *slog.Logger
}

// NewEmbeddedServer creates a new embedded detection server. A nil backend
// reports no objects for every frame.
func NewEmbeddedServer(cfg EmbeddedServerConfig) *EmbeddedServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backend == nil {
		cfg.Backend = DetectorFunc(func(context.Context, *Frame) ([]Object, error) {
			return nil, nil
		})
	}

	return &EmbeddedServer{
		port:      cfg.Port,
		backend:   cfg.Backend,
		logger:    cfg.Logger.With("component", "embedded_detection"),
		startTime: time.Now(),
	}
}

// Handler returns the HTTP routes without starting a listener
func (s *EmbeddedServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/detect", s.handleDetect)
	r.Get("/status", s.handleStatus)
	return r
}

// Start listens on the configured port and serves in the background
func (s *EmbeddedServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.startTime = time.Now()
	server := s.server
	s.mu.Unlock()

	s.logger.Info("Embedded detection server starting", "port", s.port)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Embedded detection server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down
func (s *EmbeddedServer) Stop(ctx context.Context) error {
	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Port returns the port the server is listening on
func (s *EmbeddedServer) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Address returns host:port for ClientConfig
func (s *EmbeddedServer) Address() string {
	return fmt.Sprintf("127.0.0.1:%d", s.Port())
}

func (s *EmbeddedServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.ImageData)
	if err != nil || len(data) == 0 {
		s.respondError(w, http.StatusBadRequest, "invalid image data")
		return
	}

	frame := &Frame{SourceID: req.CameraID, CapturedAt: start, Data: data}
	objects, err := s.backend.Detect(r.Context(), frame)
	if err != nil {
		s.logger.Warn("Backend detection failed", "camera_id", req.CameraID, "error", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	detections := make([]wireDetection, 0, len(objects))
	for _, o := range objects {
		if o.Confidence < req.MinConfidence {
			continue
		}
		detections = append(detections, toWire(o))
	}

	elapsed := time.Since(start)
	s.mu.Lock()
	s.processedCount++
	s.totalLatency += elapsed
	s.mu.Unlock()

	s.respondJSON(w, http.StatusOK, detectResponse{
		Success:       true,
		CameraID:      req.CameraID,
		Timestamp:     start.UnixMilli(),
		Detections:    detections,
		ProcessTimeMs: float64(elapsed.Microseconds()) / 1000,
		ModelID:       "embedded",
	})
}

func (s *EmbeddedServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	status := ServiceStatus{
		Connected:      true,
		ProcessedCount: s.processedCount,
		ErrorCount:     s.errorCount,
	}
	if s.processedCount > 0 {
		status.AvgLatencyMs = float64((s.totalLatency / time.Duration(s.processedCount)).Microseconds()) / 1000
	}
	s.mu.RUnlock()

	s.respondJSON(w, http.StatusOK, status)
}

func (s *EmbeddedServer) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}

func (s *EmbeddedServer) respondError(w http.ResponseWriter, status int, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	s.respondJSON(w, status, detectResponse{Success: false, Error: message, Detections: []wireDetection{}})
}
