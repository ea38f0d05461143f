package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Spatial-NVR/stockwatch/internal/logging"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// HealthChecker reports the health of a dependency
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker
type HealthFunc func(ctx context.Context) error

// Health calls f
func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }

// Deps are the services the router exposes
type Deps struct {
	Pipeline       *PipelineHandler
	Snapshots      *SnapshotHandler
	Hub            *Hub
	Logs           *logging.RingBuffer
	Checks         map[string]HealthChecker
	AllowedOrigins []string
}

// NewRouter builds the HTTP router
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(d.Checks))

	if d.Hub != nil {
		r.Get("/ws", d.Hub.HandleWebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		if d.Pipeline != nil {
			r.Mount("/pipeline", d.Pipeline.Routes())
			r.Get("/shelves", d.Pipeline.Shelves)
		}
		if d.Snapshots != nil {
			r.Mount("/snapshots", d.Snapshots.Routes())
			r.Get("/items/{item}/history", d.Snapshots.ItemHistory)
			r.Get("/alerts", d.Snapshots.Alerts)
		}
		if d.Logs != nil {
			r.Get("/logs", logsHandler(d.Logs))
		}
	})

	return r
}

func healthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check.Health(r.Context()); err != nil {
				status = "degraded"
				components[name] = err.Error()
				slog.Warn("Health check failed", "component", name, "error", err)
				continue
			}
			components[name] = "ok"
		}

		code := http.StatusOK
		if status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		JSON(w, code, map[string]interface{}{
			"status":     status,
			"version":    Version,
			"components": components,
		})
	}
}

// logsHandler serves recent log entries filtered by component, level and limit
func logsHandler(buf *logging.RingBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		limit := 200
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				BadRequest(w, "limit must be a positive integer")
				return
			}
			limit = n
		}

		entries := buf.Recent(logging.Query{
			Limit:     limit,
			Component: q.Get("component"),
			MinLevel:  logging.ParseLevel(q.Get("level")),
		})
		List(w, entries, len(entries), limit)
	}
}
