package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/stockwatch/internal/pipeline"
	"github.com/Spatial-NVR/stockwatch/internal/snapshots"
)

// SnapshotStore is the read side of the snapshot repository
type SnapshotStore interface {
	Get(ctx context.Context, id string) (*pipeline.Snapshot, error)
	List(ctx context.Context, f snapshots.Filter) ([]*pipeline.Snapshot, error)
	Latest(ctx context.Context, sourceID string) (*pipeline.Snapshot, error)
	LatestPerSource(ctx context.Context) ([]*pipeline.Snapshot, error)
	ItemHistory(ctx context.Context, item, shelfID string, since time.Time) ([]snapshots.LevelPoint, error)
	ListAlerts(ctx context.Context, limit int) ([]pipeline.LowStockAlert, error)
}

// SnapshotHandler serves stored snapshots, item history and alerts
type SnapshotHandler struct {
	store SnapshotStore
}

// NewSnapshotHandler creates a snapshot handler
func NewSnapshotHandler(store SnapshotStore) *SnapshotHandler {
	return &SnapshotHandler{store: store}
}

// Routes returns the snapshot routes
func (h *SnapshotHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/latest", h.Latest)
	r.Get("/{id}", h.Get)

	return r
}

// List lists snapshots newest first, filtered by source_id, since, until
// and limit
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := time.Now()

	var errs ValidationErrors
	limit, verr := parseLimit(q, snapshots.DefaultListLimit)
	if verr != nil {
		errs = append(errs, *verr)
	}
	since, verr := parseTime(q, "since", now)
	if verr != nil {
		errs = append(errs, *verr)
	}
	until, verr := parseTime(q, "until", now)
	if verr != nil {
		errs = append(errs, *verr)
	}
	if errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	list, err := h.store.List(r.Context(), snapshots.Filter{
		SourceID: q.Get("source_id"),
		Since:    since,
		Until:    until,
		Limit:    limit,
	})
	if err != nil {
		InternalError(w, err.Error())
		return
	}

	List(w, list, len(list), limit)
}

// Latest returns the newest snapshot of source_id, or the newest snapshot
// of every source when source_id is absent
func (h *SnapshotHandler) Latest(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source_id")
	if sourceID == "" {
		list, err := h.store.LatestPerSource(r.Context())
		if err != nil {
			InternalError(w, err.Error())
			return
		}
		List(w, list, len(list), 0)
		return
	}

	snap, err := h.store.Latest(r.Context(), sourceID)
	if errors.Is(err, snapshots.ErrNotFound) {
		NotFound(w, "No snapshots for source "+sourceID)
		return
	}
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	OK(w, snap)
}

// Get returns one snapshot
func (h *SnapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := h.store.Get(r.Context(), id)
	if errors.Is(err, snapshots.ErrNotFound) {
		NotFound(w, "Snapshot not found")
		return
	}
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	OK(w, snap)
}

// ItemHistory returns the count series of one item, optionally on one shelf.
// Without since the last 24 hours are returned.
func (h *SnapshotHandler) ItemHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := time.Now()

	since, verr := parseTime(q, "since", now)
	if verr != nil {
		ValidationErrorResponse(w, ValidationErrors{*verr})
		return
	}
	if since.IsZero() {
		since = now.Add(-24 * time.Hour)
	}

	points, err := h.store.ItemHistory(r.Context(), chi.URLParam(r, "item"), q.Get("shelf_id"), since)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	List(w, points, len(points), 0)
}

// Alerts lists recent low stock alerts
func (h *SnapshotHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	limit, verr := parseLimit(r.URL.Query(), snapshots.DefaultListLimit)
	if verr != nil {
		ValidationErrorResponse(w, ValidationErrors{*verr})
		return
	}

	alerts, err := h.store.ListAlerts(r.Context(), limit)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	List(w, alerts, len(alerts), limit)
}
