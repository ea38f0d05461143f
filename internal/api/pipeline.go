package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/stockwatch/internal/pipeline"
	"github.com/Spatial-NVR/stockwatch/internal/reporting"
	"github.com/Spatial-NVR/stockwatch/internal/shelf"
)

// Controller is the pipeline surface driven over HTTP
type Controller interface {
	Start(sourceIDs []string) error
	Stop()
	Status() pipeline.Status
	Shelves() *shelf.Map
}

// Catalog exposes the configured cameras and restock thresholds
type Catalog interface {
	CameraLookup
	EnabledCameraIDs() []string
	MinStock() map[string]map[string]int
}

// ReporterStats reports reporter counters
type ReporterStats interface {
	Stats() reporting.Stats
}

// PipelineHandler handles pipeline control requests
type PipelineHandler struct {
	controller Controller
	catalog    Catalog
	reporter   ReporterStats
}

// NewPipelineHandler creates a pipeline handler. reporter may be nil.
func NewPipelineHandler(controller Controller, catalog Catalog, reporter ReporterStats) *PipelineHandler {
	return &PipelineHandler{controller: controller, catalog: catalog, reporter: reporter}
}

// Routes returns the pipeline routes
func (h *PipelineHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/start", h.Start)
	r.Post("/stop", h.Stop)
	r.Get("/status", h.Status)

	return r
}

// StartRequest selects the cameras to run. An empty list starts every
// enabled camera.
type StartRequest struct {
	SourceIDs []string `json:"source_ids"`
}

// StatusResponse combines pipeline and reporter state
type StatusResponse struct {
	pipeline.Status
	Reporter *reporting.Stats `json:"reporter,omitempty"`
}

// Start starts the pipeline
func (h *PipelineHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "Invalid request body")
		return
	}

	ids := req.SourceIDs
	if len(ids) == 0 {
		ids = h.catalog.EnabledCameraIDs()
		if len(ids) == 0 {
			BadRequest(w, "No enabled cameras configured")
			return
		}
	}

	if errs := ValidateSourceIDs(ids, h.catalog); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	if err := h.controller.Start(ids); err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			Conflict(w, "Pipeline is already running")
			return
		}
		BadRequest(w, err.Error())
		return
	}

	OK(w, h.status())
}

// Stop stops the pipeline. Stopping an idle pipeline succeeds.
func (h *PipelineHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.controller.Stop()
	OK(w, h.status())
}

// Status returns the pipeline state
func (h *PipelineHandler) Status(w http.ResponseWriter, r *http.Request) {
	OK(w, h.status())
}

func (h *PipelineHandler) status() StatusResponse {
	resp := StatusResponse{Status: h.controller.Status()}
	if h.reporter != nil {
		stats := h.reporter.Stats()
		resp.Reporter = &stats
	}
	return resp
}

// ShelfResponse is a shelf region with its restock thresholds
type ShelfResponse struct {
	shelf.Region
	MinStock map[string]int `json:"min_stock,omitempty"`
}

// Shelves lists the shelf map in use
func (h *PipelineHandler) Shelves(w http.ResponseWriter, r *http.Request) {
	minimums := h.catalog.MinStock()

	regions := h.controller.Shelves().Regions()
	out := make([]ShelfResponse, 0, len(regions))
	for _, region := range regions {
		out = append(out, ShelfResponse{Region: region, MinStock: minimums[region.ID]})
	}
	OK(w, out)
}
