package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Spatial-NVR/stockwatch/internal/config"
)

// MaxListLimit bounds the limit query parameter
const MaxListLimit = 1000

// ValidationError is a problem with one request field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds every problem found in a request
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors reports whether any errors were collected
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// CameraLookup resolves configured cameras
type CameraLookup interface {
	GetCamera(id string) *config.CameraConfig
}

// ValidateSourceIDs checks that every ID names a distinct enabled camera
func ValidateSourceIDs(ids []string, cameras CameraLookup) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool, len(ids))

	for i, id := range ids {
		field := fmt.Sprintf("source_ids[%d]", i)
		switch {
		case strings.TrimSpace(id) == "":
			errs = append(errs, ValidationError{Field: field, Message: "source ID is required"})
			continue
		case seen[id]:
			errs = append(errs, ValidationError{Field: field, Message: "duplicate source " + id})
			continue
		}
		seen[id] = true

		cam := cameras.GetCamera(id)
		if cam == nil {
			errs = append(errs, ValidationError{Field: field, Message: "unknown camera " + id})
		} else if !cam.Enabled {
			errs = append(errs, ValidationError{Field: field, Message: "camera " + id + " is disabled"})
		}
	}
	return errs
}

// parseLimit reads the limit parameter, returning def when absent
func parseLimit(q url.Values, def int) (int, *ValidationError) {
	raw := q.Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > MaxListLimit {
		return 0, &ValidationError{Field: "limit", Message: fmt.Sprintf("must be an integer between 1 and %d", MaxListLimit)}
	}
	return n, nil
}

// parseTime reads an RFC 3339 timestamp or a Go duration meaning "ago"
func parseTime(q url.Values, field string, now time.Time) (time.Time, *ValidationError) {
	raw := q.Get(field)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, &ValidationError{Field: field, Message: "must be an RFC 3339 time or a duration such as 24h"}
}
