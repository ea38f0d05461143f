package api

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Spatial-NVR/stockwatch/internal/config"
)

type fakeCatalog struct {
	cameras  map[string]config.CameraConfig
	minimums map[string]map[string]int
}

func (c *fakeCatalog) GetCamera(id string) *config.CameraConfig {
	cam, ok := c.cameras[id]
	if !ok {
		return nil
	}
	return &cam
}

func (c *fakeCatalog) EnabledCameraIDs() []string {
	var ids []string
	for id, cam := range c.cameras {
		if cam.Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *fakeCatalog) MinStock() map[string]map[string]int {
	return c.minimums
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{
		cameras: map[string]config.CameraConfig{
			"cam1": {ID: "cam1", Enabled: true},
			"cam2": {ID: "cam2", Enabled: false},
		},
		minimums: map[string]map[string]int{"A": {"apple": 2}},
	}
}

func TestValidateSourceIDs(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantMsg string
	}{
		{"valid", []string{"cam1"}, ""},
		{"unknown", []string{"cam9"}, "unknown camera cam9"},
		{"disabled", []string{"cam2"}, "disabled"},
		{"duplicate", []string{"cam1", "cam1"}, "duplicate source"},
		{"blank", []string{" "}, "source ID is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateSourceIDs(tt.ids, testCatalog())
			if tt.wantMsg == "" {
				if errs.HasErrors() {
					t.Errorf("Expected no errors, got %v", errs)
				}
				return
			}
			if !strings.Contains(errs.Error(), tt.wantMsg) {
				t.Errorf("Expected %q in %q", tt.wantMsg, errs.Error())
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", 50, false},
		{"10", 10, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"1001", 0, true},
	}

	for _, tt := range tests {
		q := url.Values{}
		if tt.raw != "" {
			q.Set("limit", tt.raw)
		}
		got, err := parseLimit(q, 50)
		if (err != nil) != tt.wantErr {
			t.Errorf("limit=%q: unexpected error %v", tt.raw, err)
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("limit=%q: expected %d, got %d", tt.raw, tt.want, got)
		}
	}
}

func TestParseTime(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseTime(url.Values{"since": {"2026-05-01T10:00:00Z"}}, "since", now)
	if err != nil || !got.Equal(now.Add(-2*time.Hour)) {
		t.Errorf("RFC 3339 parse: got %v, %v", got, err)
	}

	got, err = parseTime(url.Values{"since": {"30m"}}, "since", now)
	if err != nil || !got.Equal(now.Add(-30*time.Minute)) {
		t.Errorf("Duration parse: got %v, %v", got, err)
	}

	got, err = parseTime(url.Values{}, "since", now)
	if err != nil || !got.IsZero() {
		t.Errorf("Absent value should be zero, got %v, %v", got, err)
	}

	if _, err := parseTime(url.Values{"since": {"yesterday"}}, "since", now); err == nil || err.Field != "since" {
		t.Errorf("Expected since validation error, got %v", err)
	}
}
