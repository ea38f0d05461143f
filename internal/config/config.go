// Package config provides configuration management for the stock watcher
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Spatial-NVR/stockwatch/internal/detection"
	"github.com/Spatial-NVR/stockwatch/internal/shelf"
)

// Config represents the main configuration
type Config struct {
	Version  string         `yaml:"version"`
	System   SystemConfig   `yaml:"system"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Detector DetectorConfig `yaml:"detector"`
	API      APIConfig      `yaml:"api"`
	Events   EventsConfig   `yaml:"events"`
	Cameras  []CameraConfig `yaml:"cameras"`
	Shelves  []ShelfConfig  `yaml:"shelves"`

	// Internal fields
	mu       sync.RWMutex     `yaml:"-"`
	path     string           `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name     string         `yaml:"name"`
	DataPath string         `yaml:"data_path"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path      string        `yaml:"path"`      // SQLite path, defaults to <data_path>/stockwatch.db
	Retention time.Duration `yaml:"retention"` // snapshots older than this are pruned, negative keeps forever
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// PipelineConfig holds stock estimation pipeline settings
type PipelineConfig struct {
	FrameBufferSize     int           `yaml:"frame_buffer_size"`
	ResultBufferSize    int           `yaml:"result_buffer_size"`
	ConfidenceThreshold *float64      `yaml:"confidence_threshold,omitempty"` // unset means 0.5
	PollInterval        time.Duration `yaml:"poll_interval"`
	Autostart           *bool         `yaml:"autostart,omitempty"`
}

// DetectorConfig points at the detection model service
type DetectorConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
	// Embedded serves canned detections in-process instead of calling a
	// model service. Fixture is a YAML file of objects reported per frame.
	Embedded bool   `yaml:"embedded,omitempty"`
	Fixture  string `yaml:"fixture,omitempty"`
}

// APIConfig holds HTTP API settings
type APIConfig struct {
	Address        string   `yaml:"address"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// EventsConfig holds embedded NATS settings
type EventsConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	JetStream bool   `yaml:"jetstream"`
	StoreDir  string `yaml:"store_dir,omitempty"`
}

// CameraConfig holds configuration for a single camera
type CameraConfig struct {
	ID      string       `yaml:"id" json:"id"`
	Name    string       `yaml:"name" json:"name"`
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Source  SourceConfig `yaml:"source" json:"source"`
}

// SourceConfig holds camera frame source settings
type SourceConfig struct {
	Type   string `yaml:"type" json:"type"` // snapshot, directory
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Stream string `yaml:"stream,omitempty" json:"stream,omitempty"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	FPS    int    `yaml:"fps,omitempty" json:"fps,omitempty"`
	Loop   bool   `yaml:"loop,omitempty" json:"loop,omitempty"`
}

// ShelfConfig holds a shelf region and its restock thresholds
type ShelfConfig struct {
	ID       string         `yaml:"id" json:"id"`
	Name     string         `yaml:"name,omitempty" json:"name,omitempty"`
	Region   RegionConfig   `yaml:"region" json:"region"`
	MinStock map[string]int `yaml:"min_stock,omitempty" json:"min_stock,omitempty"`
}

// RegionConfig is a rectangle in normalized 0-1 coordinates
type RegionConfig struct {
	X1 float64 `yaml:"x1" json:"x1"`
	Y1 float64 `yaml:"y1" json:"y1"`
	X2 float64 `yaml:"x2" json:"x2"`
	Y2 float64 `yaml:"y2" json:"y2"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save saves the configuration to its YAML file
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Stock watcher configuration\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes until stop is closed
func (c *Config) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(c.GetPath()); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return nil
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk. An invalid file leaves the
// current configuration in place.
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Pipeline = newCfg.Pipeline
	c.Detector = newCfg.Detector
	c.API = newCfg.API
	c.Events = newCfg.Events
	c.Cameras = newCfg.Cameras
	c.Shelves = newCfg.Shelves
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// GetCamera returns a camera by ID
func (c *Config) GetCamera(id string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			cam := c.Cameras[i]
			return &cam
		}
	}
	return nil
}

// EnabledCameraIDs returns the IDs of all enabled cameras in config order
func (c *Config) EnabledCameraIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for _, cam := range c.Cameras {
		if cam.Enabled {
			ids = append(ids, cam.ID)
		}
	}
	return ids
}

// OpenSource opens the frame source of a configured, enabled camera
func (c *Config) OpenSource(id string) (detection.FrameSource, error) {
	cam := c.GetCamera(id)
	if cam == nil {
		return nil, fmt.Errorf("camera not found: %s", id)
	}
	if !cam.Enabled {
		return nil, fmt.Errorf("camera disabled: %s", id)
	}

	return detection.OpenSource(cam.ID, detection.SourceConfig{
		Type:   cam.Source.Type,
		URL:    cam.Source.URL,
		Stream: cam.Source.Stream,
		Path:   cam.Source.Path,
		FPS:    cam.Source.FPS,
		Loop:   cam.Source.Loop,
	})
}

// ShelfMap builds the shelf map, or nil when no shelves are configured
func (c *Config) ShelfMap() (*shelf.Map, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.Shelves) == 0 {
		return nil, nil
	}

	regions := make([]shelf.Region, 0, len(c.Shelves))
	for _, s := range c.Shelves {
		regions = append(regions, shelf.Region{
			ID: s.ID,
			X1: s.Region.X1,
			Y1: s.Region.Y1,
			X2: s.Region.X2,
			Y2: s.Region.Y2,
		})
	}
	return shelf.NewMap(regions)
}

// MinStock returns the restock thresholds keyed by shelf ID
func (c *Config) MinStock() map[string]map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]map[string]int)
	for _, s := range c.Shelves {
		if len(s.MinStock) == 0 {
			continue
		}
		items := make(map[string]int, len(s.MinStock))
		for item, n := range s.MinStock {
			items[item] = n
		}
		out[s.ID] = items
	}
	return out
}

// Threshold returns the confidence an object must exceed to be counted
func (c *Config) Threshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Pipeline.ConfidenceThreshold == nil {
		return 0.5
	}
	return *c.Pipeline.ConfidenceThreshold
}

// AutostartEnabled reports whether the pipeline starts with the process
func (c *Config) AutostartEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Pipeline.Autostart == nil || *c.Pipeline.Autostart
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "/data"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}
	if c.System.Database.Retention == 0 {
		c.System.Database.Retention = 7 * 24 * time.Hour
	}
	if c.Pipeline.FrameBufferSize == 0 {
		c.Pipeline.FrameBufferSize = 10
	}
	if c.Pipeline.ResultBufferSize == 0 {
		c.Pipeline.ResultBufferSize = 100
	}
	if c.Pipeline.ConfidenceThreshold == nil {
		threshold := 0.5
		c.Pipeline.ConfidenceThreshold = &threshold
	}
	if c.Pipeline.PollInterval == 0 {
		c.Pipeline.PollInterval = time.Second
	}
	if c.Detector.Address == "" {
		c.Detector.Address = "localhost:5100"
	}
	if c.Detector.Timeout == 0 {
		c.Detector.Timeout = 30 * time.Second
	}
	if c.API.Address == "" {
		c.API.Address = ":8080"
	}
	if c.Events.Host == "" {
		c.Events.Host = "127.0.0.1"
	}
	if c.Events.Port == 0 {
		c.Events.Port = 4222
	}
	for i := range c.Cameras {
		if c.Cameras[i].Source.Type == "" {
			c.Cameras[i].Source.Type = detection.SourceSnapshot
		}
		if c.Cameras[i].Source.FPS == 0 {
			c.Cameras[i].Source.FPS = 5
		}
	}
}

// ValidationErrors collects every problem found in a configuration
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	return "invalid config: " + strings.Join(v, "; ")
}

// Validate checks cameras, shelves and pipeline settings
func (c *Config) Validate() error {
	var errs ValidationErrors

	if t := c.Pipeline.ConfidenceThreshold; t != nil && (*t < 0 || *t >= 1) {
		errs = append(errs, "pipeline.confidence_threshold must be within [0,1)")
	}
	if c.Pipeline.FrameBufferSize < 0 || c.Pipeline.ResultBufferSize < 0 {
		errs = append(errs, "pipeline buffer sizes must not be negative")
	}

	cameraIDs := make(map[string]bool)
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			errs = append(errs, fmt.Sprintf("cameras[%d]: id is required", i))
			continue
		}
		if cameraIDs[cam.ID] {
			errs = append(errs, fmt.Sprintf("cameras[%d]: duplicate id %s", i, cam.ID))
		}
		cameraIDs[cam.ID] = true

		switch cam.Source.Type {
		case detection.SourceSnapshot:
			if cam.Source.URL == "" {
				errs = append(errs, fmt.Sprintf("camera %s: source.url is required", cam.ID))
			}
		case detection.SourceDirectory:
			if cam.Source.Path == "" {
				errs = append(errs, fmt.Sprintf("camera %s: source.path is required", cam.ID))
			}
		default:
			errs = append(errs, fmt.Sprintf("camera %s: unknown source type %q", cam.ID, cam.Source.Type))
		}
	}

	if _, err := c.ShelfMap(); err != nil {
		errs = append(errs, err.Error())
	}
	for _, s := range c.Shelves {
		for item, n := range s.MinStock {
			if n < 0 {
				errs = append(errs, fmt.Sprintf("shelf %s: min_stock for %s must not be negative", s.ID, item))
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
