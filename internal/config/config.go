package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	defaultConfigPath = "~/.config/astrosorter/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the session organizer.
type Config struct {
	Processing Processing   `json:"processing"`
	Logging    Logging      `json:"logging"`
	Paths      Paths        `json:"paths"`
	Session    Session      `json:"session"`
	Tools      Tools        `json:"tools"`
	Workflows  WorkflowDefs `json:"workflows"`
	Server     Server       `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Session holds naming and tree layout defaults for a capture night.
type Session struct {
	DefaultName string   `json:"default_name"`
	FrameKinds  []string `json:"frame_kinds"`
	Formats     []string `json:"formats"`
}

// Tools names the external executables and the RAW conversion order.
type Tools struct {
	Conversion ConversionTools `json:"conversion"`
	DCraw      string          `json:"dcraw"`
	ExifTool   string          `json:"exiftool"`
	Siril      string          `json:"siril"`
	SirilCLI   string          `json:"siril_cli"`
}

// ConversionTools defines which converter is attempted first.
type ConversionTools struct {
	Preferred   string   `json:"preferred"` // "imagick", "dcraw"
	Fallbacks   []string `json:"fallbacks"`
	JPEGQuality int      `json:"jpeg_quality"`
}

// WorkflowDefs maps a siril workflow name to its script path.
type WorkflowDefs map[string]string

// Server configures the HTTP and gRPC listeners.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Workflows is an immutable view over the configured siril workflow table.
type Workflows struct {
	scripts map[string]string
	dirs    []string
}

// NewWorkflows copies defs so later edits to the source map are not observed.
// Relative script paths are looked up under each of dirs in order.
func NewWorkflows(defs map[string]string, dirs ...string) Workflows {
	scripts := make(map[string]string, len(defs))
	for name, path := range defs {
		scripts[name] = path
	}
	return Workflows{scripts: scripts, dirs: append([]string(nil), dirs...)}
}

// Script returns the script path registered for name. A relative path is
// resolved against the first search directory that holds it, and returned
// unchanged when none does.
func (w Workflows) Script(name string) (string, bool) {
	p, ok := w.scripts[name]
	if !ok || filepath.IsAbs(p) {
		return p, ok
	}
	for _, dir := range w.dirs {
		candidate := filepath.Join(dir, p)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return p, true
}

// WorkflowTable returns the workflow table searched relative to the config
// file's directory, then the executable's.
func (c *Config) WorkflowTable() Workflows {
	var dirs []string
	if cfgPath, err := ExpandUser(Path()); err == nil {
		if abs, err := filepath.Abs(cfgPath); err == nil {
			dirs = append(dirs, filepath.Dir(abs))
		}
	}
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		dirs = append(dirs, filepath.Dir(exe))
	}
	return NewWorkflows(c.Workflows, dirs...)
}

// Names lists the registered workflows in sorted order.
func (w Workflows) Names() []string {
	names := make([]string, 0, len(w.scripts))
	for name := range w.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path reports the config file location honoring ASTROSORTER_CONFIG.
func Path() string {
	if p := os.Getenv("ASTROSORTER_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	expanded, err := ExpandUser(Path())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "astrosorter.db"),
		},
		Session: Session{
			DefaultName: "session",
			FrameKinds:  []string{"lights", "darks", "flats", "biases"},
			Formats:     []string{"NEF", "JPEG", "TIFF"},
		},
		Tools: Tools{
			Conversion: ConversionTools{
				Preferred:   "imagick",
				Fallbacks:   []string{"dcraw", "manual"},
				JPEGQuality: 95,
			},
			DCraw:    "dcraw",
			ExifTool: "exiftool",
			Siril:    "siril",
			SirilCLI: "siril-cli",
		},
		Workflows: WorkflowDefs{
			"basic":      "workflows/siril_basic.ssf",
			"advanced":   "workflows/siril_advanced.ssf",
			"photometry": "workflows/siril_photometry.ssf",
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be >= 1, got %d", c.Processing.ParallelJobs)
	}
	if c.Paths.DatabasePath == "" {
		return errors.New("paths.database_path is required")
	}
	if c.Tools.Conversion.JPEGQuality < 1 || c.Tools.Conversion.JPEGQuality > 100 {
		return fmt.Errorf("tools.conversion.jpeg_quality out of range: %d", c.Tools.Conversion.JPEGQuality)
	}
	if len(c.Session.FrameKinds) == 0 {
		return errors.New("session.frame_kinds must not be empty")
	}
	for name, script := range c.Workflows {
		if strings.TrimSpace(script) == "" {
			return fmt.Errorf("workflow %q has no script path", name)
		}
	}
	return nil
}

// ExpandUser replaces a leading ~ with the user's home directory.
func ExpandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
