package tasks

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sort"
	"strings"

	"astrosorter/internal/config"
	"astrosorter/internal/logging"
)

// ToolManager reports which external programs the session workflow can use.
type ToolManager struct {
	tools config.Tools
	run   CommandRunner
	look  func(string) (string, error)
}

// NewToolManager creates a tool manager over the configured executables.
func NewToolManager(tools config.Tools) *ToolManager {
	return &ToolManager{tools: tools, run: ExecRunner, look: exec.LookPath}
}

// WithCommandRunner swaps the process runner and PATH lookup, for tests.
func (tm *ToolManager) WithCommandRunner(run CommandRunner, look func(string) (string, error)) *ToolManager {
	cp := *tm
	if run != nil {
		cp.run = run
	}
	if look != nil {
		cp.look = look
	}
	return &cp
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Name      string
	Available bool
	Version   string
	Path      string
	Error     error
}

// versionArgs lists how each tool prints something version-like. dcraw and
// DeepSkyStackerCL print usage without arguments and exit non-zero.
var versionArgs = map[string][]string{
	"dcraw":            nil,
	"exiftool":         {"-ver"},
	"siril":            {"--version"},
	"siril-cli":        {"--version"},
	"DeepSkyStackerCL": nil,
}

// Executables maps logical tool names to the configured binaries.
func (tm *ToolManager) Executables() map[string]string {
	return map[string]string{
		"dcraw":            nonEmpty(tm.tools.DCraw, "dcraw"),
		"exiftool":         nonEmpty(tm.tools.ExifTool, "exiftool"),
		"siril":            nonEmpty(tm.tools.Siril, "siril"),
		"siril-cli":        nonEmpty(tm.tools.SirilCLI, "siril-cli"),
		"DeepSkyStackerCL": "DeepSkyStackerCL",
	}
}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(ctx context.Context, name string) ToolStatus {
	exe, ok := tm.Executables()[name]
	if !ok {
		exe = name
	}
	status := ToolStatus{Name: name}
	path, err := tm.look(exe)
	if err != nil {
		status.Error = err
		return status
	}
	status.Path = path
	status.Available = true

	args, known := versionArgs[name]
	if !known {
		return status
	}
	_, out, err := tm.run(ctx, "", exe, args...)
	if len(out) > 0 {
		status.Version = extractVersion(string(out))
	} else if err != nil && !errors.Is(err, exec.ErrNotFound) {
		status.Version = "unknown"
	}
	return status
}

// Status checks every known tool, sorted by name.
func (tm *ToolManager) Status(ctx context.Context, log *slog.Logger) []ToolStatus {
	names := make([]string, 0, len(versionArgs))
	for name := range versionArgs {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]ToolStatus, 0, len(names))
	for _, name := range names {
		st := tm.CheckTool(ctx, name)
		if log != nil {
			logging.LogToolStatus(log, name, st.Available, st.Version, st.Path, st.Error)
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") {
			return line
		}
	}
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "unknown"
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
