package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"astrosorter/internal/config"
)

// SirilScriptOptions describes a calibrate/register/stack run over TIFF frames.
// Calibration dirs are optional and only used when they contain TIFFs.
type SirilScriptOptions struct {
	LightsDir  string
	DarksDir   string
	FlatsDir   string
	BiasesDir  string
	ResultName string
	Method     string
	RejParams  string
}

func (o SirilScriptOptions) withDefaults() SirilScriptOptions {
	if o.ResultName == "" {
		o.ResultName = "result_stacked"
	}
	if o.Method == "" {
		o.Method = "rej"
	}
	if o.RejParams == "" {
		o.RejParams = "3 3"
	}
	return o
}

// RenderSirilScript returns the script text for opts.
func RenderSirilScript(opts SirilScriptOptions) string {
	opts = opts.withDefaults()
	lines := []string{"requires 1.2", "cd " + opts.LightsDir, "setext .tif"}

	var parts []string
	for _, c := range []struct{ flag, dir string }{
		{"dark", opts.DarksDir},
		{"flat", opts.FlatsDir},
		{"bias", opts.BiasesDir},
	} {
		if hasTIFF(c.dir) {
			parts = append(parts, fmt.Sprintf("-%s=%s\\", c.flag, c.dir))
		}
	}
	if len(parts) > 0 {
		lines = append(lines, "preprocess light "+strings.Join(parts, " "))
	}

	lines = append(lines, "register light")
	lines = append(lines, fmt.Sprintf("stack light %s %s -norm=addscale -out=../result/%s", opts.Method, opts.RejParams, opts.ResultName))
	return strings.Join(lines, "\n")
}

// GenerateSirilScript writes the script to output and returns its path.
func GenerateSirilScript(output string, opts SirilScriptOptions) (string, error) {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", fmt.Errorf("create script directory: %w", err)
	}
	if err := os.WriteFile(output, []byte(RenderSirilScript(opts)), 0o644); err != nil {
		return "", err
	}
	return output, nil
}

func hasTIFF(dir string) bool {
	if dir == "" {
		return false
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tif"))
	return err == nil && len(matches) > 0
}

// ExitCodeNotFound is reported when an external executable is missing.
const ExitCodeNotFound = 127

// CommandRunner executes name with args and returns its exit code. A missing
// executable is reported as exec.ErrNotFound.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) (int, []byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, dir, name string, args ...string) (int, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return 0, out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out, nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return ExitCodeNotFound, out, exec.ErrNotFound
	}
	return -1, out, err
}

// SirilRunner launches siril scripts and named workflows.
type SirilRunner struct {
	Siril     string
	SirilCLI  string
	Workflows config.Workflows
	run       CommandRunner
}

// NewSirilRunner uses the configured executables and workflow table.
func NewSirilRunner(tools config.Tools, workflows config.Workflows) *SirilRunner {
	return &SirilRunner{
		Siril:     tools.Siril,
		SirilCLI:  tools.SirilCLI,
		Workflows: workflows,
		run:       ExecRunner,
	}
}

// WithCommandRunner swaps the process launcher.
func (r *SirilRunner) WithCommandRunner(run CommandRunner) *SirilRunner {
	r.run = run
	return r
}

// Run executes `<siril> -s script` and returns the exit code, 127 when siril
// is not installed.
func (r *SirilRunner) Run(ctx context.Context, script string) (int, error) {
	exe := r.Siril
	if exe == "" {
		exe = "siril"
	}
	code, _, err := r.run(ctx, "", exe, "-s", script)
	if errors.Is(err, exec.ErrNotFound) {
		return ExitCodeNotFound, nil
	}
	return code, err
}

// RunWorkflow runs the script registered under mode against workDir.
func (r *SirilRunner) RunWorkflow(ctx context.Context, workDir, mode string) error {
	script, ok := r.Workflows.Script(mode)
	if !ok {
		return fmt.Errorf("unknown siril workflow %q (available: %s)", mode, strings.Join(r.Workflows.Names(), ", "))
	}
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("siril script not found: %s", script)
	}
	exe := r.SirilCLI
	if exe == "" {
		exe = "siril-cli"
	}
	code, out, err := r.run(ctx, "", exe, "-d", workDir, "-s", script)
	if err != nil {
		return fmt.Errorf("run %s: %w", exe, err)
	}
	if code != 0 {
		return fmt.Errorf("%s exited with code %d: %s", exe, code, strings.TrimSpace(string(out)))
	}
	return nil
}
