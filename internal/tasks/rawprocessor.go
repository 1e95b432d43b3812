package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"astrosorter/internal/config"
	"astrosorter/internal/fsutil"
)

// RawConverter is one way of turning a RAW frame into TIFF and JPEG.
type RawConverter interface {
	Name() string
	IsAvailable() bool
	Convert(ctx context.Context, req RawConvertRequest) (RawConvertResult, error)
}

// RawConvertRequest contains conversion inputs. Converters must leave an
// existing output untouched.
type RawConvertRequest struct {
	InputFile   string
	JPEGFile    string
	TIFFFile    string
	JPEGQuality int
}

// RawConvertResult reports what a conversion produced.
type RawConvertResult struct {
	InputFile     string
	JPEGFile      string
	TIFFFile      string
	ToolUsed      string
	JPEGCreated   bool
	TIFFCreated   bool
	ProcessingLog string
}

// RawConverterManager tries converters in configured order until one succeeds.
type RawConverterManager struct {
	converters map[string]RawConverter
	order      []string
	quality    int
	log        *slog.Logger
}

// NewRawConverterManager registers the imagick, dcraw and manual converters.
func NewRawConverterManager(cfg config.Tools, log *slog.Logger) *RawConverterManager {
	if log == nil {
		log = slog.Default()
	}
	m := &RawConverterManager{
		converters: make(map[string]RawConverter),
		quality:    cfg.Conversion.JPEGQuality,
		log:        log,
	}
	m.RegisterConverter(&ImagickConverter{enabled: true})
	m.RegisterConverter(NewDCrawConverter(cfg.DCraw))
	m.RegisterConverter(&ManualConverter{})
	m.SetOrder(append([]string{cfg.Conversion.Preferred}, cfg.Conversion.Fallbacks...))
	return m
}

// NewRawConverterManagerWith builds a manager over explicit converters, tried
// in the given order.
func NewRawConverterManagerWith(log *slog.Logger, quality int, converters ...RawConverter) *RawConverterManager {
	if log == nil {
		log = slog.Default()
	}
	m := &RawConverterManager{converters: make(map[string]RawConverter), quality: quality, log: log}
	var order []string
	for _, c := range converters {
		m.RegisterConverter(c)
		order = append(order, c.Name())
	}
	m.SetOrder(order)
	return m
}

// RegisterConverter adds a converter by its Name().
func (m *RawConverterManager) RegisterConverter(c RawConverter) {
	if c == nil {
		return
	}
	m.converters[c.Name()] = c
}

// SetOrder fixes the attempt order. Duplicates and blanks are dropped.
func (m *RawConverterManager) SetOrder(names []string) {
	seen := map[string]bool{}
	m.order = m.order[:0]
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		m.order = append(m.order, n)
	}
}

// Order returns the attempt order.
func (m *RawConverterManager) Order() []string {
	return append([]string(nil), m.order...)
}

// ConvertWithFallback writes jpg and tif for input. When both already exist
// nothing runs. Each converter is tried in isolation; the first success wins.
func (m *RawConverterManager) ConvertWithFallback(ctx context.Context, input, jpg, tif string) (RawConvertResult, error) {
	result := RawConvertResult{InputFile: input, JPEGFile: jpg, TIFFFile: tif}
	if fileExists(jpg) && fileExists(tif) {
		return result, nil
	}
	for _, out := range []string{jpg, tif} {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return result, fmt.Errorf("create output directory: %w", err)
		}
	}

	req := RawConvertRequest{InputFile: input, JPEGFile: jpg, TIFFFile: tif, JPEGQuality: m.quality}

	var failures []string
	for _, name := range m.order {
		conv, ok := m.converters[name]
		if !ok || !conv.IsAvailable() {
			failures = append(failures, fmt.Sprintf("%s not available", name))
			continue
		}
		res, err := conv.Convert(ctx, req)
		if err == nil {
			res.InputFile, res.JPEGFile, res.TIFFFile = input, jpg, tif
			if res.ToolUsed == "" {
				res.ToolUsed = name
			}
			m.log.Debug("raw converted", "input", input, "tool", res.ToolUsed, "jpeg", res.JPEGCreated, "tiff", res.TIFFCreated)
			return res, nil
		}
		msg := fmt.Sprintf("%s failed: %v", name, err)
		if res.ProcessingLog != "" {
			msg += fmt.Sprintf(" (log: %s)", strings.TrimSpace(res.ProcessingLog))
		}
		failures = append(failures, msg)
		m.log.Debug("raw converter failed", "input", input, "tool", name, "error", err)
	}

	return result, fmt.Errorf("all raw converters failed for %s:\n  %s", input, strings.Join(failures, "\n  "))
}

// ConvertAll converts every RAW frame under srcDir into dstDir/JPEG and
// dstDir/TIFF. A failing frame is reported and does not stop the batch.
func (m *RawConverterManager) ConvertAll(ctx context.Context, srcDir, dstDir string) ([]RawConvertResult, error) {
	files, err := fsutil.ListRAW(srcDir)
	if err != nil {
		return nil, err
	}
	var results []RawConvertResult
	var failed []string
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		stem := trimExt(filepath.Base(f))
		res, err := m.ConvertWithFallback(ctx, f,
			filepath.Join(dstDir, "JPEG", stem+".jpg"),
			filepath.Join(dstDir, "TIFF", stem+".tif"))
		if err != nil {
			failed = append(failed, filepath.Base(f))
		}
		results = append(results, res)
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("%d of %d frames failed to convert: %s", len(failed), len(files), strings.Join(failed, ", "))
	}
	return results, nil
}

// DetectAvailable returns the sorted names of usable converters.
func (m *RawConverterManager) DetectAvailable() []string {
	var available []string
	for name, c := range m.converters {
		if c.IsAvailable() {
			available = append(available, name)
		}
	}
	sort.Strings(available)
	return available
}

// Converter returns a registered converter by name.
func (m *RawConverterManager) Converter(name string) RawConverter {
	return m.converters[name]
}

// ManualConverter is the last resort: it never converts and tells the user
// which frame needs a manual export.
type ManualConverter struct{}

func (ManualConverter) Name() string      { return "manual" }
func (ManualConverter) IsAvailable() bool { return true }

func (ManualConverter) Convert(ctx context.Context, req RawConvertRequest) (RawConvertResult, error) {
	return RawConvertResult{ToolUsed: "manual"}, fmt.Errorf("convert %s manually to %s and %s", filepath.Base(req.InputFile), req.TIFFFile, req.JPEGFile)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
