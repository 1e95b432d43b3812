package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"astrosorter/internal/fsutil"
)

// DCrawConverter shells out to dcraw for a 16-bit TIFF and derives the JPEG
// from it.
type DCrawConverter struct {
	exe       string
	run       CommandRunner
	lookPath  func(string) bool
	jpegMaker func(tif, jpg string, quality int) error
}

// NewDCrawConverter uses exe, defaulting to "dcraw".
func NewDCrawConverter(exe string) *DCrawConverter {
	if exe == "" {
		exe = "dcraw"
	}
	return &DCrawConverter{exe: exe, run: ExecRunner, lookPath: commandExists, jpegMaker: jpegFromTIFF}
}

func (p *DCrawConverter) Name() string { return "dcraw" }
func (p *DCrawConverter) IsAvailable() bool {
	return p.lookPath(p.exe)
}

func (p *DCrawConverter) Convert(ctx context.Context, req RawConvertRequest) (RawConvertResult, error) {
	res := RawConvertResult{ToolUsed: p.Name()}

	if !fileExists(req.TIFFFile) {
		code, out, err := p.run(ctx, "", p.exe, "-T", "-6", "-W", req.InputFile)
		res.ProcessingLog = string(out)
		if err != nil {
			return res, err
		}
		if code != 0 {
			return res, fmt.Errorf("dcraw exited with code %d", code)
		}
		generated := strings.TrimSuffix(req.InputFile, filepath.Ext(req.InputFile)) + ".tiff"
		if !fileExists(generated) {
			return res, fmt.Errorf("dcraw did not produce %s", generated)
		}
		if err := moveFile(generated, req.TIFFFile); err != nil {
			return res, fmt.Errorf("move dcraw output: %w", err)
		}
		res.TIFFCreated = true
	}

	if !fileExists(req.JPEGFile) && p.jpegMaker != nil {
		if err := p.jpegMaker(req.TIFFFile, req.JPEGFile, req.JPEGQuality); err == nil {
			res.JPEGCreated = true
		} else {
			res.ProcessingLog += "jpeg: " + err.Error()
		}
	}
	return res, nil
}

// moveFile renames, copying across devices when rename is refused.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := fsutil.CopyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
