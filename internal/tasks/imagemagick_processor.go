package tasks

import (
	"context"
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// ImagickConverter decodes RAW frames in-process through MagickWand.
type ImagickConverter struct {
	enabled bool
}

func (c *ImagickConverter) Name() string      { return "imagick" }
func (c *ImagickConverter) IsAvailable() bool { return c.enabled }

// Convert writes a 16-bit linear TIFF and an 8-bit JPEG, skipping outputs
// that already exist.
func (c *ImagickConverter) Convert(ctx context.Context, req RawConvertRequest) (RawConvertResult, error) {
	res := RawConvertResult{ToolUsed: c.Name()}
	if !fileExists(req.InputFile) {
		return res, fmt.Errorf("input file does not exist: %s", req.InputFile)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(req.InputFile); err != nil {
		return res, fmt.Errorf("read raw: %w", err)
	}

	if !fileExists(req.TIFFFile) {
		if err := writeWand(mw, req.TIFFFile, "TIFF", 16, 0); err != nil {
			return res, err
		}
		res.TIFFCreated = true
	}
	if !fileExists(req.JPEGFile) {
		if err := writeWand(mw, req.JPEGFile, "JPEG", 8, req.JPEGQuality); err != nil {
			return res, err
		}
		res.JPEGCreated = true
	}
	return res, nil
}

func writeWand(mw *imagick.MagickWand, path, format string, depth uint, quality int) error {
	if err := mw.SetImageFormat(format); err != nil {
		return fmt.Errorf("set format %s: %w", format, err)
	}
	if err := mw.SetImageDepth(depth); err != nil {
		return fmt.Errorf("set depth %d: %w", depth, err)
	}
	if quality > 0 {
		if err := mw.SetImageCompressionQuality(uint(quality)); err != nil {
			return fmt.Errorf("set quality: %w", err)
		}
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// jpegFromTIFF re-encodes an existing TIFF as JPEG.
func jpegFromTIFF(tif, jpg string, quality int) error {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(tif); err != nil {
		return fmt.Errorf("read tiff: %w", err)
	}
	return writeWand(mw, jpg, "JPEG", 8, quality)
}
