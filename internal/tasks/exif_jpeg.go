package tasks

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	exif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	jis "github.com/dsoprea/go-jpeg-image-structure/v2"
)

var jpegSOI = []byte{0xFF, 0xD8}

// IsJPEG reports whether path has a JPEG extension.
func IsJPEG(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}

func (d DMS) rationals() []exifcommon.Rational {
	out := make([]exifcommon.Rational, len(d))
	for i, r := range d {
		out[i] = exifcommon.Rational{Numerator: uint32(r.Num), Denominator: uint32(r.Den)}
	}
	return out
}

// WriteJPEGGPS embeds GPS tags into the EXIF block of a JPEG, creating the
// block when the file has none. The file is replaced atomically.
func WriteJPEGGPS(path string, lat, lon float64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(data, jpegSOI) {
		return errors.New("not a jpeg stream")
	}

	parsed, err := jis.NewJpegMediaParser().ParseBytes(data)
	if err != nil {
		return fmt.Errorf("parse jpeg: %w", err)
	}
	sl, ok := parsed.(*jis.SegmentList)
	if !ok {
		return fmt.Errorf("parse jpeg: unexpected %T", parsed)
	}

	rootIb, err := sl.ConstructExifBuilder()
	if err != nil {
		if rootIb, err = newRootIfdBuilder(); err != nil {
			return err
		}
	}
	gpsIb, err := exif.GetOrCreateIbFromRootIb(rootIb, "IFD/GPSInfo")
	if err != nil {
		return fmt.Errorf("gps ifd: %w", err)
	}
	tags := []struct {
		name  string
		value any
	}{
		{"GPSLatitudeRef", LatitudeRef(lat)},
		{"GPSLatitude", ToDMS(lat).rationals()},
		{"GPSLongitudeRef", LongitudeRef(lon)},
		{"GPSLongitude", ToDMS(lon).rationals()},
	}
	for _, tag := range tags {
		if err := gpsIb.SetStandardWithName(tag.name, tag.value); err != nil {
			return fmt.Errorf("set %s: %w", tag.name, err)
		}
	}
	if err := sl.SetExif(rootIb); err != nil {
		return fmt.Errorf("update exif: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".gps-*"+filepath.Ext(path))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriter(tmp)
	if err := sl.Write(w); err != nil {
		tmp.Close()
		return fmt.Errorf("write jpeg: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func newRootIfdBuilder() (*exif.IfdBuilder, error) {
	im, err := exifcommon.NewIfdMappingWithStandard()
	if err != nil {
		return nil, fmt.Errorf("ifd mapping: %w", err)
	}
	ti := exif.NewTagIndex()
	if err := exif.LoadStandardTags(ti); err != nil {
		return nil, fmt.Errorf("tag index: %w", err)
	}
	return exif.NewIfdBuilder(im, ti, exifcommon.IfdStandardIfdIdentity, exifcommon.EncodeDefaultByteOrder), nil
}

// ReadJPEGGPS returns the GPS position embedded in a JPEG's EXIF block.
func ReadJPEGGPS(path string) (lat, lon float64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	raw, err := exif.SearchAndExtractExif(data)
	if err != nil {
		return 0, 0, fmt.Errorf("find exif: %w", err)
	}
	im, err := exifcommon.NewIfdMappingWithStandard()
	if err != nil {
		return 0, 0, err
	}
	ti := exif.NewTagIndex()
	_, index, err := exif.Collect(im, ti, raw)
	if err != nil {
		return 0, 0, fmt.Errorf("collect exif: %w", err)
	}
	gpsIfd, err := index.RootIfd.ChildWithIfdPath(exifcommon.IfdGpsInfoStandardIfdIdentity)
	if err != nil {
		return 0, 0, fmt.Errorf("gps ifd: %w", err)
	}
	gi, err := gpsIfd.GpsInfo()
	if err != nil {
		return 0, 0, fmt.Errorf("gps info: %w", err)
	}
	return gi.Latitude.Decimal(), gi.Longitude.Decimal(), nil
}
