package tasks

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Metadata is the subset of exiftool output the session workflow uses.
type Metadata struct {
	FilePath     string  `json:"file_path"`
	CameraMake   string  `json:"camera_make,omitempty"`
	CameraModel  string  `json:"camera_model,omitempty"`
	ISO          int     `json:"iso,omitempty"`
	ExposureTime string  `json:"exposure_time,omitempty"`
	FocalLength  float64 `json:"focal_length,omitempty"`
	Timestamp    string  `json:"timestamp,omitempty"`
	GPSLat       float64 `json:"gps_lat,omitempty"`
	GPSLon       float64 `json:"gps_lon,omitempty"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
}

// GPSMethod records how coordinates were attached to a frame.
type GPSMethod string

const (
	GPSExifTool GPSMethod = "exiftool"
	GPSJPEG     GPSMethod = "jpeg-exif"
	GPSSidecar  GPSMethod = "xmp-sidecar"
)

// Rational is a numerator/denominator pair as stored in EXIF GPS tags.
type Rational struct {
	Num, Den int
}

// DMS is a coordinate in degrees, minutes and hundredths of seconds.
type DMS [3]Rational

// ToDMS converts decimal degrees to EXIF rationals. The sign is dropped;
// use LatitudeRef and LongitudeRef for the hemisphere.
func ToDMS(deg float64) DMS {
	abs := math.Abs(deg)
	d := int(abs)
	mf := (abs - float64(d)) * 60
	m := int(mf)
	s := int(math.Round((mf - float64(m)) * 60 * 100))
	return DMS{{d, 1}, {m, 1}, {s, 100}}
}

// LatitudeRef is N for lat >= 0, S otherwise.
func LatitudeRef(lat float64) string {
	if lat >= 0 {
		return "N"
	}
	return "S"
}

// LongitudeRef is E for lon >= 0, W otherwise.
func LongitudeRef(lon float64) string {
	if lon >= 0 {
		return "E"
	}
	return "W"
}

// Tagger writes and reads frame metadata through exiftool.
type Tagger struct {
	exe       string
	run       CommandRunner
	available func() bool
}

// NewTagger uses exe, defaulting to "exiftool".
func NewTagger(exe string) *Tagger {
	if exe == "" {
		exe = "exiftool"
	}
	t := &Tagger{exe: exe, run: ExecRunner}
	t.available = func() bool { return commandExists(t.exe) }
	return t
}

// WithCommandRunner returns a copy that runs exiftool through run and treats
// it as present when available reports true.
func (t *Tagger) WithCommandRunner(run CommandRunner, available bool) *Tagger {
	cp := *t
	cp.run = run
	cp.available = func() bool { return available }
	return &cp
}

// WriteGPS tags path with lat/lon. When exiftool is missing or fails, JPEGs
// get the tags embedded directly and anything else gets an XMP sidecar
// "<path>.xmp".
func (t *Tagger) WriteGPS(ctx context.Context, path string, lat, lon float64) (GPSMethod, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}

	var toolErr error
	if t.available() {
		code, out, err := t.run(ctx, "", t.exe,
			"-GPSLatitude="+formatCoord(math.Abs(lat)), "-GPSLatitudeRef="+LatitudeRef(lat),
			"-GPSLongitude="+formatCoord(math.Abs(lon)), "-GPSLongitudeRef="+LongitudeRef(lon),
			"-overwrite_original", path)
		switch {
		case err != nil:
			toolErr = err
		case code != 0:
			toolErr = fmt.Errorf("exiftool exited with code %d: %s", code, strings.TrimSpace(string(out)))
		default:
			return GPSExifTool, nil
		}
	}

	if IsJPEG(path) {
		err := WriteJPEGGPS(path, lat, lon)
		if err == nil {
			return GPSJPEG, nil
		}
		toolErr = errors.Join(toolErr, err)
	}

	if err := WriteGPSSidecar(path, lat, lon); err != nil {
		return "", errors.Join(toolErr, err)
	}
	return GPSSidecar, nil
}

// ValidateCoordinates rejects values outside the WGS84 range.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("latitude out of range: %v", lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("longitude out of range: %v", lon)
	}
	return nil
}

type xmpSidecar struct {
	XMLName xml.Name `xml:"x:xmpmeta"`
	X       string   `xml:"xmlns:x,attr"`
	RDF     struct {
		NS          string `xml:"xmlns:rdf,attr"`
		Description struct {
			Exif         string `xml:"xmlns:exif,attr"`
			GPSLatitude  string `xml:"exif:GPSLatitude"`
			GPSLongitude string `xml:"exif:GPSLongitude"`
		} `xml:"rdf:Description"`
	} `xml:"rdf:RDF"`
}

// SidecarPath is where WriteGPSSidecar puts the XMP for path.
func SidecarPath(path string) string { return path + ".xmp" }

// WriteGPSSidecar writes "<path>.xmp" holding the exif GPS coordinates in
// the XMP "DDD,MM.mmmmK" notation.
func WriteGPSSidecar(path string, lat, lon float64) error {
	var doc xmpSidecar
	doc.X = "adobe:ns:meta/"
	doc.RDF.NS = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	doc.RDF.Description.Exif = "http://ns.adobe.com/exif/1.0/"
	doc.RDF.Description.GPSLatitude = xmpCoord(lat, LatitudeRef(lat))
	doc.RDF.Description.GPSLongitude = xmpCoord(lon, LongitudeRef(lon))

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(SidecarPath(path), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

func xmpCoord(deg float64, ref string) string {
	abs := math.Abs(deg)
	d := int(abs)
	m := (abs - float64(d)) * 60
	return fmt.Sprintf("%d,%.4f%s", d, m, ref)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Read runs exiftool -json on path. Missing tool or unparsable output yields
// metadata with only FilePath set.
func (t *Tagger) Read(ctx context.Context, path string) Metadata {
	meta := Metadata{FilePath: path}
	if !t.available() {
		return meta
	}
	code, out, err := t.run(ctx, "", t.exe, "-json", "-n", path)
	if err != nil || code != 0 {
		return meta
	}
	var parsed []map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil || len(parsed) == 0 {
		return meta
	}
	m := parsed[0]
	if v, ok := m["Make"].(string); ok {
		meta.CameraMake = v
	}
	if v, ok := m["Model"].(string); ok {
		meta.CameraModel = v
	}
	meta.FocalLength = numberField(m["FocalLength"])
	meta.ISO = int(numberField(m["ISO"]))
	if v, ok := m["ExposureTime"]; ok {
		meta.ExposureTime = fmt.Sprint(v)
	}
	meta.GPSLat = numberField(m["GPSLatitude"])
	meta.GPSLon = numberField(m["GPSLongitude"])
	if v, ok := m["DateTimeOriginal"].(string); ok {
		meta.Timestamp = v
	}
	meta.Width = int(numberField(m["ImageWidth"]))
	meta.Height = int(numberField(m["ImageHeight"]))
	return meta
}

// numberField accepts exiftool's plain numbers as well as strings such as
// "24.0 mm".
func numberField(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		return parseFloatSuffix(n)
	}
	return 0
}

func parseFloatSuffix(s string) float64 {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// TagResult is the outcome of tagging one file.
type TagResult struct {
	Path   string    `json:"path"`
	Method GPSMethod `json:"method,omitempty"`
	Err    error     `json:"-"`
}

// TagAll writes lat/lon into every path that exists, skipping missing ones.
func (t *Tagger) TagAll(ctx context.Context, paths []string, lat, lon float64) ([]TagResult, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}
	var results []TagResult
	var failed int
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if !fileExists(p) {
			continue
		}
		method, err := t.WriteGPS(ctx, p, lat, lon)
		if err != nil {
			failed++
		}
		results = append(results, TagResult{Path: p, Method: method, Err: err})
	}
	if failed > 0 {
		return results, fmt.Errorf("gps tagging failed for %d of %d files", failed, len(results))
	}
	return results, nil
}
