package tasks

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
)

// SequatorComposition selects what the stacker produces from the lights.
type SequatorComposition int

const (
	CompositionStack SequatorComposition = 0
	CompositionTrail SequatorComposition = 1
)

// Label is the filename suffix for the composition.
func (c SequatorComposition) Label() string {
	if c == CompositionTrail {
		return "Trail"
	}
	return "Stack"
}

const (
	sequatorProjectExt = ".sep"
	sequatorOutputExt  = ".tif"

	integrationAccumulation = 0
	distortionComplex       = 2
	pollutionModeUneven     = 1
	starBoundZero           = "0.000000"
)

var starBoundFields = []string{"X1", "Y1", "X2", "Y2", "X1", "Y1", "X2", "Y2", "Height"}

// SequatorOptions tunes project generation.
type SequatorOptions struct {
	// AllowEmptyLights writes the degenerate documents (no star images, no base
	// image) instead of returning ErrNoLights.
	AllowEmptyLights bool
}

// SequatorFiles are the two documents written for one session.
type SequatorFiles struct {
	Stack string
	Trail string
}

type sequatorPath struct {
	RelativePath string `xml:"RelativePath,omitempty"`
	AbsolutePath string `xml:"AbsolutePath"`
}

type sequatorOutput struct {
	RelativePath string `xml:"RelativePath"`
}

type ranged struct {
	Max   int `xml:"max,attr"`
	Value int `xml:",chardata"`
}

type boundCoord struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type starBound struct {
	Coords []boundCoord
}

type sequatorProject struct {
	XMLName                 xml.Name        `xml:"SequatorProject"`
	Version                 string          `xml:"version,attr"`
	StarImages              []sequatorPath  `xml:"StarImage"`
	BaseImage               *sequatorPath   `xml:"BaseImage,omitempty"`
	NoiseImages             []sequatorPath  `xml:"NoiseImage"`
	HomogenizeVignetting    bool            `xml:"HomogenizeVignetting"`
	VignettingImage         *sequatorPath   `xml:"VignettingImage,omitempty"`
	Output                  sequatorOutput  `xml:"Output"`
	UnifyExposure           bool            `xml:"UnifyExposure"`
	CompositionMode         ranged          `xml:"CompositionMode"`
	IntegrationMode         ranged          `xml:"IntegrationMode"`
	SigmaIndex              ranged          `xml:"SigmaIndex"`
	FreezeGroundSelective   bool            `xml:"FreezeGroundSelective"`
	DumpAsLinear            bool            `xml:"DumpAsLinear"`
	TrailsMotionEffect      bool            `xml:"TrailsMotionEffect"`
	AutoBrightness          bool            `xml:"AutoBrightness"`
	HDR                     bool            `xml:"HDR"`
	RemoveHotPixels         bool            `xml:"RemoveHotPixels"`
	MergePixels             bool            `xml:"MergePixels"`
	DistortionCorrection    ranged          `xml:"DistortionCorrection"`
	ReducePollution         bool            `xml:"ReducePollution"`
	ReducePollutionMode     ranged          `xml:"ReducePollutionMode"`
	ReducePollutionStrength ranged          `xml:"ReducePollutionStrength"`
	AggressiveSuppression   bool            `xml:"AggressiveSuppression"`
	EnhanceStars            bool            `xml:"EnhanceStars"`
	EnhanceStarsStrength    ranged          `xml:"EnhanceStarsStrength"`
	StarBound               starBound       `xml:"StarBound"`
	SkyRegionMode           ranged          `xml:"SkyRegionMode"`
	TimeLapse               bool            `xml:"TimeLapse"`
	TimeLapseFrames         ranged          `xml:"TimeLapseFrames"`
	ColorSpace              ranged          `xml:"ColorSpace"`
}

// SequatorProjectPath is where the document for mode is written.
func SequatorProjectPath(p SessionProject, mode SequatorComposition) string {
	return filepath.Join(p.Root, fmt.Sprintf("%s-%s%s", p.Name, mode.Label(), sequatorProjectExt))
}

// SequatorOutputName is the image the stacker renders for mode, relative to the root.
func SequatorOutputName(p SessionProject, mode SequatorComposition) string {
	return fmt.Sprintf("%s-%s%s", p.Name, mode.Label(), sequatorOutputExt)
}

func newSequatorPath(ref PathReference) sequatorPath {
	return sequatorPath{RelativePath: ref.Relative, AbsolutePath: ref.Absolute}
}

func buildSequatorProject(p SessionProject, mode SequatorComposition) sequatorProject {
	doc := sequatorProject{
		Version:                 "1.0",
		Output:                  sequatorOutput{RelativePath: SequatorOutputName(p, mode)},
		UnifyExposure:           false,
		CompositionMode:         ranged{Max: 1, Value: int(mode)},
		IntegrationMode:         ranged{Max: 3, Value: integrationAccumulation},
		SigmaIndex:              ranged{Max: 4, Value: 2},
		FreezeGroundSelective:   true,
		DumpAsLinear:            true,
		TrailsMotionEffect:      false,
		AutoBrightness:          true,
		HDR:                     true,
		RemoveHotPixels:         true,
		MergePixels:             false,
		DistortionCorrection:    ranged{Max: 2, Value: distortionComplex},
		ReducePollution:         true,
		ReducePollutionMode:     ranged{Max: 1, Value: pollutionModeUneven},
		ReducePollutionStrength: ranged{Max: 4, Value: 2},
		AggressiveSuppression:   false,
		EnhanceStars:            true,
		EnhanceStarsStrength:    ranged{Max: 4, Value: 3},
		SkyRegionMode:           ranged{Max: 3, Value: 0},
		TimeLapse:               false,
		TimeLapseFrames:         ranged{Max: 30, Value: 5},
		ColorSpace:              ranged{Max: 2, Value: 0},
	}

	for _, f := range p.Lights.Paths {
		doc.StarImages = append(doc.StarImages, newSequatorPath(p.Reference(f)))
	}
	if base, ok := p.BaseFrame(); ok {
		node := newSequatorPath(p.Reference(base))
		doc.BaseImage = &node
	}
	for _, d := range p.Darks.Paths {
		doc.NoiseImages = append(doc.NoiseImages, newSequatorPath(p.Reference(d)))
	}
	if flat, ok := p.Flat(); ok && fileExists(flat) {
		node := newSequatorPath(p.Reference(flat))
		doc.VignettingImage = &node
		doc.HomogenizeVignetting = true
	}

	for _, name := range starBoundFields {
		doc.StarBound.Coords = append(doc.StarBound.Coords, boundCoord{
			XMLName: xml.Name{Local: name},
			Value:   starBoundZero,
		})
	}
	return doc
}

// RenderSequatorProject serializes the document for mode with a fixed XML
// declaration and two-space indentation.
func RenderSequatorProject(p SessionProject, mode SequatorComposition) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(buildSequatorProject(p, mode)); err != nil {
		return nil, fmt.Errorf("encode sequator %s project: %w", mode.Label(), err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// WriteSequatorProjects writes <name>-Stack.sep and <name>-Trail.sep into the
// project root. Frame paths are not checked for existence; only the flat
// is stat'ed to decide vignetting homogenization.
func WriteSequatorProjects(p SessionProject, opts SequatorOptions) (SequatorFiles, error) {
	if p.Lights.Empty() && !opts.AllowEmptyLights {
		return SequatorFiles{}, ErrNoLights
	}
	if err := os.MkdirAll(p.Root, 0o755); err != nil {
		return SequatorFiles{}, fmt.Errorf("create project root: %w", err)
	}

	var files SequatorFiles
	for _, mode := range []SequatorComposition{CompositionStack, CompositionTrail} {
		data, err := RenderSequatorProject(p, mode)
		if err != nil {
			return SequatorFiles{}, err
		}
		path := SequatorProjectPath(p, mode)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return SequatorFiles{}, fmt.Errorf("write %s: %w", path, err)
		}
		if mode == CompositionStack {
			files.Stack = path
		} else {
			files.Trail = path
		}
	}
	return files, nil
}
