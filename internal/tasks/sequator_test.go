package tasks

import (
	"bytes"
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type parsedRanged struct {
	Max   string `xml:"max,attr"`
	Value string `xml:",chardata"`
}

type parsedSequator struct {
	XMLName         xml.Name        `xml:"SequatorProject"`
	Version         string          `xml:"version,attr"`
	StarImages      []sequatorPath  `xml:"StarImage"`
	BaseImages      []sequatorPath  `xml:"BaseImage"`
	NoiseImages     []sequatorPath  `xml:"NoiseImage"`
	Homogenize      []string        `xml:"HomogenizeVignetting"`
	VignettingImage []sequatorPath  `xml:"VignettingImage"`
	Output          sequatorOutput  `xml:"Output"`
	CompositionMode parsedRanged    `xml:"CompositionMode"`
	SigmaIndex      parsedRanged    `xml:"SigmaIndex"`
	Distortion      parsedRanged    `xml:"DistortionCorrection"`
	PollutionMode   parsedRanged    `xml:"ReducePollutionMode"`
	EnhanceStrength parsedRanged    `xml:"EnhanceStarsStrength"`
	TimeLapseFrames parsedRanged    `xml:"TimeLapseFrames"`
	StarBound       parsedStarBound `xml:"StarBound"`
}

type parsedStarBound struct {
	Inner []struct {
		XMLName xml.Name
		Value   string `xml:",chardata"`
	} `xml:",any"`
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readSequator(t *testing.T, path string) parsedSequator {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !bytes.HasPrefix(data, []byte(xml.Header)) {
		t.Fatalf("missing xml declaration in %s", path)
	}
	var doc parsedSequator
	if err := xml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return doc
}

func lightPaths(dir string, n int) []string {
	var out []string
	for i := 0; i < n; i++ {
		out = append(out, filepath.Join(dir, "lights", "TIFF", string(rune('a'+i))+".tif"))
	}
	return out
}

func TestWriteSequatorProjectsFiveLights(t *testing.T) {
	root := t.TempDir()
	lights := lightPaths(root, 5)
	p := NewSessionProject(root, "m42", lights, nil, nil, nil)

	files, err := WriteSequatorProjects(p, SequatorOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if files.Stack != filepath.Join(root, "m42-Stack.sep") || files.Trail != filepath.Join(root, "m42-Trail.sep") {
		t.Fatalf("unexpected output paths %+v", files)
	}

	for mode, path := range map[string]string{"0": files.Stack, "1": files.Trail} {
		doc := readSequator(t, path)
		if doc.Version != "1.0" {
			t.Fatalf("version = %q", doc.Version)
		}
		if len(doc.StarImages) != 5 {
			t.Fatalf("expected 5 star images, got %d", len(doc.StarImages))
		}
		for i, img := range doc.StarImages {
			if img.AbsolutePath != lights[i] {
				t.Fatalf("star image %d = %q, want %q", i, img.AbsolutePath, lights[i])
			}
			if img.RelativePath != filepath.Join("lights", "TIFF", filepath.Base(lights[i])) {
				t.Fatalf("relative path %q", img.RelativePath)
			}
		}
		if len(doc.BaseImages) != 1 || doc.BaseImages[0].AbsolutePath != lights[2] {
			t.Fatalf("base image should be lights[2], got %+v", doc.BaseImages)
		}
		if len(doc.Homogenize) != 1 || doc.Homogenize[0] != "false" {
			t.Fatalf("vignetting flag should be false, got %v", doc.Homogenize)
		}
		if len(doc.VignettingImage) != 0 {
			t.Fatalf("no vignetting image expected")
		}
		if doc.CompositionMode.Value != mode || doc.CompositionMode.Max != "1" {
			t.Fatalf("composition mode = %+v, want %s", doc.CompositionMode, mode)
		}
		label := map[string]string{"0": "Stack", "1": "Trail"}[mode]
		if doc.Output.RelativePath != "m42-"+label+".tif" {
			t.Fatalf("output = %q", doc.Output.RelativePath)
		}
	}
}

func TestSequatorFixedFields(t *testing.T) {
	root := t.TempDir()
	p := NewSessionProject(root, "fixed", lightPaths(root, 3), nil, nil, nil)
	data, err := RenderSequatorProject(p, CompositionStack)
	if err != nil {
		t.Fatal(err)
	}
	var doc parsedSequator
	if err := xml.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}

	checks := []struct {
		name string
		got  parsedRanged
		want parsedRanged
	}{
		{"sigma", doc.SigmaIndex, parsedRanged{"4", "2"}},
		{"distortion", doc.Distortion, parsedRanged{"2", "2"}},
		{"pollution mode", doc.PollutionMode, parsedRanged{"1", "1"}},
		{"enhance strength", doc.EnhanceStrength, parsedRanged{"4", "3"}},
		{"timelapse frames", doc.TimeLapseFrames, parsedRanged{"30", "5"}},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %+v, want %+v", c.name, c.got, c.want)
		}
	}

	if len(doc.StarBound.Inner) != 9 {
		t.Fatalf("expected 9 star bound fields, got %d", len(doc.StarBound.Inner))
	}
	wantNames := []string{"X1", "Y1", "X2", "Y2", "X1", "Y1", "X2", "Y2", "Height"}
	for i, f := range doc.StarBound.Inner {
		if f.XMLName.Local != wantNames[i] || f.Value != "0.000000" {
			t.Fatalf("star bound %d = %s:%s", i, f.XMLName.Local, f.Value)
		}
	}

	text := string(data)
	for _, want := range []string{
		"<UnifyExposure>false</UnifyExposure>",
		"<FreezeGroundSelective>true</FreezeGroundSelective>",
		"<DumpAsLinear>true</DumpAsLinear>",
		"<HDR>true</HDR>",
		"<RemoveHotPixels>true</RemoveHotPixels>",
		"<MergePixels>false</MergePixels>",
		"<ReducePollution>true</ReducePollution>",
		`<ReducePollutionStrength max="4">2</ReducePollutionStrength>`,
		"<EnhanceStars>true</EnhanceStars>",
		`<SkyRegionMode max="3">0</SkyRegionMode>`,
		"<TimeLapse>false</TimeLapse>",
		`<ColorSpace max="2">0</ColorSpace>`,
		`<IntegrationMode max="3">0</IntegrationMode>`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %s in document", want)
		}
	}
}

func TestSequatorExistingFlatEnablesVignetting(t *testing.T) {
	root := t.TempDir()
	flat := filepath.Join(root, "flats", "TIFF", "flat.tif")
	touch(t, flat)
	p := NewSessionProject(root, "flat", lightPaths(root, 2), nil, []string{flat}, nil)

	files, err := WriteSequatorProjects(p, SequatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{files.Stack, files.Trail} {
		doc := readSequator(t, path)
		if len(doc.Homogenize) != 1 || doc.Homogenize[0] != "true" {
			t.Fatalf("vignetting flag should be true in %s, got %v", path, doc.Homogenize)
		}
		if len(doc.VignettingImage) != 1 || doc.VignettingImage[0].AbsolutePath != flat {
			t.Fatalf("expected one vignetting image, got %+v", doc.VignettingImage)
		}
		if len(doc.BaseImages) != 1 || doc.BaseImages[0].AbsolutePath != p.Lights.Paths[1] {
			t.Fatalf("base of two lights is index 1, got %+v", doc.BaseImages)
		}
	}
}

func TestSequatorMissingFlatKeepsFlagFalse(t *testing.T) {
	root := t.TempDir()
	flat := filepath.Join(root, "flats", "missing.tif")
	p := NewSessionProject(root, "nf", lightPaths(root, 2), nil, []string{flat}, nil)

	data, err := RenderSequatorProject(p, CompositionTrail)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "<HomogenizeVignetting>false</HomogenizeVignetting>") {
		t.Fatalf("flag must stay false when the flat is absent")
	}
	if strings.Contains(string(data), "VignettingImage") {
		t.Fatalf("no vignetting image expected")
	}
}

func TestSequatorDarksAndOutsidePaths(t *testing.T) {
	root := filepath.Join(t.TempDir(), "project")
	outside := filepath.Join(t.TempDir(), "elsewhere", "dark1.tif")
	inside := filepath.Join(root, "darks", "dark2.tif")
	p := NewSessionProject(root, "dk", lightPaths(root, 1), []string{outside, inside}, nil, nil)

	files, err := WriteSequatorProjects(p, SequatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	doc := readSequator(t, files.Stack)
	if len(doc.NoiseImages) != 2 {
		t.Fatalf("expected 2 noise images, got %d", len(doc.NoiseImages))
	}
	if doc.NoiseImages[0].RelativePath != "" || doc.NoiseImages[0].AbsolutePath != outside {
		t.Fatalf("outside dark should only carry absolute path: %+v", doc.NoiseImages[0])
	}
	if doc.NoiseImages[1].RelativePath != filepath.Join("darks", "dark2.tif") {
		t.Fatalf("inside dark relative = %q", doc.NoiseImages[1].RelativePath)
	}
}

func TestSequatorAbsolutizesRelativeFrames(t *testing.T) {
	root := t.TempDir()
	prevDir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prevDir) })
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	rel := filepath.Join("lights", "TIFF", "m8_001.tif")
	p := NewSessionProject(cwd, "m8", []string{rel}, nil, nil, nil)

	files, err := WriteSequatorProjects(p, SequatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	doc := readSequator(t, files.Stack)
	if len(doc.StarImages) != 1 {
		t.Fatalf("expected one star image, got %d", len(doc.StarImages))
	}
	img := doc.StarImages[0]
	if img.AbsolutePath != filepath.Join(cwd, rel) {
		t.Fatalf("absolute path = %q, want %q", img.AbsolutePath, filepath.Join(cwd, rel))
	}
	if img.RelativePath != rel {
		t.Fatalf("relative path = %q", img.RelativePath)
	}
}

func TestSequatorRejectsEmptyLights(t *testing.T) {
	root := t.TempDir()
	p := NewSessionProject(root, "empty", nil, nil, nil, nil)
	if _, err := WriteSequatorProjects(p, SequatorOptions{}); !errors.Is(err, ErrNoLights) {
		t.Fatalf("expected ErrNoLights, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "empty-Stack.sep")); !os.IsNotExist(err) {
		t.Fatalf("nothing should be written on rejection")
	}
}

func TestSequatorAllowEmptyLights(t *testing.T) {
	root := t.TempDir()
	p := NewSessionProject(root, "empty", nil, nil, nil, nil)
	files, err := WriteSequatorProjects(p, SequatorOptions{AllowEmptyLights: true})
	if err != nil {
		t.Fatalf("lenient generation: %v", err)
	}
	for _, path := range []string{files.Stack, files.Trail} {
		doc := readSequator(t, path)
		if len(doc.StarImages) != 0 || len(doc.BaseImages) != 0 {
			t.Fatalf("expected no star or base images in %s", path)
		}
	}
}

func TestSequatorIdempotent(t *testing.T) {
	root := t.TempDir()
	flat := filepath.Join(root, "flat.tif")
	touch(t, flat)
	p := NewSessionProject(root, "idem", lightPaths(root, 4), lightPaths(t.TempDir(), 2), []string{flat}, nil)

	first, err := WriteSequatorProjects(p, SequatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := os.ReadFile(first.Stack)
	second, err := WriteSequatorProjects(p, SequatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(second.Stack)
	if !bytes.Equal(a, b) {
		t.Fatalf("regeneration changed output")
	}
}
