package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type stubConverter struct {
	name      string
	available bool
	err       error
	calls     int
	write     bool
}

func (c *stubConverter) Name() string      { return c.name }
func (c *stubConverter) IsAvailable() bool { return c.available }

func (c *stubConverter) Convert(ctx context.Context, req RawConvertRequest) (RawConvertResult, error) {
	c.calls++
	if c.err != nil {
		return RawConvertResult{ProcessingLog: "boom log"}, c.err
	}
	res := RawConvertResult{ToolUsed: c.name}
	if c.write {
		if err := os.WriteFile(req.TIFFFile, []byte("tif"), 0o644); err != nil {
			return res, err
		}
		if err := os.WriteFile(req.JPEGFile, []byte("jpg"), 0o644); err != nil {
			return res, err
		}
		res.TIFFCreated, res.JPEGCreated = true, true
	}
	return res, nil
}

func TestConvertWithFallbackStopsAtFirstSuccess(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "m31_001.NEF")
	touch(t, src)

	failing := &stubConverter{name: "imagick", available: true, err: errors.New("decode failed")}
	missing := &stubConverter{name: "dcraw", available: false}
	working := &stubConverter{name: "other", available: true, write: true}
	never := &stubConverter{name: "manual", available: true}

	m := NewRawConverterManagerWith(nil, 95, failing, missing, working, never)
	res, err := m.ConvertWithFallback(context.Background(), src,
		filepath.Join(dir, "JPEG", "m31_001.jpg"), filepath.Join(dir, "TIFF", "m31_001.tif"))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.ToolUsed != "other" || !res.JPEGCreated || !res.TIFFCreated {
		t.Fatalf("unexpected result %+v", res)
	}
	if failing.calls != 1 || missing.calls != 0 || never.calls != 0 {
		t.Fatalf("unexpected call counts: %d %d %d", failing.calls, missing.calls, never.calls)
	}
}

func TestConvertWithFallbackNoopWhenOutputsExist(t *testing.T) {
	dir := t.TempDir()
	jpg := filepath.Join(dir, "a.jpg")
	tif := filepath.Join(dir, "a.tif")
	touch(t, jpg)
	touch(t, tif)

	conv := &stubConverter{name: "imagick", available: true, write: true}
	m := NewRawConverterManagerWith(nil, 95, conv)
	res, err := m.ConvertWithFallback(context.Background(), filepath.Join(dir, "a.NEF"), jpg, tif)
	if err != nil {
		t.Fatal(err)
	}
	if conv.calls != 0 || res.JPEGCreated || res.TIFFCreated {
		t.Fatalf("existing outputs must not be regenerated: %+v calls=%d", res, conv.calls)
	}
}

func TestConvertWithFallbackAggregatesFailures(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.NEF")
	touch(t, src)

	m := NewRawConverterManagerWith(nil, 95,
		&stubConverter{name: "imagick", available: true, err: errors.New("no delegate")},
		&stubConverter{name: "dcraw", available: false},
		ManualConverter{})
	_, err := m.ConvertWithFallback(context.Background(), src, filepath.Join(dir, "a.jpg"), filepath.Join(dir, "a.tif"))
	if err == nil {
		t.Fatalf("expected failure")
	}
	for _, want := range []string{"imagick failed: no delegate", "boom log", "dcraw not available", "manual failed"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestConvertAllContinuesAfterFailure(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	touch(t, filepath.Join(src, "a.NEF"))
	touch(t, filepath.Join(src, "b.NEF"))
	touch(t, filepath.Join(src, "notes.txt"))

	m := NewRawConverterManagerWith(nil, 95, &stubConverter{name: "imagick", available: true, write: true})
	results, err := m.ConvertAll(context.Background(), src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !fileExists(filepath.Join(dst, "TIFF", "b.tif")) || !fileExists(filepath.Join(dst, "JPEG", "a.jpg")) {
		t.Fatalf("outputs not written under dst")
	}
}

func TestSetOrderDropsDuplicates(t *testing.T) {
	m := NewRawConverterManagerWith(nil, 95)
	m.SetOrder([]string{"dcraw", " ", "imagick", "dcraw"})
	got := strings.Join(m.Order(), ",")
	if got != "dcraw,imagick" {
		t.Fatalf("order = %s", got)
	}
}

func TestDCrawConverterMovesOutput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in", "m31_001.NEF")
	touch(t, src)
	tif := filepath.Join(dir, "TIFF", "m31_001.tif")
	jpg := filepath.Join(dir, "JPEG", "m31_001.jpg")
	for _, d := range []string{filepath.Dir(tif), filepath.Dir(jpg)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	c := NewDCrawConverter("dcraw")
	c.run = func(ctx context.Context, d, name string, args ...string) (int, []byte, error) {
		got = append([]string{name}, args...)
		return 0, nil, os.WriteFile(strings.TrimSuffix(src, ".NEF")+".tiff", []byte("tif"), 0o644)
	}
	c.jpegMaker = func(tifPath, jpgPath string, quality int) error {
		return os.WriteFile(jpgPath, []byte("jpg"), 0o644)
	}

	res, err := c.Convert(context.Background(), RawConvertRequest{InputFile: src, TIFFFile: tif, JPEGFile: jpg, JPEGQuality: 95})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, " ") != "dcraw -T -6 -W "+src {
		t.Fatalf("unexpected command %v", got)
	}
	if !res.TIFFCreated || !res.JPEGCreated || !fileExists(tif) || !fileExists(jpg) {
		t.Fatalf("unexpected result %+v", res)
	}
	if fileExists(strings.TrimSuffix(src, ".NEF") + ".tiff") {
		t.Fatalf("dcraw output should have been moved")
	}
}

func TestDCrawConverterNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	c := NewDCrawConverter("")
	c.run = func(ctx context.Context, d, name string, args ...string) (int, []byte, error) {
		return 1, []byte("cannot decode"), nil
	}
	res, err := c.Convert(context.Background(), RawConvertRequest{
		InputFile: filepath.Join(dir, "a.NEF"),
		TIFFFile:  filepath.Join(dir, "a.tif"),
		JPEGFile:  filepath.Join(dir, "a.jpg"),
	})
	if err == nil || res.ProcessingLog != "cannot decode" {
		t.Fatalf("expected exit failure, got %v %+v", err, res)
	}
}
