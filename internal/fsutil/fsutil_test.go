package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListRAWIsRecursiveSortedAndCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "b", "B.NEF"), "")
	write(t, filepath.Join(dir, "a.nef"), "")
	write(t, filepath.Join(dir, "c.jpg"), "")
	write(t, filepath.Join(dir, "notes.txt"), "")

	files, err := ListRAW(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "a.nef"), filepath.Join(dir, "b", "B.NEF")}
	if len(files) != len(want) {
		t.Fatalf("got %v", files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("files[%d] = %s, want %s", i, files[i], want[i])
		}
	}

	images, err := ListImages(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 3 {
		t.Fatalf("expected 3 images, got %v", images)
	}
}

func TestListByExt(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "2.TIF"), "")
	write(t, filepath.Join(dir, "1.tif"), "")
	write(t, filepath.Join(dir, "x.jpg"), "")
	write(t, filepath.Join(dir, "sub", "3.tif"), "")

	files, err := ListByExt(dir, ".tif")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "1.tif" || filepath.Base(files[1]) != "2.TIF" {
		t.Fatalf("unexpected listing %v", files)
	}

	if files, err := ListByExt(filepath.Join(dir, "missing"), ".tif"); err != nil || files != nil {
		t.Fatalf("missing dir should be empty, got %v %v", files, err)
	}
}

func TestLinkOrCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in", "frame.NEF")
	write(t, src, "raw")
	dst := filepath.Join(dir, "lights", "NEF", "frame.NEF")

	method, err := LinkOrCopy(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if method == PlacedSkipped {
		t.Fatalf("first placement must not skip")
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "raw" {
		t.Fatalf("placed file unreadable: %v %q", err, data)
	}

	method, err = LinkOrCopy(src, dst)
	if err != nil || method != PlacedSkipped {
		t.Fatalf("existing destination should be skipped, got %s %v", method, err)
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	write(t, src, "hello")
	dst := filepath.Join(dir, "b")
	if err := CopyFile(src, dst); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(dst); string(data) != "hello" {
		t.Fatalf("copy mismatch %q", data)
	}
	if err := CopyFile(filepath.Join(dir, "missing"), dst); err == nil {
		t.Fatalf("expected error for missing source")
	}
}

func TestIsRAWFile(t *testing.T) {
	if !IsRAWFile("x.NEF") || IsRAWFile("x.tif") {
		t.Fatalf("raw detection wrong")
	}
	if FirstExisting("/definitely/missing", os.TempDir()) != os.TempDir() {
		t.Fatalf("FirstExisting should find temp dir")
	}
}
