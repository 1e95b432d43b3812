package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".cr3":  {},
	".arw":  {},
	".rw2":  {},
	".orf":  {},
	".pef":  {},
	".raf":  {},
	".srw":  {},
	".x3f":  {},
}

var rawExts = map[string]struct{}{
	".dng": {},
	".nef": {},
	".cr2": {},
	".cr3": {},
	".arw": {},
	".rw2": {},
	".orf": {},
	".pef": {},
	".raf": {},
	".srw": {},
	".x3f": {},
}

// ListImages returns all image-like files under root, sorted.
func ListImages(root string) ([]string, error) {
	return walkMatching(root, IsImageFile)
}

// ListRAW returns all RAW camera files under root, sorted.
func ListRAW(root string) ([]string, error) {
	return walkMatching(root, IsRAWFile)
}

func walkMatching(root string, keep func(string) bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if keep(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// ListByExt lists the direct children of dir whose extension matches ext
// case-insensitively. A missing dir yields no files.
func ListByExt(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ext) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsRAWFile checks if a file is a RAW camera format.
func IsRAWFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isRaw := rawExts[ext]
	return isRaw
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// CopyFile streams src to dst, preserving the source mode.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// PlaceMethod records how LinkOrCopy materialized a file.
type PlaceMethod string

const (
	PlacedHardlink PlaceMethod = "hardlink"
	PlacedSymlink  PlaceMethod = "symlink"
	PlacedCopy     PlaceMethod = "copy"
	PlacedSkipped  PlaceMethod = "skipped"
)

// LinkOrCopy makes src visible at dst by hardlink, then symlink, then copy.
// An existing dst is left alone.
func LinkOrCopy(src, dst string) (PlaceMethod, error) {
	if _, err := os.Lstat(dst); err == nil {
		return PlacedSkipped, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.Link(src, dst); err == nil {
		return PlacedHardlink, nil
	}
	if abs, err := filepath.Abs(src); err == nil {
		if err := os.Symlink(abs, dst); err == nil {
			return PlacedSymlink, nil
		}
	}
	if err := CopyFile(src, dst); err != nil {
		return "", fmt.Errorf("place %s: %w", filepath.Base(src), err)
	}
	return PlacedCopy, nil
}
