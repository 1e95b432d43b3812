package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"astrosorter/internal/fsutil"
)

// Tree format directories under each frame kind.
const (
	FormatRAW  = "NEF"
	FormatJPEG = "JPEG"
	FormatTIFF = "TIFF"
)

// TreeFormats is the per-kind directory layout of an organized session.
var TreeFormats = []string{FormatRAW, FormatJPEG, FormatTIFF}

// DefaultSession is used when no session name is given.
const DefaultSession = "session"

// ScanRaw walks dir and returns every RAW frame, sorted.
func ScanRaw(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return fsutil.ListRAW(dir)
}

// RenameEntry maps one frame to its session name.
type RenameEntry struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RenameResult is the outcome of one RenameEntry.
type RenameResult struct {
	RenameEntry
	Err error `json:"-"`
}

// SessionName trims name and falls back to DefaultSession.
func SessionName(name string) string {
	if s := strings.TrimSpace(name); s != "" {
		return s
	}
	return DefaultSession
}

// PlanRename numbers files from 1 as "<session>_NNN<ext>" next to the
// original, in the order given.
func PlanRename(files []string, session string) []RenameEntry {
	session = SessionName(session)
	plan := make([]RenameEntry, 0, len(files))
	for i, f := range files {
		name := fmt.Sprintf("%s_%03d%s", session, i+1, filepath.Ext(f))
		plan = append(plan, RenameEntry{From: f, To: filepath.Join(filepath.Dir(f), name)})
	}
	return plan
}

// ApplyRename renames every entry. A failure is recorded on its result and
// the remaining entries are still attempted; an existing target is never
// overwritten.
func ApplyRename(plan []RenameEntry) []RenameResult {
	results := make([]RenameResult, 0, len(plan))
	for _, e := range plan {
		res := RenameResult{RenameEntry: e}
		switch {
		case e.From == e.To:
		case fileExists(e.To):
			res.Err = fmt.Errorf("target exists: %s", e.To)
		default:
			res.Err = os.Rename(e.From, e.To)
		}
		results = append(results, res)
	}
	return results
}

// BuildTree creates <dst>/<kind>/{NEF,JPEG,TIFF} for every frame role.
func BuildTree(dst string) error {
	for _, role := range FrameRoles {
		for _, format := range TreeFormats {
			if err := os.MkdirAll(TreeDir(dst, role, format), 0o755); err != nil {
				return fmt.Errorf("create tree: %w", err)
			}
		}
	}
	return nil
}

// TreeDir is <dst>/<role>/<format>.
func TreeDir(dst string, role FrameRole, format string) string {
	return filepath.Join(dst, string(role), format)
}

// Placement reports where a frame landed and how.
type Placement struct {
	Source string             `json:"source"`
	Target string             `json:"target"`
	Method fsutil.PlaceMethod `json:"method"`
	Err    error              `json:"-"`
}

// Place links src into dir, falling back to symlink then copy.
func Place(src, dir string) Placement {
	target := filepath.Join(dir, filepath.Base(src))
	method, err := fsutil.LinkOrCopy(src, target)
	return Placement{Source: src, Target: target, Method: method, Err: err}
}

// Organize builds the tree under dst and places every frame into
// lights/NEF.
func Organize(files []string, dst string) ([]Placement, error) {
	if err := BuildTree(dst); err != nil {
		return nil, err
	}
	dir := TreeDir(dst, RoleLights, FormatRAW)
	out := make([]Placement, 0, len(files))
	var failed int
	for _, f := range files {
		p := Place(f, dir)
		if p.Err != nil {
			failed++
		}
		out = append(out, p)
	}
	if failed > 0 {
		return out, fmt.Errorf("%d of %d frames could not be placed", failed, len(files))
	}
	return out, nil
}

// Discover collects the frame sets of an organized tree. Lights come from
// lights/TIFF, or lights/JPEG when no TIFF exists. The project root is
// <dst>/lights and its name is "<session>_lights".
func Discover(dst, session string) (SessionProject, error) {
	lights, err := fsutil.ListByExt(TreeDir(dst, RoleLights, FormatTIFF), ".tif")
	if err != nil {
		return SessionProject{}, err
	}
	if len(lights) == 0 {
		if lights, err = fsutil.ListByExt(TreeDir(dst, RoleLights, FormatJPEG), ".jpg"); err != nil {
			return SessionProject{}, err
		}
	}
	var sets [3][]string
	for i, role := range []FrameRole{RoleDarks, RoleFlats, RoleBiases} {
		if sets[i], err = fsutil.ListByExt(TreeDir(dst, role, FormatTIFF), ".tif"); err != nil {
			return SessionProject{}, err
		}
	}
	name := SessionName(session) + "_lights"
	return NewSessionProject(filepath.Join(dst, string(RoleLights)), name, lights, sets[0], sets[1], sets[2]), nil
}
