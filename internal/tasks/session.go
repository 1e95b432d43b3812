package tasks

import (
	"errors"
	"path/filepath"
	"strings"
)

// FrameRole names the purpose of a set of exposures in a capture session.
type FrameRole string

const (
	RoleLights FrameRole = "lights"
	RoleDarks  FrameRole = "darks"
	RoleFlats  FrameRole = "flats"
	RoleBiases FrameRole = "biases"
)

// FrameRoles lists roles in the order project files emit them.
var FrameRoles = []FrameRole{RoleLights, RoleDarks, RoleFlats, RoleBiases}

// ErrNoLights is returned when a project needs at least one light frame.
var ErrNoLights = errors.New("session has no light frames")

// FrameSet pairs a role with an ordered list of frame paths.
type FrameSet struct {
	Role  FrameRole
	Paths []string
}

// Len reports the number of frames in the set.
func (f FrameSet) Len() int { return len(f.Paths) }

// Empty is true when the set holds no frames.
func (f FrameSet) Empty() bool { return len(f.Paths) == 0 }

// SessionProject describes one stacking session. Build it with NewSessionProject
// and treat it as read-only afterwards.
type SessionProject struct {
	Root   string
	Name   string
	Lights FrameSet
	Darks  FrameSet
	Flats  FrameSet
	Biases FrameSet
}

// NewSessionProject copies the caller's slices so later edits do not leak in.
func NewSessionProject(root, name string, lights, darks, flats, biases []string) SessionProject {
	return SessionProject{
		Root:   root,
		Name:   name,
		Lights: FrameSet{Role: RoleLights, Paths: clonePaths(lights)},
		Darks:  FrameSet{Role: RoleDarks, Paths: clonePaths(darks)},
		Flats:  FrameSet{Role: RoleFlats, Paths: clonePaths(flats)},
		Biases: FrameSet{Role: RoleBiases, Paths: clonePaths(biases)},
	}
}

// Sets returns the frame sets in emission order.
func (p SessionProject) Sets() []FrameSet {
	return []FrameSet{p.Lights, p.Darks, p.Flats, p.Biases}
}

// BaseFrameIndex is the middle frame of n lights, 0 when n is 0.
func BaseFrameIndex(n int) int {
	if n <= 0 {
		return 0
	}
	return n / 2
}

// BaseFrame returns the reference light frame and false when there are no lights.
func (p SessionProject) BaseFrame() (string, bool) {
	if p.Lights.Empty() {
		return "", false
	}
	return p.Lights.Paths[BaseFrameIndex(p.Lights.Len())], true
}

// Flat returns the single supported flat frame.
func (p SessionProject) Flat() (string, bool) {
	if p.Flats.Empty() {
		return "", false
	}
	return p.Flats.Paths[0], true
}

// PathReference locates a frame on disk. Relative is empty when the frame
// does not sit under the project root.
type PathReference struct {
	Absolute string
	Relative string
}

// HasRelative reports whether the frame lies inside the project root.
func (r PathReference) HasRelative() bool { return r.Relative != "" }

// Reference resolves path against the project root.
func (p SessionProject) Reference(path string) PathReference {
	return NewPathReference(p.Root, path)
}

// NewPathReference always fills Absolute. Relative is only set when path is
// contained in root; cross-volume paths leave it empty.
func NewPathReference(root, path string) PathReference {
	ref := PathReference{Absolute: absPath(path)}
	if root == "" {
		return ref
	}
	rel, err := filepath.Rel(absPath(root), ref.Absolute)
	if err != nil {
		return ref
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ref
	}
	ref.Relative = rel
	return ref
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func clonePaths(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
