package tasks

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestBaseFrameIsMiddleLight(t *testing.T) {
	for n := 1; n <= 9; n++ {
		var lights []string
		for i := 0; i < n; i++ {
			lights = append(lights, fmt.Sprintf("/frames/l%02d.tif", i))
		}
		p := NewSessionProject("/frames", "p", lights, nil, nil, nil)
		base, ok := p.BaseFrame()
		if !ok {
			t.Fatalf("n=%d: expected base frame", n)
		}
		if base != lights[n/2] {
			t.Fatalf("n=%d: base = %s, want %s", n, base, lights[n/2])
		}
	}
}

func TestBaseFrameEmpty(t *testing.T) {
	p := NewSessionProject("/frames", "p", nil, nil, nil, nil)
	if _, ok := p.BaseFrame(); ok {
		t.Fatalf("empty lights must not produce a base frame")
	}
	if BaseFrameIndex(0) != 0 {
		t.Fatalf("index for zero lights is 0")
	}
}

func TestSessionProjectCopiesInput(t *testing.T) {
	lights := []string{"/a.tif", "/b.tif"}
	p := NewSessionProject("/", "p", lights, nil, nil, nil)
	lights[0] = "/mutated.tif"
	if p.Lights.Paths[0] != "/a.tif" {
		t.Fatalf("project must not observe caller mutations")
	}
	if p.Lights.Role != RoleLights || p.Biases.Role != RoleBiases {
		t.Fatalf("roles not assigned")
	}
}

func TestNewPathReference(t *testing.T) {
	root := t.TempDir()
	cases := []struct {
		name    string
		path    string
		wantRel string
	}{
		{"inside", filepath.Join(root, "lights", "a.tif"), filepath.Join("lights", "a.tif")},
		{"sibling prefix", root + "-other/a.tif", ""},
		{"parent", filepath.Dir(root), ""},
		{"unclean inside", filepath.Join(root, "x", "..", "b.tif"), "b.tif"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref := NewPathReference(root, tc.path)
			if ref.Relative != tc.wantRel {
				t.Fatalf("relative = %q, want %q", ref.Relative, tc.wantRel)
			}
			if !filepath.IsAbs(ref.Absolute) {
				t.Fatalf("absolute path missing: %q", ref.Absolute)
			}
			if ref.HasRelative() != (tc.wantRel != "") {
				t.Fatalf("HasRelative mismatch")
			}
		})
	}
}

func TestNewPathReferenceWithoutRoot(t *testing.T) {
	ref := NewPathReference("", "/data/a.tif")
	if ref.Relative != "" || ref.Absolute != "/data/a.tif" {
		t.Fatalf("unexpected reference %+v", ref)
	}
}
