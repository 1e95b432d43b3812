package tasks

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"astrosorter/internal/config"
)

func TestToolManagerCheckTool(t *testing.T) {
	look := func(name string) (string, error) {
		if name == "exiftool" {
			return "/usr/bin/exiftool", nil
		}
		return "", exec.ErrNotFound
	}
	run := func(ctx context.Context, d, name string, args ...string) (int, []byte, error) {
		return 0, []byte("12.76\n"), nil
	}
	tm := NewToolManager(config.Tools{}).WithCommandRunner(run, look)

	st := tm.CheckTool(context.Background(), "exiftool")
	if !st.Available || st.Path != "/usr/bin/exiftool" || st.Version != "12.76" {
		t.Fatalf("unexpected status %+v", st)
	}
	st = tm.CheckTool(context.Background(), "siril")
	if st.Available || !errors.Is(st.Error, exec.ErrNotFound) {
		t.Fatalf("siril should be missing: %+v", st)
	}

	all := tm.Status(context.Background(), nil)
	if len(all) != len(versionArgs) || all[0].Name != "DeepSkyStackerCL" {
		t.Fatalf("unexpected status list %+v", all)
	}
}

func TestExtractVersion(t *testing.T) {
	cases := map[string]string{
		"siril 1.2.1\n":                     "siril 1.2.1",
		"\nRaw photo decoder \"dcraw\" v9.28\nby Dave": "Raw photo decoder \"dcraw\" v9.28",
		"Some Tool Version 3\nfoo":           "Some Tool Version 3",
		"":                                  "unknown",
	}
	for in, want := range cases {
		if got := extractVersion(in); got != want {
			t.Fatalf("extractVersion(%q) = %q, want %q", in, got, want)
		}
	}
}
