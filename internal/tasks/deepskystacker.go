package tasks

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// DSSHeader is the first line DeepSkyStacker expects in an opened file list.
const DSSHeader = "DeepSkyStacker file list"

var dssSectionLabels = map[FrameRole]string{
	RoleLights: "LIGHTS",
	RoleDarks:  "DARKS",
	RoleFlats:  "FLATS",
	RoleBiases: "BIAS/Offset",
}

// DSSSectionLabel returns the marker text for role.
func DSSSectionLabel(role FrameRole) string {
	return dssSectionLabels[role]
}

// RenderDSSFileList builds the file list body. Empty sets produce no section.
func RenderDSSFileList(sets ...FrameSet) []byte {
	byRole := make(map[FrameRole][]string, len(sets))
	for _, s := range sets {
		byRole[s.Role] = append(byRole[s.Role], s.Paths...)
	}

	var buf bytes.Buffer
	buf.WriteString(DSSHeader + "\n")
	buf.WriteString("\n")
	for _, role := range FrameRoles {
		paths := byRole[role]
		if len(paths) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "# %s\n", DSSSectionLabel(role))
		for _, p := range paths {
			buf.WriteString(absPath(p) + "\n")
		}
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

// WriteDSSFileList writes the list to output, creating its directory, and
// returns the path written.
func WriteDSSFileList(output string, lights, darks, flats, biases []string) (string, error) {
	return WriteDSSProject(output, NewSessionProject(filepath.Dir(output), "", lights, darks, flats, biases))
}

// WriteDSSProject writes every frame set of p to output.
func WriteDSSProject(output string, p SessionProject) (string, error) {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	data := RenderDSSFileList(p.Sets()...)
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return "", err
	}
	return output, nil
}
