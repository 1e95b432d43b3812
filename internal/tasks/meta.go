package tasks

import (
	"os/exec"
)

// commandExists checks presence of an executable in PATH.
func commandExists(name string) bool {
	if name == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
