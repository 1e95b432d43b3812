package tasks

import (
	"errors"
	"path/filepath"
)

// ProjectRequest is the wire form of a project generation call.
type ProjectRequest struct {
	Root       string   `json:"root"`
	Name       string   `json:"name"`
	Output     string   `json:"output,omitempty"`
	Lights     []string `json:"lights"`
	Darks      []string `json:"darks,omitempty"`
	Flats      []string `json:"flats,omitempty"`
	Biases     []string `json:"biases,omitempty"`
	AllowEmpty bool     `json:"allow_empty,omitempty"`
}

// ProjectResponse lists the files a generation call wrote.
type ProjectResponse struct {
	Stack string `json:"stack,omitempty"`
	Trail string `json:"trail,omitempty"`
	List  string `json:"list,omitempty"`
}

// Project converts the request into a SessionProject.
func (r ProjectRequest) Project() SessionProject {
	return NewSessionProject(r.Root, r.Name, r.Lights, r.Darks, r.Flats, r.Biases)
}

// GenerateSequator writes both documents for the request.
func (r ProjectRequest) GenerateSequator() (ProjectResponse, error) {
	if r.Root == "" || r.Name == "" {
		return ProjectResponse{}, errors.New("root and name are required")
	}
	files, err := WriteSequatorProjects(r.Project(), SequatorOptions{AllowEmptyLights: r.AllowEmpty})
	if err != nil {
		return ProjectResponse{}, err
	}
	return ProjectResponse{Stack: files.Stack, Trail: files.Trail}, nil
}

// GenerateDSS writes the file list to Output, or <root>/<name>.txt.
func (r ProjectRequest) GenerateDSS() (ProjectResponse, error) {
	out := r.Output
	if out == "" {
		if r.Root == "" || r.Name == "" {
			return ProjectResponse{}, errors.New("output, or root and name, are required")
		}
		out = filepath.Join(r.Root, r.Name+".txt")
	}
	list, err := WriteDSSProject(out, r.Project())
	if err != nil {
		return ProjectResponse{}, err
	}
	return ProjectResponse{List: list}, nil
}
