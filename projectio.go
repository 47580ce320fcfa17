package backbeat

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ReadProject reads a project in the yaml format written by WriteProject.
// The engine itself never persists anything; this exists for the editing
// layer and the command line player.
func ReadProject(r io.Reader) (Project, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Project{}, fmt.Errorf("ReadProject: %w", err)
	}
	var p Project
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Project{}, fmt.Errorf("ReadProject: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Project{}, fmt.Errorf("ReadProject: %w", err)
	}
	return p, nil
}

// WriteProject writes the project as yaml.
func WriteProject(w io.Writer, p Project) error {
	b, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("WriteProject: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("WriteProject: %w", err)
	}
	return nil
}
