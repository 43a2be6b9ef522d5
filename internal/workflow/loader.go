package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/quill/pkg/models"
)

// definitionsFile is the on-disk layout of extra workflow definitions.
//
//	workflows:
//	  - name: quick_post
//	    steps:
//	      - id: draft
//	        required: true
//	        next: review
//	        capability: writer
//	      - id: review
//	        capability: reviewer
type definitionsFile struct {
	Workflows []models.WorkflowDefinition `yaml:"workflows"`
}

// LoadDefinitions reads workflow definitions from a YAML file.
func LoadDefinitions(path string) ([]models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes and validates YAML workflow definitions.
func ParseDefinitions(data []byte) ([]models.WorkflowDefinition, error) {
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflow definitions: %w", err)
	}
	for _, def := range f.Workflows {
		if err := Validate(def); err != nil {
			return nil, err
		}
	}
	return f.Workflows, nil
}

// LoadGraph returns the default graph extended with the definitions in
// path. An empty path yields the default graph.
func LoadGraph(path string) (*Graph, error) {
	g := DefaultGraph()
	if path == "" {
		return g, nil
	}
	defs, err := LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if err := g.Register(def); err != nil {
			return nil, err
		}
	}
	return g, nil
}
