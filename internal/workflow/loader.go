package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir reads every workflow definition under dir (*.yaml, *.yml) and
// validates each graph. A missing directory yields an empty set.
func LoadDir(dir string) (map[string]*Definition, error) {
	defs := make(map[string]*Definition)
	if dir == "" {
		return defs, nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return defs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		ext := filepath.Ext(name)
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read workflow %s: %w", name, err)
		}
		def := &Definition{}
		if err := yaml.Unmarshal(data, def); err != nil {
			return nil, fmt.Errorf("parse workflow %s: %w", name, err)
		}
		if def.ID == "" {
			def.ID = strings.TrimSuffix(name, ext)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", def.ID, err)
		}
		if _, exists := defs[def.ID]; exists {
			return nil, fmt.Errorf("duplicate workflow id %q", def.ID)
		}
		defs[def.ID] = def
	}
	return defs, nil
}

// Validate checks step identity, dependency references and graph acyclicity.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}

	steps := make(map[string]*StepDef, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if step.AgentType == "" {
			return fmt.Errorf("step %s has no agent_type", step.ID)
		}
		if _, dup := steps[step.ID]; dup {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		steps[step.ID] = step
	}

	for _, step := range d.Steps {
		for _, dep := range step.Dependencies {
			if _, ok := steps[dep]; !ok {
				return fmt.Errorf("step %s depends on unknown step %q", step.ID, dep)
			}
			if dep == step.ID {
				return fmt.Errorf("step %s depends on itself", step.ID)
			}
		}
	}

	return d.checkCycles(steps)
}

// checkCycles runs a three-color DFS over the dependency edges.
func (d *Definition) checkCycles(steps map[string]*StepDef) error {
	const (
		white = iota // unvisited
		gray         // on the current path
		black        // done
	)
	color := make(map[string]int, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("dependency cycle through step %q", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range steps[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, step := range d.Steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}
	return nil
}
