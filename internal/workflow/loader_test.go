package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeWorkflow(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "vehicle_scraping.yaml", `
name: Vehicle scraping
steps:
  - id: scrape
    agent_type: scraper
    job_type: scrape_page
    inputs:
      url: ${input.url}
    outputs: [html]
    timeout: 60s
  - id: extract
    agent_type: extractor
    dependencies: [scrape]
    inputs:
      html: ${scrape.html}
`)
	writeWorkflow(t, dir, "notes.txt", "not a workflow")

	defs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 workflow, got %d", len(defs))
	}

	def := defs["vehicle_scraping"]
	if def == nil {
		t.Fatal("expected id from filename")
	}
	if len(def.Steps) != 2 {
		t.Errorf("expected 2 steps, got %d", len(def.Steps))
	}
	if def.Steps[0].Timeout.Seconds() != 60 {
		t.Errorf("expected 60s timeout, got %v", def.Steps[0].Timeout)
	}
}

func TestLoadDirMissing(t *testing.T) {
	defs, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("expected empty set, got %d", len(defs))
	}
}

func TestValidateUnknownDependency(t *testing.T) {
	def := &Definition{
		ID: "bad",
		Steps: []StepDef{
			{ID: "a", AgentType: "scraper", Dependencies: []string{"ghost"}},
		},
	}
	err := def.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown step") {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
}

func TestValidateCycle(t *testing.T) {
	def := &Definition{
		ID: "cyclic",
		Steps: []StepDef{
			{ID: "a", AgentType: "x", Dependencies: []string{"c"}},
			{ID: "b", AgentType: "x", Dependencies: []string{"a"}},
			{ID: "c", AgentType: "x", Dependencies: []string{"b"}},
		},
	}
	err := def.Validate()
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateDuplicateStep(t *testing.T) {
	def := &Definition{
		ID: "dup",
		Steps: []StepDef{
			{ID: "a", AgentType: "x"},
			{ID: "a", AgentType: "y"},
		},
	}
	if err := def.Validate(); err == nil {
		t.Fatal("expected duplicate step error")
	}
}

func TestValidateSelfDependency(t *testing.T) {
	def := &Definition{
		ID: "selfish",
		Steps: []StepDef{
			{ID: "a", AgentType: "x", Dependencies: []string{"a"}},
		},
	}
	if err := def.Validate(); err == nil {
		t.Fatal("expected self-dependency error")
	}
}
