package config

import (
	"os"
	"testing"
)

func TestStarterAgents_Count(t *testing.T) {
	agents := StarterAgents()
	if len(agents) != 5 {
		t.Fatalf("expected 5 starter agents, got %d", len(agents))
	}
}

func TestStarterAgents_ExpectedNames(t *testing.T) {
	agents := StarterAgents()
	expected := map[string]bool{
		"hr_policy":     true,
		"it_support":    true,
		"history":       true,
		"email_summary": true,
		"ticketing":     true,
	}
	for _, a := range agents {
		if !expected[a.Name] {
			t.Errorf("unexpected agent name: %q", a.Name)
		}
		delete(expected, a.Name)
	}
	for missing := range expected {
		t.Errorf("missing expected agent: %q", missing)
	}
}

func TestStarterAgents_FieldsNonEmpty(t *testing.T) {
	for _, a := range StarterAgents() {
		if a.Name == "" {
			t.Error("agent has empty Name")
		}
		if a.Description == "" {
			t.Errorf("agent %s: empty Description", a.Name)
		}
		if a.Instruction == "" {
			t.Errorf("agent %s: empty Instruction", a.Name)
		}
	}
}

func TestStarterAgents_PassSchemaValidation(t *testing.T) {
	if err := ValidateAgents(StarterAgents()); err != nil {
		t.Fatalf("starter agents failed validation: %v", err)
	}
}

func TestLoad_PopulatesStarterAgentsWhenEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	oldHome := os.Getenv("HELPLINE_HOME")
	defer os.Setenv("HELPLINE_HOME", oldHome)
	os.Setenv("HELPLINE_HOME", tmpDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if len(cfg.Agents) != 5 {
		t.Fatalf("expected 5 starter agents, got %d", len(cfg.Agents))
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis on empty home")
	}
}
