package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/basket/helpline/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriteMinimalConfig(t *testing.T) {
	home := t.TempDir()
	if err := writeMinimalConfig(home); err != nil {
		t.Fatalf("writeMinimalConfig: %v", err)
	}

	data, err := os.ReadFile(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}
	if len(cfg.Agents) == 0 {
		t.Fatal("expected starter agents in generated config")
	}
	if cfg.BindAddr == "" {
		t.Fatal("expected bind_addr in generated config")
	}

	instruction, err := os.ReadFile(filepath.Join(home, "INSTRUCTION.md"))
	if err != nil {
		t.Fatalf("read INSTRUCTION.md: %v", err)
	}
	if !strings.Contains(string(instruction), "helpline") {
		t.Fatalf("unexpected default instruction: %q", instruction)
	}
}

func TestWriteMinimalConfig_KeepsExistingInstruction(t *testing.T) {
	home := t.TempDir()
	custom := "custom root instruction\n"
	if err := os.WriteFile(filepath.Join(home, "INSTRUCTION.md"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := writeMinimalConfig(home); err != nil {
		t.Fatalf("writeMinimalConfig: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(home, "INSTRUCTION.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != custom {
		t.Fatalf("existing INSTRUCTION.md was overwritten: %q", got)
	}
}

func TestResolveAuthToken(t *testing.T) {
	t.Run("explicit config token wins", func(t *testing.T) {
		cfg := config.Config{HomeDir: t.TempDir(), BindAddr: "0.0.0.0:18790", AuthToken: "configured"}
		tok, err := resolveAuthToken(cfg, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		if tok != "configured" {
			t.Fatalf("got %q, want configured token", tok)
		}
	})

	t.Run("loopback stays open", func(t *testing.T) {
		cfg := config.Config{HomeDir: t.TempDir(), BindAddr: "127.0.0.1:18790"}
		tok, err := resolveAuthToken(cfg, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		if tok != "" {
			t.Fatalf("expected open loopback, got token %q", tok)
		}
	})

	t.Run("non-loopback generates and persists", func(t *testing.T) {
		home := t.TempDir()
		cfg := config.Config{HomeDir: home, BindAddr: "0.0.0.0:18790"}
		tok, err := resolveAuthToken(cfg, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		if tok == "" {
			t.Fatal("expected generated token for non-loopback bind")
		}

		again, err := resolveAuthToken(cfg, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		if again != tok {
			t.Fatalf("token not stable across runs: %q vs %q", again, tok)
		}
	})
}

func TestAgentInstructionFiles(t *testing.T) {
	cfg := config.Config{Agents: []config.AgentConfigEntry{
		{Name: "a", InstructionFile: "agents/a.md"},
		{Name: "b", Instruction: "inline"},
		{Name: "c", InstructionFile: "agents/c.md"},
	}}
	files := agentInstructionFiles(cfg)
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2: %v", len(files), files)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nHELPLINE_TEST_DOTENV=from_file\nHELPLINE_TEST_PRESET=from_file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HELPLINE_TEST_DOTENV", "")
	os.Unsetenv("HELPLINE_TEST_DOTENV")
	t.Setenv("HELPLINE_TEST_PRESET", "from_env")

	loadDotEnv(path)

	if got := os.Getenv("HELPLINE_TEST_DOTENV"); got != "from_file" {
		t.Fatalf("dotenv value not loaded: %q", got)
	}
	if got := os.Getenv("HELPLINE_TEST_PRESET"); got != "from_env" {
		t.Fatalf("dotenv must not override existing env: %q", got)
	}
}

func TestIsAddrInUse(t *testing.T) {
	if isAddrInUse(os.ErrNotExist) {
		t.Fatal("unrelated error misclassified as addr-in-use")
	}
}
