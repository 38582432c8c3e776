package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "config"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("TETHER_CONFIG", "")
	if got := resolveConfigPath(""); got != "tether.yaml" {
		t.Errorf("default path = %q", got)
	}
	if got := resolveConfigPath("/etc/tether.yaml"); got != "/etc/tether.yaml" {
		t.Errorf("explicit path = %q", got)
	}
	t.Setenv("TETHER_CONFIG", "/srv/tether.yaml")
	if got := resolveConfigPath(""); got != "/srv/tether.yaml" {
		t.Errorf("env path = %q", got)
	}
}

func TestConfigCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.yaml")
	if err := os.WriteFile(path, []byte("server:\n  host: 0.0.0.0\n  port: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"config", "check", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out.String(), "0.0.0.0:9000") {
		t.Errorf("output = %q", out.String())
	}
}
