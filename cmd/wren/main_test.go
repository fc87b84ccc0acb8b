package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	out, _, err := runCLI(t)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "Usage: wren") {
		t.Errorf("usage output missing, got %q", out)
	}
}

func TestRun_HelpFlag(t *testing.T) {
	for _, flag := range []string{"-h", "-help", "--help"} {
		out, _, err := runCLI(t, flag)
		if err != nil {
			t.Fatalf("run %s: %v", flag, err)
		}
		if !strings.Contains(out, "Usage: wren") {
			t.Errorf("%s: usage output missing", flag)
		}
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	_, _, err := runCLI(t, "frobnicate")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v, want unknown command", err)
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	_, _, err := runCLI(t, "-bogus")
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("err = %v, want unknown flag", err)
	}
}

func TestRun_VersionText(t *testing.T) {
	out, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(out, "Wren") {
		t.Errorf("version output = %q", out)
	}
	for _, field := range []string{"version:", "go_version:", "os:", "arch:"} {
		if !strings.Contains(out, field) {
			t.Errorf("version output missing %s", field)
		}
	}
}

func TestRun_VersionJSON(t *testing.T) {
	out, _, err := runCLI(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("run version: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version JSON does not parse: %v\n%s", err, out)
	}
	if info["version"] == "" {
		t.Error("version field empty")
	}
}

func TestRun_BadOutputFormat(t *testing.T) {
	_, _, err := runCLI(t, "-o", "yaml", "version")
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("err = %v, want unknown output format", err)
	}
}

func TestRun_ConfigFlagVariants(t *testing.T) {
	// Both "-config path" and "-config=path" must parse; a nonexistent
	// path must surface as a config error, not a flag error.
	for _, args := range [][]string{
		{"-config", "/nonexistent/config.yaml", "serve"},
		{"-config=/nonexistent/config.yaml", "serve"},
	} {
		_, _, err := runCLI(t, args...)
		if err == nil || !strings.Contains(err.Error(), "config file not found") {
			t.Errorf("%v: err = %v, want config file not found", args, err)
		}
	}
}
