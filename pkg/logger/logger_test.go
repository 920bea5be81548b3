package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitFansOutToEveryOutput(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "app.log")
	second := filepath.Join(dir, "b", "app.log")

	if err := Init(Config{Level: "debug", OutputPaths: []string{first, second}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Named("toolserver").Debug("connected", "server", "filesystem")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for _, path := range []string{first, second} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
			t.Fatalf("decode %s: %v (%q)", path, err, data)
		}
		if entry["msg"] != "connected" || entry["component"] != "toolserver" || entry["server"] != "filesystem" {
			t.Fatalf("unexpected entry in %s: %+v", path, entry)
		}
	}
}

func TestAuditWritesToRotatingFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")

	err := Init(Config{
		Format:      "text",
		OutputPaths: []string{filepath.Join(dir, "app.log")},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Audit().Info("task completed", "task_id", "task_1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), `"task_id":"task_1"`) || !strings.Contains(string(data), `"stream":"audit"`) {
		t.Fatalf("unexpected audit content: %s", data)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
