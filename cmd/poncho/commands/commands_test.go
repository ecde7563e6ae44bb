package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/poncho/poncho/pkg/engine"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "abc123", "2024-03-04")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "poncho.yaml")
	content := "database:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "poncho.db") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestParseEventID(t *testing.T) {
	tests := []struct {
		arg     string
		want    int64
		wantErr bool
	}{
		{"12", 12, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseEventID(tt.arg)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseEventID(%q) error = %v, wantErr %v", tt.arg, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("parseEventID(%q) = %d, want %d", tt.arg, got, tt.want)
		}
	}
}

func TestParseAnnotationArgs(t *testing.T) {
	got, err := parseAnnotationArgs([]string{"ha_group_min=2", "reboot_when=TimeOfDay(22:00, 06:00)", "notify_url="})
	if err != nil {
		t.Fatalf("parseAnnotationArgs() error = %v", err)
	}
	if got["ha_group_min"] != "2" || got["reboot_when"] != "TimeOfDay(22:00, 06:00)" {
		t.Errorf("parseAnnotationArgs() = %v", got)
	}
	if v, ok := got["notify_url"]; !ok || v != "" {
		t.Errorf("empty value not kept: %v", got)
	}

	for _, bad := range []string{"ha_group_min", "=2"} {
		if _, err := parseAnnotationArgs([]string{bad}); err == nil {
			t.Errorf("parseAnnotationArgs(%q) expected error", bad)
		}
	}
}

func TestCreateOptionsRequest(t *testing.T) {
	opts := &createOptions{hosts: []string{"compute-1"}, workflow: engine.DeleteInstancesName, delay: 30, notify: 90}

	req := opts.request(false)
	if req.Notify != nil {
		t.Errorf("Notify = %v, want nil when the flag is unset", *req.Notify)
	}
	if req.Delay != 30*time.Minute {
		t.Errorf("Delay = %v, want 30m", req.Delay)
	}

	req = opts.request(true)
	if req.Notify == nil || *req.Notify != 90*time.Minute {
		t.Errorf("Notify = %v, want 90m", req.Notify)
	}
}

func TestServiceLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "--json", "service", "create",
		"-w", engine.DeleteInstancesName, "--hosts", "compute-1,compute-2",
		"--delay", "10", "--notify", "120", "--description", "Replacing DIMMs")
	if err != nil {
		t.Fatalf("create failed: %v\n%s", err, out)
	}
	var created engine.ServiceEvent
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode create output: %v\n%s", err, out)
	}
	if created.ID == 0 || len(created.Hosts) != 2 {
		t.Fatalf("created = %+v", created)
	}
	if got := created.BeginActiveDrainAt.Sub(created.BeginPassiveDrainAt); got != 110*time.Minute {
		t.Errorf("active - passive = %v, want 110m", got)
	}

	out, err = run(t, "--config", cfg, "--json", "service", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var events []engine.ServiceEvent
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("decode list output: %v\n%s", err, out)
	}
	if len(events) != 1 {
		t.Fatalf("list returned %d events, want 1", len(events))
	}

	if out, err := run(t, "--config", cfg, "service", "cancel", "1", "--silent"); err != nil {
		t.Fatalf("cancel failed: %v\n%s", err, out)
	}
	if _, err := run(t, "--config", cfg, "service", "complete", "1"); err == nil {
		t.Error("completing a canceled event should fail")
	}

	out, err = run(t, "--config", cfg, "service", "show", "1")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(out, engine.StateCanceled) {
		t.Errorf("show output does not mention %q:\n%s", engine.StateCanceled, out)
	}

	out, err = run(t, "--config", cfg, "--json", "service", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("open events after cancel = %s, want []", out)
	}
}

func TestServiceCreateDryRun(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "service", "create", "-w", engine.RestartInstancesName, "--hosts", "compute-1", "--dry")
	if err != nil {
		t.Fatalf("create failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Dry run") {
		t.Errorf("output does not mention the dry run:\n%s", out)
	}

	out, err = run(t, "--config", cfg, "--json", "service", "list", "--completed")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("dry run created an event: %s", out)
	}
}

func TestServiceCreateRequiresWorkflow(t *testing.T) {
	if _, err := run(t, "--config", writeConfig(t), "service", "create", "--hosts", "compute-1"); err == nil {
		t.Fatal("expected error without --workflow")
	}
}

func TestWorkflowCommands(t *testing.T) {
	out, err := run(t, "workflow", "list")
	if err != nil {
		t.Fatalf("workflow list failed: %v", err)
	}
	for _, name := range engine.BuiltinNames() {
		if !strings.Contains(out, name) {
			t.Errorf("workflow list does not mention %s", name)
		}
	}

	out, err = run(t, "workflow", "show", engine.DeleteInstancesName)
	if err != nil {
		t.Fatalf("workflow show failed: %v", err)
	}
	if !strings.Contains(out, engine.StateActiveDrain) {
		t.Errorf("workflow show does not mention %s:\n%s", engine.StateActiveDrain, out)
	}

	if _, err := run(t, "workflow", "show", "reimage"); err == nil {
		t.Error("expected error for an unknown workflow")
	}
}

func TestAnnotationCommands(t *testing.T) {
	out, err := run(t, "annotation", "keys")
	if err != nil {
		t.Fatalf("annotation keys failed: %v", err)
	}
	if !strings.Contains(out, "ha_group_min") {
		t.Errorf("keys output missing ha_group_min:\n%s", out)
	}

	if _, err := run(t, "annotation", "explain", "ha_group_min"); err != nil {
		t.Errorf("explain failed: %v", err)
	}
	if _, err := run(t, "annotation", "explain", "colour"); err == nil {
		t.Error("expected error explaining an unknown key")
	}

	if out, err := run(t, "annotation", "validate", "ha_group_min=2"); err != nil {
		t.Errorf("validate failed: %v\n%s", err, out)
	}
	out, err = run(t, "annotation", "validate", "ha_group_min=two", "ha_group_id=web")
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out, "FAIL") {
		t.Errorf("output does not report the failure:\n%s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "test") || !strings.Contains(out, "abc123") {
		t.Errorf("version output = %q", out)
	}
}
