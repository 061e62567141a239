package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ARC-Router/internal/config"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/observability/alerting"
	"ARC-Router/internal/task"
)

const sampleRules = `default:
  primary: gpt
  fallbacks: [claude]
rules:
  - kind: percentage
    primary: claude
    fallbacks: [gpt]
  - kind: statistics
    primary: gpt
    fallbacks: [claude, gemini]
    ensemble: true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRulesCheckCommand(t *testing.T) {
	rules := writeFile(t, "routes.yaml", sampleRules)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"rules", "check", rules})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("rules check: %v", err)
	}
	if !strings.Contains(out.String(), "3 rules OK") || !strings.Contains(out.String(), "ensemble") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestCheckRulesReportsUndeclaredAdapters(t *testing.T) {
	rules := writeFile(t, "routes.yaml", sampleRules)
	var out bytes.Buffer
	err := checkRules(&out, rules, []string{"gpt", "claude"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument || !strings.Contains(err.Error(), "statistics -> gemini") {
		t.Fatalf("expected undeclared gemini to be reported, got %v", err)
	}

	empty := writeFile(t, "empty.yaml", "rules: []\n")
	if err := checkRules(&out, empty, nil); err == nil {
		t.Fatalf("empty rule file should be rejected")
	}
}

func TestBuildTable(t *testing.T) {
	rules := writeFile(t, "routes.yaml", sampleRules)
	table, err := buildTable(&config.Config{Routing: config.RoutingConfig{RulesPath: rules}})
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	def, _ := table.GetRule(task.KindUnspecified)
	if def.Primary != "gpt" || len(table.ListRules()) != 3 {
		t.Fatalf("unexpected table: %+v", table.ListRules())
	}

	table, err = buildTable(&config.Config{Adapters: []config.AdapterConfig{{Name: "local"}}})
	if err != nil {
		t.Fatalf("build table without rules: %v", err)
	}
	if def, _ := table.GetRule(task.KindUnspecified); def.Primary != "local" {
		t.Fatalf("first adapter should become the default primary, got %+v", def)
	}

	if _, err := buildTable(&config.Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("missing default should be rejected, got %v", err)
	}
}

func TestBuildRegistry(t *testing.T) {
	registry, err := buildRegistry(context.Background(), []config.AdapterConfig{
		{Name: "local", Type: "python_bridge", PythonExecutable: "python3", ScriptPath: "bridge.py", Kinds: []string{"rate"}},
		{Name: "gpt", Type: "openai", APIKey: "sk-test"},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if names := registry.Names(); len(names) != 2 {
		t.Fatalf("unexpected adapters: %v", names)
	}
	local, _ := registry.Get("local")
	if !local.SupportsKind(task.KindRate) || local.SupportsKind(task.KindEquation) {
		t.Fatalf("kinds should restrict the python bridge")
	}

	_, err = buildRegistry(context.Background(), []config.AdapterConfig{{Name: "gpt", Type: "openai"}})
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("openai without key should fail, got %v", err)
	}
}

func TestBuildAlerts(t *testing.T) {
	d := buildAlerts(config.AlertingConfig{Log: true, Webhook: config.WebhookConfig{URL: "http://127.0.0.1:1/hook"}})
	fanout, ok := d.(*alerting.FanoutDispatcher)
	if !ok {
		t.Fatalf("unexpected dispatcher type %T", d)
	}
	if channels := fanout.Channels(); len(channels) != 2 {
		t.Fatalf("expected log and webhook channels, got %v", channels)
	}
}
