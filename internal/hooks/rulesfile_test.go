package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const sampleRules = `
rules:
  - id: block-shell
    type: pre_tool_use
    priority: 10
    toolNamePattern: "^runjs$"
    inputMatchers:
      code: "process\\.exit"
    action: deny
    reason: no process control
  - id: audit
    type: post_tool_use
    action: log
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRulesFile(t *testing.T) {
	p := NewPipeline(nil, nil)
	path := writeRules(t, sampleRules)
	if err := LoadRulesFile(p, path); err != nil {
		t.Fatal(err)
	}

	result := p.Evaluate(context.Background(), DecisionInput{
		Type: DecisionPreToolUse, ToolName: "runjs",
		ToolInput: []byte(`{"code":"process.exit(1)"}`),
	})
	if result.Decision != Deny || result.Reason != "no process control" {
		t.Fatalf("result = %+v", result)
	}

	// non-matching input falls through
	result = p.Evaluate(context.Background(), DecisionInput{
		Type: DecisionPreToolUse, ToolName: "runjs",
		ToolInput: []byte(`{"code":"2+2"}`),
	})
	if result.Decision != Default {
		t.Fatalf("result = %+v, want default", result)
	}

	if !p.HasType(DecisionPostToolUse) {
		t.Error("log rule not registered")
	}
}

func TestLoadRulesFileReplacesPriorLoad(t *testing.T) {
	p := NewPipeline(nil, nil)
	path := writeRules(t, sampleRules)
	if err := LoadRulesFile(p, path); err != nil {
		t.Fatal(err)
	}

	// programmatic rules survive a reload; file rules are replaced
	mustRegister(t, p, &Rule{ID: "manual", Type: DecisionStop, Action: ActionDeny})

	if err := os.WriteFile(path, []byte("rules:\n  - id: only\n    type: stop\n    action: log\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadRulesFile(p, path); err != nil {
		t.Fatal(err)
	}

	if p.HasType(DecisionPreToolUse) {
		t.Error("stale file rule survived reload")
	}
	if r := p.Evaluate(context.Background(), DecisionInput{Type: DecisionStop}); r.Decision != Deny {
		t.Errorf("programmatic rule lost on reload: %+v", r)
	}
}

func TestLoadRulesFileRejectsBadRegex(t *testing.T) {
	p := NewPipeline(nil, nil)
	path := writeRules(t, "rules:\n  - id: bad\n    type: pre_tool_use\n    toolNamePattern: \"(\"\n    action: deny\n")
	if err := LoadRulesFile(p, path); err == nil {
		t.Error("invalid regex accepted")
	}
}
