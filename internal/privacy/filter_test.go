package privacy

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/vibetea/vibetea/internal/envelope"
)

const sid = "00000000-0000-0000-0000-000000000001"

func ctx() Context {
	return Context{SessionID: sid, Project: "proj"}
}

func TestProjectAssistantToolUse(t *testing.T) {
	f := &Filter{}
	line := []byte(`{"type":"assistant","sessionId":"` + sid + `","message":{"role":"assistant","content":[{"type":"tool_use","name":"Read","input":{"file_path":"/home/user/proj/auth.rs"}}]}}`)

	envs := f.Project("host-a", line, ctx())
	if len(envs) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envs))
	}
	e := envs[0]
	if e.Type != envelope.TypeTool || e.Payload.Tool != "Read" || e.Payload.Status != "started" {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	if e.Payload.Context != "auth.rs" {
		t.Fatalf("context = %q, want auth.rs", e.Payload.Context)
	}
}

func TestBashEmitsOnlyDescription(t *testing.T) {
	f := &Filter{}
	line := []byte(`{"type":"assistant","sessionId":"` + sid + `","message":{"role":"assistant","content":[{"type":"tool_use","name":"Bash","input":{"command":"rm -rf /","description":"cleanup"}}]}}`)

	envs := f.Project("host-a", line, ctx())
	if len(envs) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envs))
	}
	e := envs[0]
	if e.Payload.Context != "cleanup" {
		t.Fatalf("context = %q, want cleanup", e.Payload.Context)
	}

	data, _ := json.Marshal(e)
	if strings.Contains(string(data), "rm -rf") {
		t.Fatalf("envelope leaked the bash command: %s", data)
	}
}

func TestProgressEmitsCompletedTool(t *testing.T) {
	f := &Filter{}
	line := []byte(`{"type":"progress","sessionId":"` + sid + `","toolName":"Read","hookEvent":"PostToolUse"}`)

	envs := f.Project("host-a", line, ctx())
	if len(envs) != 1 || envs[0].Payload.Status != "completed" || envs[0].Payload.Tool != "Read" {
		t.Fatalf("unexpected envelopes: %+v", envs)
	}
}

func TestUserEmitsActivity(t *testing.T) {
	f := &Filter{}
	line := []byte(`{"type":"user","sessionId":"` + sid + `"}`)

	envs := f.Project("host-a", line, ctx())
	if len(envs) != 1 || envs[0].Type != envelope.TypeActivity {
		t.Fatalf("unexpected envelopes: %+v", envs)
	}
}

func TestSummaryEmitsSessionEndedAndSummary(t *testing.T) {
	f := &Filter{}
	line := []byte(`{"type":"summary","sessionId":"` + sid + `","summary":"fixed the bug"}`)

	envs := f.Project("host-a", line, ctx())
	if len(envs) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envs))
	}
	if envs[0].Type != envelope.TypeSession || envs[0].Payload.Action != "ended" {
		t.Fatalf("first envelope should be session/ended: %+v", envs[0])
	}
	if envs[1].Type != envelope.TypeSummary || envs[1].Payload.Summary != "fixed the bug" {
		t.Fatalf("second envelope should carry summary: %+v", envs[1])
	}
}

func TestEmptySummaryOmitted(t *testing.T) {
	f := &Filter{}
	line := []byte(`{"type":"summary","sessionId":"` + sid + `","summary":""}`)

	envs := f.Project("host-a", line, ctx())
	if len(envs) != 1 {
		t.Fatalf("expected only the session/ended envelope, got %d", len(envs))
	}
}

func TestFileHistorySnapshotAndSystemYieldNothing(t *testing.T) {
	f := &Filter{}
	for _, typ := range []string{"file-history-snapshot", "system"} {
		line := []byte(`{"type":"` + typ + `","sessionId":"` + sid + `","diff":"secret diff content"}`)
		envs := f.Project("host-a", line, ctx())
		if len(envs) != 0 {
			t.Fatalf("type %s: expected no envelopes, got %+v", typ, envs)
		}
	}
}

func TestUnparseableLineDroppedAndCounted(t *testing.T) {
	f := &Filter{}
	before := f.Dropped()
	envs := f.Project("host-a", []byte(`not json`), ctx())
	if envs != nil {
		t.Fatalf("expected nil envelopes for bad json, got %+v", envs)
	}
	if f.Dropped() != before+1 {
		t.Fatalf("dropped counter not incremented")
	}
}

func TestFirstRecordEmitsSessionStarted(t *testing.T) {
	f := &Filter{}
	c := ctx()
	c.FirstRecord = true
	line := []byte(`{"type":"user","sessionId":"` + sid + `"}`)

	envs := f.Project("host-a", line, c)
	if len(envs) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envs))
	}
	if envs[0].Type != envelope.TypeSession || envs[0].Payload.Action != "started" {
		t.Fatalf("first envelope should be session/started: %+v", envs[0])
	}
	if envs[1].Type != envelope.TypeActivity {
		t.Fatalf("second envelope should be the activity: %+v", envs[1])
	}
}

func TestBasenameAllowlistFiltersDisallowedExtensions(t *testing.T) {
	f := &Filter{BasenameAllowlist: []string{".go"}}
	line := []byte(`{"type":"assistant","sessionId":"` + sid + `","message":{"role":"assistant","content":[{"type":"tool_use","name":"Read","input":{"file_path":"/secret/creds.env"}}]}}`)

	envs := f.Project("host-a", line, ctx())
	if len(envs) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envs))
	}
	if envs[0].Payload.Context != "[filtered]" {
		t.Fatalf("context = %q, want [filtered]", envs[0].Payload.Context)
	}
}

func TestNonFileOperatingToolHasNoContext(t *testing.T) {
	f := &Filter{}
	line := []byte(`{"type":"assistant","sessionId":"` + sid + `","message":{"role":"assistant","content":[{"type":"tool_use","name":"Grep","input":{"pattern":"secret query"}}]}}`)

	envs := f.Project("host-a", line, ctx())
	if len(envs) != 1 || envs[0].Payload.Context != "" {
		t.Fatalf("expected empty context for non-file tool, got %+v", envs)
	}
}

func TestProjectionIsDeterministic(t *testing.T) {
	f := &Filter{}
	line := []byte(`{"type":"assistant","sessionId":"` + sid + `","message":{"role":"assistant","content":[{"type":"tool_use","name":"Write","input":{"file_path":"/a/b/out.txt"}}]}}`)

	a := f.Project("host-a", line, ctx())
	b := f.Project("host-a", line, ctx())
	if len(a) != len(b) || a[0].Payload.Tool != b[0].Payload.Tool || a[0].Payload.Context != b[0].Payload.Context {
		t.Fatalf("projection not deterministic: %+v vs %+v", a, b)
	}
}
