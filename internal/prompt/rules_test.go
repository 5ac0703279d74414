package prompt

import (
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	editorctx "github.com/nidhogg/codeassist/internal/context"
)

func TestLoadRules(t *testing.T) {
	root := t.TempDir()
	rules := filepath.Join(root, ".qodeassist", "rules")
	writeTemplateDir(t, rules, "common", map[string]string{
		"b-style.md": "Use tabs.",
		"a-intro.md": "This is a Go project.",
		"notes.txt":  "ignored",
	})
	writeTemplateDir(t, rules, "chat", map[string]string{"tone.md": "Answer briefly."})

	got, err := LoadRules(root)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if got.Common != "This is a Go project.\n\nUse tabs.\n\n" {
		t.Errorf("common = %q", got.Common)
	}
	if got.Completion != "" || got.Chat != "Answer briefly.\n\n" {
		t.Errorf("rules = %+v", got)
	}

	empty, err := LoadRules(t.TempDir())
	if err != nil || !empty.Empty() {
		t.Errorf("missing rules dir: %+v %v", empty, err)
	}
}

func TestRulesAppendedPerPurpose(t *testing.T) {
	e := NewEngine(nil, zap.NewNop(), WithRules(Rules{
		Common:     "Project uses {{QODE_PREFIX}} literally.\n\n",
		Completion: "Prefer short completions.\n\n",
		Chat:       "Answer briefly.\n\n",
	}))
	w := &editorctx.Window{Path: "main.go", Prefix: "x := ", Suffix: ""}

	fim := Template{Name: "fim", Kind: KindFIM, System: "You complete code.", User: "{{QODE_PREFIX}}<fill>{{QODE_SUFFIX}}"}
	out, err := e.Render(fim, w, "")
	if err != nil {
		t.Fatal(err)
	}
	want := "You complete code.\n\nProject uses {{QODE_PREFIX}} literally.\n\nPrefer short completions."
	if out.System != want {
		t.Errorf("completion system = %q, want %q", out.System, want)
	}

	chat := Template{Name: "chat", Kind: KindChat}
	out, err = e.RenderChat(chat, w, "why?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out.System, "Answer briefly.") || strings.Contains(out.System, "short completions") {
		t.Errorf("chat system = %q", out.System)
	}
}
