package prompt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	editorctx "github.com/nidhogg/codeassist/internal/context"
)

func newTestEngine() *Engine {
	return NewEngine(nil, zap.NewNop())
}

func TestRenderFIMSubstitutesAllPlaceholders(t *testing.T) {
	tpl := Template{
		Name: "test-fim",
		Kind: KindFIM,
		User: "<PRE>{{QODE_PREFIX}}<SUF>{{QODE_SUFFIX}}<MID>// {{QODE_INSTRUCTIONS}}",
	}
	w := &editorctx.Window{Prefix: "foo(", Suffix: ")"}

	out, err := newTestEngine().Render(tpl, w, "complete")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Prompt != "<PRE>foo(<SUF>)<MID>// complete" {
		t.Errorf("prompt = %q", out.Prompt)
	}
	if strings.Contains(out.Prompt, "{{QODE_") {
		t.Errorf("residual placeholder in %q", out.Prompt)
	}
}

func TestRenderIsNotRecursive(t *testing.T) {
	tpl := Template{Name: "t", Kind: KindFIM, User: "{{QODE_PREFIX}}|{{QODE_SUFFIX}}"}
	w := &editorctx.Window{Prefix: "{{QODE_SUFFIX}}", Suffix: "{{QODE_INSTRUCTIONS}}"}

	out, err := newTestEngine().Render(tpl, w, "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Prompt != "{{QODE_SUFFIX}}|{{QODE_INSTRUCTIONS}}" {
		t.Errorf("substituted values were re-expanded: %q", out.Prompt)
	}
}

func TestRenderRejectsIncompleteFIM(t *testing.T) {
	cases := []Template{
		{Name: "no-suffix", Kind: KindFIM, User: "{{QODE_PREFIX}}"},
		{Name: "no-prefix", Kind: KindFIM, User: "x", Suffix: "{{QODE_SUFFIX}}"},
		{Name: "bad-kind", Kind: "completion", User: "{{QODE_PREFIX}}{{QODE_SUFFIX}}"},
		{Name: "", Kind: KindChat},
	}
	for _, tpl := range cases {
		if _, err := newTestEngine().Render(tpl, nil, ""); !errors.Is(err, ErrTemplateInvalid) {
			t.Errorf("%q: got %v, want ErrTemplateInvalid", tpl.Name, err)
		}
	}

	chat := Template{Name: "chat-only", Kind: KindChat, User: "{{QODE_INSTRUCTIONS}}"}
	if err := chat.Validate(); err != nil {
		t.Errorf("chat template without prefix/suffix should be valid: %v", err)
	}
}

func TestRenderNativeSuffixSplit(t *testing.T) {
	tpl := Template{Name: "split", Kind: KindFIM, User: PlaceholderPrefix, Suffix: PlaceholderSuffix}
	out, err := newTestEngine().Render(tpl, &editorctx.Window{Prefix: "a", Suffix: "b"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Prompt != "a" || out.Suffix != "b" {
		t.Errorf("got prompt %q suffix %q", out.Prompt, out.Suffix)
	}
	if len(out.Messages) != 0 {
		t.Errorf("FIM render produced messages")
	}
}

func TestRenderChatEmbedsContext(t *testing.T) {
	tpl := Template{Name: "c", Kind: KindChat, System: "lang={{QODE_LANGUAGE}}"}
	w := &editorctx.Window{
		Path:      "src/lib.rs",
		Prefix:    "fn main() {",
		Suffix:    "}",
		OpenFiles: []editorctx.OpenFile{{Path: "src/util.rs", Content: "pub fn x() {}"}},
	}

	out, err := newTestEngine().Render(tpl, w, "finish the function")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.System != "lang=rust" {
		t.Errorf("system = %q", out.System)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != RoleUser {
		t.Fatalf("messages = %+v", out.Messages)
	}
	msg := out.Messages[0].Content
	for _, want := range []string{"Language: rust", "src/lib.rs", "fn main() {<cursor>}", "pub fn x() {}", "finish the function"} {
		if !strings.Contains(msg, want) {
			t.Errorf("user message missing %q:\n%s", want, msg)
		}
	}
}

func TestRenderChatPrependsHistory(t *testing.T) {
	tpl := Template{Name: "c", Kind: KindChat, User: PlaceholderInstructions}
	hist := []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}

	out, err := newTestEngine().RenderChat(tpl, nil, "next", hist)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Messages) != 3 || out.Messages[2].Content != "next" {
		t.Errorf("messages = %+v", out.Messages)
	}
	if len(hist) != 2 {
		t.Errorf("history slice was modified")
	}

	if _, err := newTestEngine().RenderChat(Template{Name: "f", Kind: KindFIM, User: "{{QODE_PREFIX}}{{QODE_SUFFIX}}"}, nil, "x", nil); !errors.Is(err, ErrTemplateInvalid) {
		t.Errorf("FIM template accepted for chat: %v", err)
	}
}

func TestRenderCustomBody(t *testing.T) {
	tpl := Template{
		Name: "custom",
		Kind: KindFIM,
		Body: json.RawMessage(`{"input":{"before":"{{QODE_PREFIX}}","after":"{{QODE_SUFFIX}}"},"n":2,"tags":["{{QODE_LANGUAGE}}"]}`),
	}
	out, err := newTestEngine().Render(tpl, &editorctx.Window{Path: "a.py", Prefix: "x = ", Suffix: "\n"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got struct {
		Input struct{ Before, After string }
		N     int
		Tags  []string
	}
	if err := json.Unmarshal(out.Body, &got); err != nil {
		t.Fatalf("rendered body is not JSON: %v", err)
	}
	if got.Input.Before != "x = " || got.Input.After != "\n" || got.N != 2 || got.Tags[0] != "python" {
		t.Errorf("body = %s", out.Body)
	}
}
