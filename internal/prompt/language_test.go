package prompt

import (
	"strings"
	"testing"
)

func TestParseLanguages(t *testing.T) {
	langs, err := ParseLanguages([]string{"rust,//,rust rs,rs", "", "zig,//,zig,zig zon"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(langs) != 2 {
		t.Fatalf("got %d languages, want 2", len(langs))
	}
	if langs[1].Name != "zig" || len(langs[1].Extensions) != 2 || langs[0].Comment != "//" {
		t.Errorf("parsed %+v", langs)
	}

	for _, bad := range []string{"rust,//", ",//,x,rs", "odd,#,odd,"} {
		if _, err := ParseLanguages([]string{bad}); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestLanguagesUserOverridesBuiltin(t *testing.T) {
	l := NewLanguages(
		Language{Name: "objc", Comment: "//", Extensions: []string{"h"}},
		Language{Name: "header", Comment: "//", Extensions: []string{".H"}},
	)
	if got := l.ForPath("include/x.h").Name; got != "header" {
		t.Errorf("ForPath(.h) = %q, want last declared entry", got)
	}
	if got := l.ForPath("main.go").Name; got != "go" {
		t.Errorf("ForPath(.go) = %q", got)
	}
}

func TestLanguagesFallback(t *testing.T) {
	l := NewLanguages()
	if got := l.ForPath("README"); got.Name != Generic.Name {
		t.Errorf("got %q, want generic", got.Name)
	}
	if lang, ok := l.ForAlias("Golang"); !ok || lang.Name != "go" {
		t.Errorf("ForAlias(Golang) = %+v, %v", lang, ok)
	}
	if !strings.Contains(FileInfo(Generic, "Makefile"), "(none)") {
		t.Errorf("FileInfo = %q", FileInfo(Generic, "Makefile"))
	}
}

func TestBuiltinLanguages(t *testing.T) {
	l := NewLanguages()
	for path, want := range map[string]string{
		"App.kt":       "kotlin",
		"lib/x.rb":     "ruby",
		"index.php":    "php",
		"Program.cs":   "csharp",
		"View.swift":   "swift",
		"Main.scala":   "scala",
		"analysis.R":   "r",
		"tool.pl":      "perl",
		"Main.hs":      "haskell",
		"CMakeLists.x": "text",
	} {
		if got := l.ForPath(path).Name; got != want {
			t.Errorf("ForPath(%s) = %q, want %q", path, got, want)
		}
	}
	if lang, ok := l.ForAlias("c#"); !ok || lang.Name != "csharp" {
		t.Errorf("ForAlias(c#) = %+v, %v", lang, ok)
	}
	if lang := l.ForPath("Main.hs"); lang.Comment != "--" {
		t.Errorf("haskell comment = %q", lang.Comment)
	}
}

func TestCatalog(t *testing.T) {
	c, err := NewCatalog(Template{Name: "mine", Kind: KindFIM, User: "{{QODE_PREFIX}}{{QODE_SUFFIX}}", Providers: []string{"ollama"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tpl := range c.List("", "") {
		if err := tpl.Validate(); err != nil {
			t.Errorf("built-in %s invalid: %v", tpl.Name, err)
		}
	}
	found := false
	for _, tpl := range c.List("ollama", KindFIM) {
		if tpl.Name == "mine" {
			found = true
		}
		if tpl.Kind != KindFIM {
			t.Errorf("kind filter leaked %s", tpl.Name)
		}
	}
	if !found {
		t.Error("custom template not listed for ollama")
	}
	if _, err := c.Get("missing"); err == nil {
		t.Error("expected error for unknown template")
	}
	if _, err := NewCatalog(Template{Name: "broken", Kind: KindFIM, User: "x"}); err == nil {
		t.Error("expected invalid custom template to be rejected")
	}
}
