package prompt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemplateDir(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for f, body := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	writeTemplateDir(t, root, "starcoder", map[string]string{
		"template.json": `{"kind":"fim","user":"<fim_prefix>{{QODE_PREFIX}}<fim_suffix>{{QODE_SUFFIX}}<fim_middle>","stop":["<|endoftext|>"]}`,
	})
	writeTemplateDir(t, root, "reviewer", map[string]string{
		"template.json": `{"name":"review","kind":"chat"}`,
		"system.md":     "You review {{QODE_LANGUAGE}} code.\n",
		"user.md":       "{{QODE_INSTRUCTIONS}}\n\n{{QODE_FILE_CONTEXT}}\n",
	})
	writeTemplateDir(t, root, "notes", map[string]string{"README.md": "no template here"})
	if err := os.WriteFile(filepath.Join(root, "stray.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadDir(root)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d templates, want 2", len(got))
	}
	byName := map[string]Template{}
	for _, tpl := range got {
		byName[tpl.Name] = tpl
	}
	if sc, ok := byName["starcoder"]; !ok || sc.Kind != KindFIM || len(sc.Stop) != 1 {
		t.Errorf("starcoder = %+v", sc)
	}
	rv, ok := byName["review"]
	if !ok {
		t.Fatalf("review template missing: %v", byName)
	}
	if rv.System != "You review {{QODE_LANGUAGE}} code." {
		t.Errorf("system = %q", rv.System)
	}
	if rv.User != "{{QODE_INSTRUCTIONS}}\n\n{{QODE_FILE_CONTEXT}}" {
		t.Errorf("user = %q", rv.User)
	}
}

func TestLoadDirMissing(t *testing.T) {
	got, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil || got != nil {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestLoadDirRejectsInvalidTemplate(t *testing.T) {
	root := t.TempDir()
	writeTemplateDir(t, root, "broken", map[string]string{
		"template.json": `{"kind":"fim","user":"{{QODE_PREFIX}} only"}`,
	})
	if _, err := LoadDir(root); !errors.Is(err, ErrTemplateInvalid) {
		t.Errorf("got %v, want ErrTemplateInvalid", err)
	}
}
