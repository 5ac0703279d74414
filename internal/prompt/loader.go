package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDir scans dir for template subdirectories. Each one holds a
// template.json and optionally system.md and user.md, which override the
// corresponding fields. A missing dir yields no templates and no error.
func LoadDir(dir string) ([]Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading template directory %s: %w", dir, err)
	}

	var out []Template
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		t, ok, err := loadTemplateDir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading template %s: %w", entry.Name(), err)
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func loadTemplateDir(dir string) (Template, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, "template.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Template{}, false, nil
		}
		return Template{}, false, fmt.Errorf("reading template.json: %w", err)
	}

	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return Template{}, false, fmt.Errorf("parsing template.json in %s: %w", dir, err)
	}
	if t.Name == "" {
		t.Name = filepath.Base(dir)
	}

	for file, field := range map[string]*string{"system.md": &t.System, "user.md": &t.User} {
		if text, err := os.ReadFile(filepath.Join(dir, file)); err == nil {
			*field = strings.TrimRight(string(text), "\r\n")
		}
	}

	if err := t.Validate(); err != nil {
		return Template{}, false, err
	}
	return t, true, nil
}
