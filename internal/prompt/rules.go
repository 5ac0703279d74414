package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RulesDir is where project rules live, relative to the project root.
const RulesDir = ".qodeassist/rules"

// Rules are project-specific instructions appended to system prompts.
// Common applies to every request; Completion and Chat to their purpose.
type Rules struct {
	Common     string
	Completion string
	Chat       string
}

// text returns the rule text for a render. chat is set for chat turns;
// everything else, including chat-templated completions, uses the
// completion rules.
func (r Rules) text(chat bool) string {
	scoped := r.Completion
	if chat {
		scoped = r.Chat
	}
	parts := make([]string, 0, 2)
	for _, s := range []string{r.Common, scoped} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Empty reports whether no rule text was loaded.
func (r Rules) Empty() bool {
	return strings.TrimSpace(r.Common+r.Completion+r.Chat) == ""
}

// LoadRules reads root/.qodeassist/rules/{common,completions,chat}/*.md.
// Files are concatenated in name order. Missing directories are not an
// error.
func LoadRules(root string) (Rules, error) {
	if root == "" {
		return Rules{}, nil
	}
	base := filepath.Join(root, RulesDir)
	var r Rules
	var err error
	if r.Common, err = loadMarkdown(filepath.Join(base, "common")); err != nil {
		return Rules{}, err
	}
	if r.Completion, err = loadMarkdown(filepath.Join(base, "completions")); err != nil {
		return Rules{}, err
	}
	if r.Chat, err = loadMarkdown(filepath.Join(base, "chat")); err != nil {
		return Rules{}, err
	}
	return r, nil
}

func loadMarkdown(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading rules directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("reading rule %s: %w", name, err)
		}
		b.Write(data)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}
