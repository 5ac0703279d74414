package prompt

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Language maps file extensions to a canonical language name.
type Language struct {
	Name       string   `json:"name"`
	Comment    string   `json:"comment"`
	Aliases    []string `json:"aliases,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
}

// Generic is used when no language matches a file.
var Generic = Language{Name: "text"}

var builtinLanguages = []Language{
	{Name: "go", Comment: "//", Aliases: []string{"go", "golang"}, Extensions: []string{"go"}},
	{Name: "c", Comment: "//", Aliases: []string{"c"}, Extensions: []string{"c", "h"}},
	{Name: "cpp", Comment: "//", Aliases: []string{"cpp", "c++"}, Extensions: []string{"cpp", "cc", "cxx", "hpp", "hh", "hxx"}},
	{Name: "python", Comment: "#", Aliases: []string{"python", "py"}, Extensions: []string{"py", "pyi"}},
	{Name: "javascript", Comment: "//", Aliases: []string{"javascript", "js"}, Extensions: []string{"js", "mjs", "cjs", "jsx"}},
	{Name: "typescript", Comment: "//", Aliases: []string{"typescript", "ts"}, Extensions: []string{"ts", "tsx"}},
	{Name: "java", Comment: "//", Aliases: []string{"java"}, Extensions: []string{"java"}},
	{Name: "rust", Comment: "//", Aliases: []string{"rust", "rs"}, Extensions: []string{"rs"}},
	{Name: "csharp", Comment: "//", Aliases: []string{"c#", "cs", "csharp"}, Extensions: []string{"cs"}},
	{Name: "kotlin", Comment: "//", Aliases: []string{"kotlin", "kt"}, Extensions: []string{"kt", "kts"}},
	{Name: "swift", Comment: "//", Aliases: []string{"swift"}, Extensions: []string{"swift"}},
	{Name: "scala", Comment: "//", Aliases: []string{"scala"}, Extensions: []string{"scala", "sc"}},
	{Name: "php", Comment: "//", Aliases: []string{"php"}, Extensions: []string{"php"}},
	{Name: "ruby", Comment: "#", Aliases: []string{"ruby", "rb"}, Extensions: []string{"rb"}},
	{Name: "perl", Comment: "#", Aliases: []string{"perl", "pl"}, Extensions: []string{"pl", "pm"}},
	{Name: "r", Comment: "#", Aliases: []string{"r"}, Extensions: []string{"r"}},
	{Name: "haskell", Comment: "--", Aliases: []string{"haskell", "hs"}, Extensions: []string{"hs"}},
	{Name: "qml", Comment: "//", Aliases: []string{"qml"}, Extensions: []string{"qml"}},
	{Name: "shell", Comment: "#", Aliases: []string{"bash", "sh", "shell"}, Extensions: []string{"sh", "bash", "zsh"}},
	{Name: "cmake", Comment: "#", Aliases: []string{"cmake"}, Extensions: []string{"cmake"}},
	{Name: "sql", Comment: "--", Aliases: []string{"sql"}, Extensions: []string{"sql"}},
	{Name: "lua", Comment: "--", Aliases: []string{"lua"}, Extensions: []string{"lua"}},
	{Name: "yaml", Comment: "#", Aliases: []string{"yaml", "yml"}, Extensions: []string{"yaml", "yml"}},
	{Name: "markdown", Comment: "", Aliases: []string{"markdown", "md"}, Extensions: []string{"md"}},
}

// Languages resolves languages by extension or model-reported alias.
// Entries added later override earlier ones on collision.
type Languages struct {
	mu      sync.RWMutex
	byExt   map[string]Language
	byAlias map[string]Language
}

// NewLanguages returns the built-in table extended by extra.
func NewLanguages(extra ...Language) *Languages {
	l := &Languages{
		byExt:   make(map[string]Language),
		byAlias: make(map[string]Language),
	}
	for _, lang := range builtinLanguages {
		l.Add(lang)
	}
	for _, lang := range extra {
		l.Add(lang)
	}
	return l
}

// Add registers lang, replacing any entry sharing an extension or alias.
func (l *Languages) Add(lang Language) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ext := range lang.Extensions {
		l.byExt[normExt(ext)] = lang
	}
	l.byAlias[strings.ToLower(lang.Name)] = lang
	for _, a := range lang.Aliases {
		l.byAlias[strings.ToLower(a)] = lang
	}
}

// ForPath returns the language for a file path, or Generic.
func (l *Languages) ForPath(path string) Language {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lang, ok := l.byExt[normExt(filepath.Ext(path))]; ok {
		return lang
	}
	return Generic
}

// ForAlias looks a language up by a name a model reports, such as the
// tag on a fenced code block.
func (l *Languages) ForAlias(alias string) (Language, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lang, ok := l.byAlias[strings.ToLower(strings.TrimSpace(alias))]
	return lang, ok
}

// ParseLanguages parses user-declared languages, one per line, in the form
// "name,comment,aliases,extensions" with space-separated lists, for
// example "rust,//,rust rs,rs". Blank lines are skipped.
func ParseLanguages(lines []string) ([]Language, error) {
	var out []Language
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return nil, fmt.Errorf("language line %d: want 4 comma-separated fields, got %d", i+1, len(fields))
		}
		name := strings.TrimSpace(fields[0])
		if name == "" {
			return nil, fmt.Errorf("language line %d: empty name", i+1)
		}
		exts := strings.Fields(fields[3])
		if len(exts) == 0 {
			return nil, fmt.Errorf("language line %d: %s has no extensions", i+1, name)
		}
		out = append(out, Language{
			Name:       name,
			Comment:    strings.TrimSpace(fields[1]),
			Aliases:    strings.Fields(fields[2]),
			Extensions: exts,
		})
	}
	return out, nil
}

// FileInfo renders the one-line file description given to chat models.
func FileInfo(lang Language, path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		ext = "none"
	}
	return fmt.Sprintf("Language: %s (comment: %s) filepath: %s (%s)", lang.Name, lang.Comment, path, ext)
}

func normExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
