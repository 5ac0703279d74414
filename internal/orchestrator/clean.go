package orchestrator

import (
	"strings"

	"github.com/nidhogg/codeassist/internal/prompt"
)

// cleanCompletion turns a chat model's answer into insertable code. Fenced
// code is kept as is; prose outside fences is kept as comments in the
// language of the file (or of the fence tag, when it names one). Text
// without any fence is returned unchanged.
func cleanCompletion(text, path string, langs *prompt.Languages) string {
	if !strings.Contains(text, "```") {
		return text
	}
	lang := langs.ForPath(path)
	var out, pending strings.Builder
	inFence := false

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		prefix := lang.Comment
		if prefix == "" {
			prefix = "//"
		}
		for _, line := range strings.Split(strings.TrimSuffix(pending.String(), "\n"), "\n") {
			if line == "" {
				out.WriteString("\n")
				continue
			}
			out.WriteString(prefix + " " + line + "\n")
		}
		pending.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if !inFence {
				tag := strings.TrimSpace(trimmed[3:])
				fenceLang, known := langs.ForAlias(tag)
				if known {
					lang = fenceLang
				}
				flush()
				if !known && tag != "" {
					out.WriteString(tag + "\n")
				}
			}
			inFence = !inFence
			continue
		}
		if inFence {
			out.WriteString(line + "\n")
			continue
		}
		pending.WriteString(trimmed + "\n")
	}
	flush()
	return strings.TrimRight(out.String(), "\n")
}
