package llm

import (
	"fmt"
	"strings"
)

// PromptFile is one candidate source file included in the prompt.
type PromptFile struct {
	Path    string
	Content string
}

// PromptRequest carries everything the prompt needs about the broken build.
type PromptRequest struct {
	ErrorClass      string
	ErrorSummary    string
	BuildExcerpt    string
	Files           []PromptFile
	PreviousFailure string // set on re-prompt after a rejected or failing patch
}

// Per-file cap keeps huge generated sources from crowding out the errors.
const maxFileChars = 24_000

// BuildPrompt renders the user message for the patch-generation request.
func BuildPrompt(req PromptRequest) string {
	var b strings.Builder

	b.WriteString("A Java CI build failed. Produce a minimal unified diff that fixes it.\n\n")
	fmt.Fprintf(&b, "Failure class: %s\n", req.ErrorClass)
	if req.ErrorSummary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", req.ErrorSummary)
	}

	if req.PreviousFailure != "" {
		b.WriteString("\nA previous attempt at this fix was rejected:\n")
		b.WriteString(indent(req.PreviousFailure))
		b.WriteString("\nProduce a different fix that avoids this problem.\n")
	}

	if req.BuildExcerpt != "" {
		b.WriteString("\nRelevant build output:\n```\n")
		b.WriteString(strings.TrimSpace(req.BuildExcerpt))
		b.WriteString("\n```\n")
	}

	for _, f := range req.Files {
		content := f.Content
		if len(content) > maxFileChars {
			content = content[:maxFileChars] + "\n... (truncated)"
		}
		fmt.Fprintf(&b, "\nFile %s:\n```\n%s\n```\n", f.Path, strings.TrimRight(content, "\n"))
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Emit one unified diff, no prose.\n")
	b.WriteString("- Use a/ and b/ path prefixes relative to the repository root.\n")
	b.WriteString("- Never delete files.\n")
	b.WriteString("- Keep the change as small as possible.\n")
	return b.String()
}

func indent(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n") + "\n"
}
