// Package patch parses, validates and applies the unified diffs produced by
// the patch-generation service. Validation is strict: target paths must pass
// the central workspace allowlist and structurally broken or dangerous diffs
// are rejected before anything touches the working copy.
package patch

import (
	"strings"

	"git.home.luguber.info/inful/cifixer/internal/taskerr"
	"git.home.luguber.info/inful/cifixer/internal/workspace"
)

// Line is one line of a hunk body.
type Line struct {
	Op      byte // ' ', '+', '-'
	Content string
}

// Hunk is one @@-delimited change block.
type Hunk struct {
	OldStart, OldCount int
	NewStart, NewCount int
	Lines              []Line
}

// FileDiff is the change set for a single file.
type FileDiff struct {
	Path    string // repo-relative target path
	IsNew   bool   // old side is /dev/null
	Hunks   []Hunk
}

// maxDiffBytes caps accepted diff size; a model gone off the rails can emit
// megabytes of garbage.
const maxDiffBytes = 512 * 1024

// maxFilesPerDiff bounds the blast radius of a single patch.
const maxFilesPerDiff = 10

// Parse reads a unified diff into file diffs. The accepted grammar is the
// subset git and the LLM emit: optional "diff --git"/index headers, "---" and
// "+++" file headers with optional a/ b/ prefixes, then hunks.
func Parse(diff string) ([]FileDiff, error) {
	if len(diff) == 0 {
		return nil, taskerr.Input("patch.parse", "empty diff")
	}
	if len(diff) > maxDiffBytes {
		return nil, taskerr.Safety("patch.parse", "diff exceeds size limit")
	}

	var files []FileDiff
	var current *FileDiff
	var oldPath string

	lines := strings.Split(diff, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "):
			oldPath = stripDiffPrefix(strings.TrimSpace(line[4:]))
		case strings.HasPrefix(line, "+++ "):
			newPath := stripDiffPrefix(strings.TrimSpace(line[4:]))
			if newPath == "/dev/null" {
				return nil, taskerr.Safety("patch.parse", "file deletion not allowed: "+oldPath)
			}
			files = append(files, FileDiff{Path: newPath, IsNew: oldPath == "/dev/null"})
			current = &files[len(files)-1]
		case strings.HasPrefix(line, "@@"):
			if current == nil {
				return nil, taskerr.Input("patch.parse", "hunk before file header")
			}
			hunk, ok := parseHunkHeader(line)
			if !ok {
				return nil, taskerr.Input("patch.parse", "malformed hunk header: "+line)
			}
			// Collect hunk body.
			for i+1 < len(lines) {
				body := lines[i+1]
				if len(body) == 0 {
					// Blank context line (trailing newline artifacts).
					hunk.Lines = append(hunk.Lines, Line{Op: ' ', Content: ""})
					i++
					continue
				}
				op := body[0]
				if op != ' ' && op != '+' && op != '-' {
					if body == `\ No newline at end of file` {
						i++
						continue
					}
					break
				}
				hunk.Lines = append(hunk.Lines, Line{Op: op, Content: body[1:]})
				i++
				if hunkComplete(hunk) {
					break
				}
			}
			current.Hunks = append(current.Hunks, *hunk)
		}
	}

	if len(files) == 0 {
		return nil, taskerr.Input("patch.parse", "no file headers in diff")
	}
	if len(files) > maxFilesPerDiff {
		return nil, taskerr.Safety("patch.parse", "diff touches too many files")
	}
	for _, f := range files {
		if len(f.Hunks) == 0 {
			return nil, taskerr.Input("patch.parse", "file without hunks: "+f.Path)
		}
	}
	return files, nil
}

func hunkComplete(h *Hunk) bool {
	var olds, news int
	for _, l := range h.Lines {
		switch l.Op {
		case ' ':
			olds++
			news++
		case '-':
			olds++
		case '+':
			news++
		}
	}
	return olds >= h.OldCount && news >= h.NewCount
}

func stripDiffPrefix(p string) string {
	// Drop timestamp suffixes some tools append after a tab.
	if idx := strings.IndexByte(p, '\t'); idx >= 0 {
		p = p[:idx]
	}
	if p == "/dev/null" {
		return p
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(p, prefix) {
			return p[len(prefix):]
		}
	}
	return p
}

// parseHunkHeader parses "@@ -l[,c] +l[,c] @@ ...".
func parseHunkHeader(line string) (*Hunk, bool) {
	rest := strings.TrimPrefix(line, "@@")
	end := strings.Index(rest, "@@")
	if end < 0 {
		return nil, false
	}
	fields := strings.Fields(rest[:end])
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return nil, false
	}
	oldStart, oldCount, ok := parseRange(fields[0][1:])
	if !ok {
		return nil, false
	}
	newStart, newCount, ok := parseRange(fields[1][1:])
	if !ok {
		return nil, false
	}
	return &Hunk{OldStart: oldStart, OldCount: oldCount, NewStart: newStart, NewCount: newCount}, true
}

func parseRange(s string) (start, count int, ok bool) {
	count = 1
	numPart := s
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		numPart = s[:idx]
		count = 0
		for _, r := range s[idx+1:] {
			if r < '0' || r > '9' {
				return 0, 0, false
			}
			count = count*10 + int(r-'0')
		}
	}
	if numPart == "" {
		return 0, 0, false
	}
	for _, r := range numPart {
		if r < '0' || r > '9' {
			return 0, 0, false
		}
		start = start*10 + int(r-'0')
	}
	return start, count, true
}

// Validate checks every target path against the central allowlist. Returns a
// safety error on the first violation.
func Validate(files []FileDiff) error {
	for _, f := range files {
		if err := workspace.ValidatePatchPath(f.Path); err != nil {
			return taskerr.Safety("patch.validate", err.Error())
		}
	}
	return nil
}
