package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// fuzzWindow is how far (in lines) a hunk may drift from its declared
// position before application fails. Model-generated diffs frequently carry
// slightly stale line numbers.
const fuzzWindow = 25

// Apply writes the parsed diff into the working copy rooted at dir and
// returns the list of touched repo-relative paths. Paths must already have
// passed Validate; Apply still refuses to follow anything outside dir.
func Apply(dir string, files []FileDiff) ([]string, error) {
	var touched []string
	for _, f := range files {
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		rel, err := filepath.Rel(dir, target)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, taskerr.Safety("patch.apply", "resolved path escapes working copy: "+f.Path)
		}

		var content string
		if f.IsNew {
			content = ""
		} else {
			data, err := os.ReadFile(target)
			if err != nil {
				return nil, taskerr.Input("patch.apply", fmt.Sprintf("target file missing: %s", f.Path))
			}
			content = string(data)
		}

		patched, err := applyFile(content, f)
		if err != nil {
			return nil, err
		}

		if f.IsNew {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, taskerr.Transient("patch.apply", err)
			}
		}
		if err := os.WriteFile(target, []byte(patched), 0o644); err != nil {
			return nil, taskerr.Transient("patch.apply", err)
		}
		touched = append(touched, f.Path)
	}
	return touched, nil
}

func applyFile(content string, f FileDiff) (string, error) {
	src := strings.Split(content, "\n")
	if content == "" {
		src = nil
	}

	var out []string
	cursor := 0 // index into src of the next unconsumed line
	for hi, hunk := range f.Hunks {
		start, err := locateHunk(src, cursor, hunk, f.Path, hi)
		if err != nil {
			return "", err
		}
		out = append(out, src[cursor:start]...)
		pos := start
		for _, l := range hunk.Lines {
			switch l.Op {
			case ' ':
				out = append(out, src[pos])
				pos++
			case '-':
				pos++
			case '+':
				out = append(out, l.Content)
			}
		}
		cursor = pos
	}
	out = append(out, src[cursor:]...)
	return strings.Join(out, "\n"), nil
}

// locateHunk finds where a hunk's old side matches the source, starting from
// the declared position and fuzzing outward.
func locateHunk(src []string, cursor int, hunk Hunk, path string, index int) (int, error) {
	want := oldSide(hunk)
	declared := hunk.OldStart - 1
	if declared < cursor {
		declared = cursor
	}
	if matchesAt(src, declared, want) {
		return declared, nil
	}
	for delta := 1; delta <= fuzzWindow; delta++ {
		if declared+delta <= len(src)-len(want) && matchesAt(src, declared+delta, want) {
			return declared + delta, nil
		}
		if declared-delta >= cursor && matchesAt(src, declared-delta, want) {
			return declared - delta, nil
		}
	}
	return 0, taskerr.Input("patch.apply",
		fmt.Sprintf("hunk %d does not apply to %s", index+1, path))
}

func oldSide(h Hunk) []string {
	var out []string
	for _, l := range h.Lines {
		if l.Op == ' ' || l.Op == '-' {
			out = append(out, l.Content)
		}
	}
	return out
}

func matchesAt(src []string, at int, want []string) bool {
	if at < 0 || at+len(want) > len(src) {
		return len(want) == 0 && at <= len(src)
	}
	for i, w := range want {
		if src[at+i] != w {
			return false
		}
	}
	return true
}
