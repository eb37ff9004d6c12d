// Package buildtool runs the project's own build system to check that an
// applied patch still compiles. It never runs tests; validation is a compile
// gate, the real CI run happens on the pushed branch.
package buildtool

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// Tool identifies the detected build system.
type Tool string

const (
	ToolMaven  Tool = "maven"
	ToolGradle Tool = "gradle"
)

// Result is the outcome of a compile run. Success=false with a filled Output
// is a normal domain result, not an infrastructure error.
type Result struct {
	Tool     Tool
	Success  bool
	Output   string
	Duration time.Duration
}

// maxOutputBytes bounds the captured compiler output kept for re-prompting.
const maxOutputBytes = 256 << 10

// Runner executes compile validation in a working copy.
type Runner struct {
	timeout time.Duration
}

func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Runner{timeout: timeout}
}

// Detect figures out which build system owns the working copy.
func Detect(dir string) (Tool, error) {
	if fileExists(filepath.Join(dir, "pom.xml")) {
		return ToolMaven, nil
	}
	if fileExists(filepath.Join(dir, "build.gradle")) || fileExists(filepath.Join(dir, "build.gradle.kts")) {
		return ToolGradle, nil
	}
	return "", taskerr.Input("buildtool.detect", "no pom.xml or build.gradle in "+dir)
}

// Compile runs the compile goal for the detected tool and returns the result.
// Wrapper scripts checked into the repository take precedence over tools on
// PATH so the project builds with the version it pins.
func (r *Runner) Compile(ctx context.Context, dir string) (*Result, error) {
	tool, err := Detect(dir)
	if err != nil {
		return nil, err
	}

	name, args := commandFor(tool, dir)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	slog.Info("running compile validation", logfields.Path(dir), slog.String("tool", string(tool)))
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	res := &Result{
		Tool:     tool,
		Success:  runErr == nil,
		Output:   truncate(buf.String()),
		Duration: time.Since(start),
	}

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, taskerr.Transientf("buildtool.compile", "compile timed out after %s", r.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Compiler said no. That is a verdict, not a failure of ours.
			return res, nil
		}
		return nil, taskerr.Collaborator("buildtool.compile", "build tool unavailable: "+runErr.Error(), false, runErr)
	}
	return res, nil
}

func commandFor(tool Tool, dir string) (string, []string) {
	switch tool {
	case ToolMaven:
		if fileExists(filepath.Join(dir, "mvnw")) {
			return "./mvnw", []string{"-B", "-q", "compile"}
		}
		return "mvn", []string{"-B", "-q", "compile"}
	default:
		if fileExists(filepath.Join(dir, "gradlew")) {
			return "./gradlew", []string{"--console=plain", "compileJava"}
		}
		return "gradle", []string{"--console=plain", "compileJava"}
	}
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	// Keep the tail: build tools print the errors last.
	return "... (truncated)\n" + s[len(s)-maxOutputBytes:]
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
