// Package analysis provides the pure functions that seed stage payloads:
// build-log parsing and candidate-file ranking. No I/O happens here; the
// stages feed in log text and file listings and persist the results.
package analysis

import (
	"regexp"
	"strings"
)

// ErrorClass buckets a build failure by its dominant symptom.
type ErrorClass string

const (
	ErrorClassCompile    ErrorClass = "compile"
	ErrorClassTest       ErrorClass = "test"
	ErrorClassSpring     ErrorClass = "spring_context"
	ErrorClassDependency ErrorClass = "dependency"
	ErrorClassUnknown    ErrorClass = "unknown"
)

// FailureReport is the structured result of parsing a build log.
type FailureReport struct {
	Class        ErrorClass
	Summary      string
	FailingFiles []string // java source files implicated by the log
	ErrorLines   []string // raw log lines carrying the failure detail
}

var (
	// Maven compiler: [ERROR] /src/main/java/com/x/App.java:[12,8] cannot find symbol
	mavenErrorRe = regexp.MustCompile(`\[ERROR\]\s+(\S+\.java):\[(\d+),(\d+)\]\s*(.*)`)
	// javac: App.java:12: error: ';' expected
	javacErrorRe = regexp.MustCompile(`(\S+\.java):(\d+):\s*(?:error|warning):\s*(.*)`)
	// Stack frame: at com.example.Foo.bar(Foo.java:42)
	stackFrameRe = regexp.MustCompile(`\s+at\s+([\w.$]+)\(([\w$]+\.java):(\d+)\)`)
	// Spring context: Error creating bean with name 'demoService'
	springBeanRe = regexp.MustCompile(`Error creating bean with name '([^']+)'`)

	testFailureMarkers = []string{"Tests run:", "FAILED", "There are test failures"}
	depFailureMarkers  = []string{"Could not resolve dependencies", "Could not find artifact", "Non-resolvable parent POM"}
)

// ParseBuildLog extracts failing files, error lines and a failure class from
// raw CI build output. It is tolerant of arbitrary surrounding noise; an
// unrecognized log yields ErrorClassUnknown with no files.
func ParseBuildLog(logText string) *FailureReport {
	report := &FailureReport{Class: ErrorClassUnknown}
	seen := map[string]bool{}
	addFile := func(path string) {
		if path != "" && !seen[path] {
			seen[path] = true
			report.FailingFiles = append(report.FailingFiles, path)
		}
	}

	springHit := false
	compileHit := false
	for _, line := range strings.Split(logText, "\n") {
		switch {
		case mavenErrorRe.MatchString(line):
			m := mavenErrorRe.FindStringSubmatch(line)
			addFile(normalizeSourcePath(m[1]))
			report.ErrorLines = append(report.ErrorLines, strings.TrimSpace(line))
			compileHit = true
		case javacErrorRe.MatchString(line):
			m := javacErrorRe.FindStringSubmatch(line)
			addFile(normalizeSourcePath(m[1]))
			report.ErrorLines = append(report.ErrorLines, strings.TrimSpace(line))
			compileHit = true
		case stackFrameRe.MatchString(line):
			m := stackFrameRe.FindStringSubmatch(line)
			addFile(sourcePathFromFrame(m[1], m[2]))
			report.ErrorLines = append(report.ErrorLines, strings.TrimSpace(line))
		case springBeanRe.MatchString(line):
			report.ErrorLines = append(report.ErrorLines, strings.TrimSpace(line))
			springHit = true
		default:
			if containsAny(line, depFailureMarkers) {
				report.ErrorLines = append(report.ErrorLines, strings.TrimSpace(line))
				report.Class = ErrorClassDependency
			} else if containsAny(line, testFailureMarkers) && strings.Contains(line, "Failures:") {
				report.ErrorLines = append(report.ErrorLines, strings.TrimSpace(line))
				if report.Class == ErrorClassUnknown {
					report.Class = ErrorClassTest
				}
			}
		}
	}

	// Classification precedence: dependency failures already set; spring
	// context beats plain compile because the bean error usually names the
	// real culprit.
	if report.Class == ErrorClassUnknown || report.Class == ErrorClassTest {
		switch {
		case springHit:
			report.Class = ErrorClassSpring
		case compileHit:
			report.Class = ErrorClassCompile
		}
	}

	report.Summary = summarize(report)
	return report
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// normalizeSourcePath strips absolute checkout prefixes so paths are relative
// to the repository root (the form patches must use).
func normalizeSourcePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, marker := range []string{"src/main/java/", "src/test/java/"} {
		if idx := strings.Index(p, marker); idx >= 0 {
			return p[idx:]
		}
	}
	return strings.TrimPrefix(p, "/")
}

// sourcePathFromFrame derives a repo-relative path from a stack frame's fully
// qualified class and file name. Inner classes map to their enclosing file.
func sourcePathFromFrame(fqcn, file string) string {
	base := strings.TrimSuffix(file, ".java")
	pkgEnd := strings.LastIndex(fqcn, "."+base+".")
	if pkgEnd < 0 {
		// Method on the class itself: com.example.Foo.bar
		if idx := strings.LastIndex(fqcn, "."); idx >= 0 {
			fqcn = fqcn[:idx] // drop method
		}
		if idx := strings.LastIndex(fqcn, "."); idx >= 0 {
			fqcn = fqcn[:idx] // drop class
		} else {
			fqcn = ""
		}
	} else {
		fqcn = fqcn[:pkgEnd]
	}
	pkgPath := strings.ReplaceAll(fqcn, ".", "/")
	if pkgPath == "" {
		return "src/main/java/" + file
	}
	return "src/main/java/" + pkgPath + "/" + file
}

func summarize(r *FailureReport) string {
	if len(r.ErrorLines) == 0 {
		return "build failed with no recognizable error output"
	}
	first := r.ErrorLines[0]
	if len(first) > 200 {
		first = first[:200]
	}
	return string(r.Class) + ": " + first
}

// FixSteps derives the ordered plan steps for a failure report. The steps are
// operator-facing documentation persisted with the Plan artifact.
func FixSteps(r *FailureReport) []string {
	steps := []string{"clone repository at failing commit"}
	switch r.Class {
	case ErrorClassDependency:
		steps = append(steps, "inspect dependency declarations in pom.xml/build.gradle")
	case ErrorClassSpring:
		steps = append(steps, "inspect spring bean wiring near reported beans")
	default:
		steps = append(steps, "inspect compiler-reported files")
	}
	steps = append(steps,
		"generate patch for ranked candidate files",
		"recompile to validate",
		"push fix branch and open pull request",
	)
	return steps
}
