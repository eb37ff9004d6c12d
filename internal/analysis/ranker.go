package analysis

import (
	"sort"
	"strings"

	"git.home.luguber.info/inful/cifixer/internal/pipeline"
)

// Ranking weights. Stack-trace and compiler-reported files dominate, spring
// configuration classes follow, build files trail.
const (
	scoreReported  = 100.0
	scoreStackOnly = 80.0
	scoreSpring    = 50.0
	scoreBuildFile = 25.0
	scoreTestBoost = -10.0 // test sources rank below their main counterparts
)

// RankCandidates scores repository files against a failure report and returns
// candidates ordered best-first. repoFiles holds repo-relative paths of the
// checkout; files named by the report score highest even when the listing is
// incomplete.
func RankCandidates(report *FailureReport, repoFiles []string) []pipeline.CandidateFile {
	scores := map[string]float64{}
	reasons := map[string]string{}
	bump := func(path string, score float64, reason string) {
		if score > scores[path] {
			scores[path] = score
			reasons[path] = reason
		}
	}

	for _, f := range report.FailingFiles {
		bump(f, scoreReported, "reported in build log")
	}

	for _, f := range repoFiles {
		switch {
		case f == "pom.xml" || f == "build.gradle":
			if report.Class == ErrorClassDependency {
				bump(f, scoreReported, "dependency failure implicates build file")
			} else {
				bump(f, scoreBuildFile, "build file")
			}
		case isSpringConfig(f):
			if report.Class == ErrorClassSpring {
				bump(f, scoreSpring, "spring context class")
			}
		}
	}

	var out []pipeline.CandidateFile
	for path, score := range scores {
		if strings.HasPrefix(path, "src/test/java/") {
			score += scoreTestBoost
		}
		out = append(out, pipeline.CandidateFile{Path: path, Reason: reasons[path], RankScore: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RankScore != out[j].RankScore {
			return out[i].RankScore > out[j].RankScore
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// isSpringConfig recognizes files that conventionally carry spring wiring.
func isSpringConfig(path string) bool {
	if !strings.HasSuffix(path, ".java") {
		return false
	}
	base := path[strings.LastIndex(path, "/")+1:]
	for _, suffix := range []string{"Application.java", "Config.java", "Configuration.java"} {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}
