package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID       = "build_id"
	KeyTaskID        = "task_id"
	KeyStage         = "stage"
	KeyStatus        = "status"
	KeyAttempt       = "attempt"
	KeyCorrelationID = "correlation_id"
	KeyDurationMS    = "duration_ms"
	KeyJob           = "job"
	KeyBuildNumber   = "build_number"
	KeyRepo          = "repo_url"
	KeyBranch        = "branch"
	KeyCommit        = "commit_sha"
	KeyPath          = "path"
	KeyWorker        = "worker"
	KeyRequestID     = "request_id"
	KeyRemoteAddr    = "remote_addr"
	KeyMethod        = "method"
	KeyError         = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id int64) slog.Attr        { return slog.Int64(KeyBuildID, id) }
func TaskID(id int64) slog.Attr         { return slog.Int64(KeyTaskID, id) }
func Stage(name string) slog.Attr       { return slog.String(KeyStage, name) }
func Status(s string) slog.Attr         { return slog.String(KeyStatus, s) }
func Attempt(n int) slog.Attr           { return slog.Int(KeyAttempt, n) }
func CorrelationID(id string) slog.Attr { return slog.String(KeyCorrelationID, id) }
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }
func Job(j string) slog.Attr            { return slog.String(KeyJob, j) }
func BuildNumber(n int) slog.Attr       { return slog.Int(KeyBuildNumber, n) }
func Repo(url string) slog.Attr         { return slog.String(KeyRepo, url) }
func Branch(b string) slog.Attr         { return slog.String(KeyBranch, b) }
func Commit(sha string) slog.Attr       { return slog.String(KeyCommit, sha) }
func Path(p string) slog.Attr           { return slog.String(KeyPath, p) }
func Worker(w string) slog.Attr         { return slog.String(KeyWorker, w) }
func RequestID(id string) slog.Attr     { return slog.String(KeyRequestID, id) }
func RemoteAddr(a string) slog.Attr     { return slog.String(KeyRemoteAddr, a) }
func Method(m string) slog.Attr         { return slog.String(KeyMethod, m) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
