package pipeline

import (
	"encoding/json"
	"fmt"
)

// Payload is the key-value document a task carries between stages. At the
// storage layer it stays JSON; handlers decode it into typed records on entry
// via DecodeInto and contribute typed metadata on exit via Encode.
type Payload map[string]any

// Well-known payload keys.
const (
	KeyRepoURL          = "repo_url"
	KeyBranch           = "branch"
	KeyCommitSHA        = "commit_sha"
	KeyBuildLogs        = "build_logs"
	KeySCM              = "scm"
	KeyWorkingDirectory = "working_directory"
	KeyFixBranch        = "fix_branch"
	KeyPreviousFailure  = "previous_failure_reason"
	KeyNotificationType = "notification_type"
	KeyPRURL            = "pr_url"
	KeyPRNumber         = "pr_number"
	KeyFailedStage      = "failed_stage"
	KeyFailureReason    = "failure_reason"
)

// EssentialKeys are always copied from a predecessor payload into the
// successor payload unless overridden by the predecessor's completion
// metadata.
var EssentialKeys = []string{
	KeyRepoURL, KeyBranch, KeyCommitSHA, KeyBuildLogs,
	KeySCM, KeyWorkingDirectory, KeyFixBranch,
}

// NextPayload builds a successor payload: essential keys from current,
// overlaid with every key in metadata (metadata wins).
func NextPayload(current Payload, metadata Payload) Payload {
	next := Payload{}
	for _, k := range EssentialKeys {
		if v, ok := current[k]; ok {
			next[k] = v
		}
	}
	for k, v := range metadata {
		next[k] = v
	}
	return next
}

// String returns the string value for key, or "" when absent or non-string.
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	c := make(Payload, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// DecodeInto unmarshals the payload into a typed stage record via JSON.
func (p Payload) DecodeInto(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Encode converts a typed stage record into a Payload via JSON.
func Encode(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return p, nil
}
