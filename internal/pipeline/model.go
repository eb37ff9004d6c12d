package pipeline

import "time"

// BuildStatus is the lifecycle state of a build.
type BuildStatus string

const (
	BuildProcessing BuildStatus = "processing"
	BuildCompleted  BuildStatus = "completed"
	BuildFailed     BuildStatus = "failed"
)

// Terminal reports whether the status never reverts.
func (s BuildStatus) Terminal() bool {
	return s == BuildCompleted || s == BuildFailed
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskRetry      TaskStatus = "retry"
	TaskFailed     TaskStatus = "failed"
)

// Build is one ingested CI failure, the root entity of a pipeline run.
type Build struct {
	ID          int64       `json:"id"`
	Job         string      `json:"job"`
	BuildNumber int         `json:"build_number"`
	Branch      string      `json:"branch"`
	RepoURL     string      `json:"repo_url"`
	CommitSHA   string      `json:"commit_sha"`
	Status      BuildStatus `json:"status"`
	Payload     []byte      `json:"-"` // raw ingestion payload (JSON)
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Task is a durable record of intent to execute one stage for one build; the
// unit of leasing and retry.
type Task struct {
	ID              int64      `json:"id"`
	BuildID         int64      `json:"build_id"`
	Kind            Kind       `json:"kind"`
	Status          TaskStatus `json:"status"`
	Attempt         int        `json:"attempt"`
	MaxAttempts     int        `json:"max_attempts"`
	Payload         Payload    `json:"payload,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LeaseGeneration int64      `json:"lease_generation"`
	NotBefore       time.Time  `json:"not_before"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Plan is the structured fix plan produced by the plan stage.
type Plan struct {
	ID           int64     `json:"id"`
	BuildID      int64     `json:"build_id"`
	ErrorClass   string    `json:"error_class"`
	Summary      string    `json:"summary"`
	FailingFiles []string  `json:"failing_files"`
	Steps        []string  `json:"steps"`
	CreatedAt    time.Time `json:"created_at"`
}

// CandidateFile is one ranked repair candidate produced by the retrieve stage.
type CandidateFile struct {
	ID        int64     `json:"id"`
	BuildID   int64     `json:"build_id"`
	Path      string    `json:"path"`
	Reason    string    `json:"reason"`
	RankScore float64   `json:"rank_score"`
	CreatedAt time.Time `json:"created_at"`
}

// Patch is the applied unified diff produced by the patch stage.
type Patch struct {
	ID        int64     `json:"id"`
	BuildID   int64     `json:"build_id"`
	Diff      string    `json:"diff"`
	Files     []string  `json:"files"`
	CommitSHA string    `json:"commit_sha"`
	CreatedAt time.Time `json:"created_at"`
}

// Validation is the compile result produced by the validate stage.
type Validation struct {
	ID        int64     `json:"id"`
	BuildID   int64     `json:"build_id"`
	Tool      string    `json:"tool"`
	Success   bool      `json:"success"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// PullRequest records the opened review request.
type PullRequest struct {
	ID         int64     `json:"id"`
	BuildID    int64     `json:"build_id"`
	Number     int       `json:"number"`
	URL        string    `json:"url"`
	HeadBranch string    `json:"head_branch"`
	BaseBranch string    `json:"base_branch"`
	CreatedAt  time.Time `json:"created_at"`
}

// NotificationType distinguishes success reports from manual-intervention
// alerts.
type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationFailure NotificationType = "failure"
)

// Notification records a delivered (or attempted) stakeholder notification.
type Notification struct {
	ID        int64            `json:"id"`
	BuildID   int64            `json:"build_id"`
	Type      NotificationType `json:"type"`
	Subject   string           `json:"subject"`
	Recipient string           `json:"recipient"`
	CreatedAt time.Time        `json:"created_at"`
}
