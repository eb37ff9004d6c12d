package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.home.luguber.info/inful/cifixer/internal/pipeline"
)

// SavePlan persists the plan stage output.
func (s *Store) SavePlan(p *pipeline.Plan) (*pipeline.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := json.Marshal(p.FailingFiles)
	if err != nil {
		return nil, fmt.Errorf("marshal failing files: %w", err)
	}
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	now := s.now()
	res, err := s.db.Exec(
		`INSERT INTO plans (build_id, error_class, summary, failing_files, steps, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.BuildID, p.ErrorClass, p.Summary, files, steps, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert plan: %w", err)
	}
	saved := *p
	saved.ID, _ = res.LastInsertId()
	saved.CreatedAt = now
	return &saved, nil
}

// PlanForBuild returns the most recent plan for a build, or ErrNotFound.
func (s *Store) PlanForBuild(buildID int64) (*pipeline.Plan, error) {
	row := s.db.QueryRow(
		`SELECT id, build_id, error_class, summary, failing_files, steps, created_at
		 FROM plans WHERE build_id = ? ORDER BY id DESC LIMIT 1`, buildID)

	var p pipeline.Plan
	var files, steps []byte
	var created int64
	err := row.Scan(&p.ID, &p.BuildID, &p.ErrorClass, &p.Summary, &files, &steps, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	if err := json.Unmarshal(files, &p.FailingFiles); err != nil {
		return nil, fmt.Errorf("unmarshal failing files: %w", err)
	}
	if err := json.Unmarshal(steps, &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	p.CreatedAt = time.UnixMilli(created)
	return &p, nil
}

// SaveCandidateFiles persists the ranked candidates for a build, replacing
// any earlier ranking (a retried retrieve stage re-ranks from scratch).
func (s *Store) SaveCandidateFiles(buildID int64, candidates []pipeline.CandidateFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin candidates: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM candidate_files WHERE build_id = ?`, buildID); err != nil {
		return fmt.Errorf("clear candidates: %w", err)
	}
	now := s.now().UnixMilli()
	for _, c := range candidates {
		if _, err := tx.Exec(
			`INSERT INTO candidate_files (build_id, path, reason, rank_score, created_at) VALUES (?, ?, ?, ?, ?)`,
			buildID, c.Path, c.Reason, c.RankScore, now,
		); err != nil {
			return fmt.Errorf("insert candidate: %w", err)
		}
	}
	return tx.Commit()
}

// CandidatesForBuild returns candidates ordered by rank score, best first.
func (s *Store) CandidatesForBuild(buildID int64) ([]pipeline.CandidateFile, error) {
	rows, err := s.db.Query(
		`SELECT id, build_id, path, reason, rank_score, created_at
		 FROM candidate_files WHERE build_id = ? ORDER BY rank_score DESC, id ASC`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []pipeline.CandidateFile
	for rows.Next() {
		var c pipeline.CandidateFile
		var created int64
		if err := rows.Scan(&c.ID, &c.BuildID, &c.Path, &c.Reason, &c.RankScore, &created); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.CreatedAt = time.UnixMilli(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SavePatch persists the applied diff.
func (s *Store) SavePatch(p *pipeline.Patch) (*pipeline.Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := json.Marshal(p.Files)
	if err != nil {
		return nil, fmt.Errorf("marshal patch files: %w", err)
	}
	now := s.now()
	res, err := s.db.Exec(
		`INSERT INTO patches (build_id, diff, files, commit_sha, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.BuildID, p.Diff, files, p.CommitSHA, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert patch: %w", err)
	}
	saved := *p
	saved.ID, _ = res.LastInsertId()
	saved.CreatedAt = now
	return &saved, nil
}

// PatchForBuild returns the most recent patch for a build, or ErrNotFound.
func (s *Store) PatchForBuild(buildID int64) (*pipeline.Patch, error) {
	row := s.db.QueryRow(
		`SELECT id, build_id, diff, files, commit_sha, created_at
		 FROM patches WHERE build_id = ? ORDER BY id DESC LIMIT 1`, buildID)

	var p pipeline.Patch
	var files []byte
	var created int64
	err := row.Scan(&p.ID, &p.BuildID, &p.Diff, &files, &p.CommitSHA, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan patch: %w", err)
	}
	if err := json.Unmarshal(files, &p.Files); err != nil {
		return nil, fmt.Errorf("unmarshal patch files: %w", err)
	}
	p.CreatedAt = time.UnixMilli(created)
	return &p, nil
}

// SaveValidation persists a compile result.
func (s *Store) SaveValidation(v *pipeline.Validation) (*pipeline.Validation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	success := 0
	if v.Success {
		success = 1
	}
	res, err := s.db.Exec(
		`INSERT INTO validations (build_id, tool, success, output, created_at) VALUES (?, ?, ?, ?, ?)`,
		v.BuildID, v.Tool, success, v.Output, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert validation: %w", err)
	}
	saved := *v
	saved.ID, _ = res.LastInsertId()
	saved.CreatedAt = now
	return &saved, nil
}

// SavePullRequest persists an opened pull request.
func (s *Store) SavePullRequest(pr *pipeline.PullRequest) (*pipeline.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res, err := s.db.Exec(
		`INSERT INTO pull_requests (build_id, number, url, head_branch, base_branch, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		pr.BuildID, pr.Number, pr.URL, pr.HeadBranch, pr.BaseBranch, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert pull request: %w", err)
	}
	saved := *pr
	saved.ID, _ = res.LastInsertId()
	saved.CreatedAt = now
	return &saved, nil
}

// PullRequestForBuild returns the PR opened for a build, or ErrNotFound.
// Write-side handlers use this for duplicate detection.
func (s *Store) PullRequestForBuild(buildID int64) (*pipeline.PullRequest, error) {
	row := s.db.QueryRow(
		`SELECT id, build_id, number, url, head_branch, base_branch, created_at
		 FROM pull_requests WHERE build_id = ? ORDER BY id DESC LIMIT 1`, buildID)

	var pr pipeline.PullRequest
	var created int64
	err := row.Scan(&pr.ID, &pr.BuildID, &pr.Number, &pr.URL, &pr.HeadBranch, &pr.BaseBranch, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pull request: %w", err)
	}
	pr.CreatedAt = time.UnixMilli(created)
	return &pr, nil
}

// SaveNotification persists a delivered notification.
func (s *Store) SaveNotification(n *pipeline.Notification) (*pipeline.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res, err := s.db.Exec(
		`INSERT INTO notifications (build_id, type, subject, recipient, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.BuildID, string(n.Type), n.Subject, n.Recipient, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	saved := *n
	saved.ID, _ = res.LastInsertId()
	saved.CreatedAt = now
	return &saved, nil
}

// HasNotification reports whether a notification of the given type exists for
// a build. Duplicate-detection hook for the notify stage.
func (s *Store) HasNotification(buildID int64, typ pipeline.NotificationType) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE build_id = ? AND type = ?`,
		buildID, string(typ)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count notifications: %w", err)
	}
	return n > 0, nil
}

// NotificationsForBuild returns all notifications of a build.
func (s *Store) NotificationsForBuild(buildID int64) ([]pipeline.Notification, error) {
	rows, err := s.db.Query(
		`SELECT id, build_id, type, subject, recipient, created_at
		 FROM notifications WHERE build_id = ? ORDER BY id ASC`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Notification
	for rows.Next() {
		var n pipeline.Notification
		var typ string
		var created int64
		if err := rows.Scan(&n.ID, &n.BuildID, &typ, &n.Subject, &n.Recipient, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = pipeline.NotificationType(typ)
		n.CreatedAt = time.UnixMilli(created)
		out = append(out, n)
	}
	return out, rows.Err()
}
