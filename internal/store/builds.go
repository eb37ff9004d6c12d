package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"git.home.luguber.info/inful/cifixer/internal/pipeline"
)

// ErrDuplicateBuild signals that a build with the same (job, build_number)
// already exists.
var ErrDuplicateBuild = errors.New("build already exists")

// ErrNotFound signals a missing row on lookups.
var ErrNotFound = errors.New("not found")

// CreateBuild inserts a build in state processing and returns it with its
// assigned id.
func (s *Store) CreateBuild(b *pipeline.Build) (*pipeline.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res, err := s.db.Exec(
		`INSERT INTO builds (job, build_number, branch, repo_url, commit_sha, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Job, b.BuildNumber, b.Branch, b.RepoURL, b.CommitSHA, string(pipeline.BuildProcessing),
		b.Payload, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, ErrDuplicateBuild
		}
		return nil, fmt.Errorf("insert build: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("build id: %w", err)
	}

	created := *b
	created.ID = id
	created.Status = pipeline.BuildProcessing
	created.CreatedAt = now
	created.UpdatedAt = now
	return &created, nil
}

// GetBuild returns a build by id, or ErrNotFound.
func (s *Store) GetBuild(id int64) (*pipeline.Build, error) {
	row := s.db.QueryRow(
		`SELECT id, job, build_number, branch, repo_url, commit_sha, status, payload, created_at, updated_at
		 FROM builds WHERE id = ?`, id)
	return scanBuild(row)
}

// UpdateBuildStatus transitions a build's lifecycle state. Terminal states
// never revert: a completed or failed build is left untouched and the call
// reports false.
func (s *Store) UpdateBuildStatus(id int64, status pipeline.BuildStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE builds SET status = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), s.now().UnixMilli(), id,
		string(pipeline.BuildCompleted), string(pipeline.BuildFailed),
	)
	if err != nil {
		return false, fmt.Errorf("update build status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListBuilds returns a page of builds, newest first, optionally filtered by
// status.
func (s *Store) ListBuilds(page, size int, status pipeline.BuildStatus) ([]*pipeline.Build, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > 200 {
		size = 50
	}
	query := `SELECT id, job, build_number, branch, repo_url, commit_sha, status, payload, created_at, updated_at FROM builds`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, size, page*size)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountBuildsByStatus returns build counts keyed by lifecycle state.
func (s *Store) CountBuildsByStatus() (map[pipeline.BuildStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM builds GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count builds: %w", err)
	}
	defer rows.Close()

	out := make(map[pipeline.BuildStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan build count: %w", err)
		}
		out[pipeline.BuildStatus(status)] = n
	}
	return out, rows.Err()
}

// DeleteBuild removes a build; tasks and artifacts cascade.
func (s *Store) DeleteBuild(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM builds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete build: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*pipeline.Build, error) {
	var b pipeline.Build
	var status string
	var created, updated int64
	var payload sql.NullString
	err := row.Scan(&b.ID, &b.Job, &b.BuildNumber, &b.Branch, &b.RepoURL, &b.CommitSHA,
		&status, &payload, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan build: %w", err)
	}
	b.Status = pipeline.BuildStatus(status)
	if payload.Valid {
		b.Payload = []byte(payload.String)
	}
	b.CreatedAt = time.UnixMilli(created)
	b.UpdatedAt = time.UnixMilli(updated)
	return &b, nil
}
