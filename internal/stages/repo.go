package stages

import (
	"context"
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// Repo clones the repository at the failing commit and creates the fix branch.
// A retried attempt starts from a clean directory; Prepare removes any
// half-finished clone from the previous lease.
func (s *Stages) Repo(ctx context.Context, task *pipeline.Task, payload pipeline.Payload) pipeline.Outcome {
	repoURL := payload.String(pipeline.KeyRepoURL)
	if repoURL == "" {
		return pipeline.Failed("repo_url missing from payload",
			taskerr.Input("stage.repo", "empty repo_url"))
	}
	branch := payload.String(pipeline.KeyBranch)
	commitSHA := payload.String(pipeline.KeyCommitSHA)

	dir, err := s.deps.Workspace.Prepare(task.BuildID)
	if err != nil {
		return pipeline.Retry("workspace preparation failed", taskerr.Transient("stage.repo", err))
	}

	if err := s.deps.Git.Clone(ctx, repoURL, branch, commitSHA, dir); err != nil {
		return pipeline.Retry("clone failed", err)
	}

	fixBranch := fmt.Sprintf("ci-fix/%d", task.BuildID)
	if err := s.deps.Git.CheckoutNewBranch(dir, fixBranch); err != nil {
		return pipeline.Retry("fix branch creation failed", err)
	}

	slog.InfoContext(ctx, "working copy ready",
		logfields.BuildID(task.BuildID), logfields.Path(dir), logfields.Branch(fixBranch))
	return pipeline.Completed("repository cloned", pipeline.Payload{
		pipeline.KeyWorkingDirectory: dir,
		pipeline.KeyFixBranch:        fixBranch,
	})
}
