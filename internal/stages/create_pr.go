package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"git.home.luguber.info/inful/cifixer/internal/forge"
	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/store"
	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// CreatePR pushes the fix branch and opens the pull request. Both writes are
// externally visible, so the handler checks for an existing PR locally and on
// the forge before creating anything.
func (s *Stages) CreatePR(ctx context.Context, task *pipeline.Task, payload pipeline.Payload) pipeline.Outcome {
	dir := payload.String(pipeline.KeyWorkingDirectory)
	fixBranch := payload.String(pipeline.KeyFixBranch)
	repoURL := payload.String(pipeline.KeyRepoURL)
	if dir == "" || fixBranch == "" || repoURL == "" {
		return pipeline.Failed("working_directory, fix_branch or repo_url missing from payload",
			taskerr.Input("stage.create_pr", "incomplete payload"))
	}

	// A previous lease may have finished the forge write before losing the
	// task; the local record settles it without another API call.
	if existing, err := s.deps.Store.PullRequestForBuild(task.BuildID); err == nil {
		return prCompleted(existing.URL, existing.Number)
	} else if !errors.Is(err, store.ErrNotFound) {
		return pipeline.Retry("checking existing pull request failed", taskerr.Transient("stage.create_pr", err))
	}

	if err := s.deps.Git.Push(ctx, dir, fixBranch); err != nil {
		return pipeline.Retry("pushing fix branch failed", err)
	}

	owner, repo, err := forge.SplitRepoURL(repoURL)
	if err != nil {
		return pipeline.Failed("unusable repo url", err)
	}
	client, err := s.deps.Forge(forge.SCM(payload.String(pipeline.KeySCM)))
	if err != nil {
		return pipeline.Failed("no forge client for scm", err)
	}

	if pr, ferr := client.FindByHead(ctx, owner, repo, fixBranch); ferr != nil {
		return pipeline.Retry("querying open pull requests failed", ferr)
	} else if pr != nil {
		return s.recordPR(task.BuildID, pr, fixBranch, payload.String(pipeline.KeyBranch))
	}

	plan, perr := s.deps.Store.PlanForBuild(task.BuildID)
	summary := ""
	if perr == nil {
		summary = plan.Summary
	}

	pr, err := client.Create(ctx, forge.CreateRequest{
		Owner: owner,
		Repo:  repo,
		Title: prTitle(task.BuildID, summary),
		Body:  s.prBody(task.BuildID, summary),
		Head:  fixBranch,
		Base:  payload.String(pipeline.KeyBranch),
	})
	if err != nil {
		return pipeline.Retry("opening pull request failed", err)
	}

	slog.InfoContext(ctx, "pull request opened",
		logfields.BuildID(task.BuildID), slog.Int("number", pr.Number), slog.String("url", pr.URL))
	return s.recordPR(task.BuildID, pr, fixBranch, payload.String(pipeline.KeyBranch))
}

func (s *Stages) recordPR(buildID int64, pr *forge.PullRequest, head, base string) pipeline.Outcome {
	if _, err := s.deps.Store.SavePullRequest(&pipeline.PullRequest{
		BuildID:    buildID,
		Number:     pr.Number,
		URL:        pr.URL,
		HeadBranch: head,
		BaseBranch: base,
	}); err != nil {
		return pipeline.Retry("persisting pull request failed", taskerr.Transient("stage.create_pr", err))
	}
	return prCompleted(pr.URL, pr.Number)
}

func prCompleted(url string, number int) pipeline.Outcome {
	return pipeline.Completed("pull request ready", pipeline.Payload{
		pipeline.KeyPRURL:    url,
		pipeline.KeyPRNumber: number,
	})
}

func prTitle(buildID int64, summary string) string {
	if summary == "" {
		return fmt.Sprintf("Automated fix for build %d", buildID)
	}
	if len(summary) > 80 {
		summary = summary[:80]
	}
	return fmt.Sprintf("Automated fix for build %d: %s", buildID, summary)
}

func (s *Stages) prBody(buildID int64, summary string) string {
	var b strings.Builder
	b.WriteString("This pull request was generated automatically from a failing CI build.\n\n")
	if summary != "" {
		fmt.Fprintf(&b, "Detected failure: %s\n\n", s.deps.Redactor.Redact(summary))
	}
	fmt.Fprintf(&b, "Internal build id: %d\n\n", buildID)
	b.WriteString("The change compiled locally but was not fully tested. Review before merging.\n")
	return b.String()
}
