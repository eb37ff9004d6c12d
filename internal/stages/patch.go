package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/cifixer/internal/llm"
	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/patch"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// maxPromptFiles bounds how many ranked candidates go into the prompt.
const maxPromptFiles = 5

// Patch asks the model for a unified diff, safety-checks it, applies it to
// the working copy and commits. On retry the previous failure reason reaches
// the prompt so the model can steer away from the rejected attempt.
func (s *Stages) Patch(ctx context.Context, task *pipeline.Task, payload pipeline.Payload) pipeline.Outcome {
	dir := payload.String(pipeline.KeyWorkingDirectory)
	if dir == "" {
		return pipeline.Failed("working_directory missing from payload",
			taskerr.Input("stage.patch", "empty working_directory"))
	}

	plan, err := s.deps.Store.PlanForBuild(task.BuildID)
	if err != nil {
		return pipeline.Retry("loading plan failed", taskerr.Transient("stage.patch", err))
	}
	candidates, err := s.deps.Store.CandidatesForBuild(task.BuildID)
	if err != nil {
		return pipeline.Retry("loading candidates failed", taskerr.Transient("stage.patch", err))
	}

	req := llm.PromptRequest{
		ErrorClass:      plan.ErrorClass,
		ErrorSummary:    plan.Summary,
		BuildExcerpt:    logExcerpt(payload.String(pipeline.KeyBuildLogs)),
		PreviousFailure: payload.String(pipeline.KeyPreviousFailure),
	}
	for i, c := range candidates {
		if i >= maxPromptFiles {
			break
		}
		content, rerr := os.ReadFile(filepath.Join(dir, filepath.FromSlash(c.Path)))
		if rerr != nil {
			continue // ranked file may be new in the fix, not in the checkout
		}
		req.Files = append(req.Files, llm.PromptFile{Path: c.Path, Content: string(content)})
	}

	diff, err := s.deps.Generator.GeneratePatch(ctx, llm.BuildPrompt(req))
	if err != nil {
		return pipeline.Retry("patch generation failed", err)
	}

	files, err := patch.Parse(diff)
	if err != nil {
		return pipeline.Retry("generated diff unusable: "+err.Error(), err)
	}
	if err := patch.Validate(files); err != nil {
		return pipeline.Retry("generated diff rejected: "+err.Error(), err)
	}
	touched, err := patch.Apply(dir, files)
	if err != nil {
		return pipeline.Retry("patch did not apply: "+err.Error(), err)
	}

	commitSHA, err := s.deps.Git.CommitAll(dir, commitMessage(task.BuildID, plan.Summary))
	if err != nil {
		return pipeline.Retry("committing patch failed", err)
	}

	if _, err := s.deps.Store.SavePatch(&pipeline.Patch{
		BuildID:   task.BuildID,
		Diff:      diff,
		Files:     touched,
		CommitSHA: commitSHA,
	}); err != nil {
		return pipeline.Retry("persisting patch failed", taskerr.Transient("stage.patch", err))
	}

	slog.InfoContext(ctx, "patch applied",
		logfields.BuildID(task.BuildID),
		slog.Int("files", len(touched)),
		logfields.Commit(shortSHA(commitSHA)))
	return pipeline.Completed(fmt.Sprintf("patch applied to %d file(s)", len(touched)), nil)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func commitMessage(buildID int64, summary string) string {
	if len(summary) > 120 {
		summary = summary[:120]
	}
	return fmt.Sprintf("Automated fix for build %d\n\n%s", buildID, summary)
}

// logExcerpt keeps the tail of the build log for the prompt; the failure is
// almost always in the last screenful.
func logExcerpt(logs string) string {
	const max = 8_000
	if len(logs) <= max {
		return logs
	}
	return logs[len(logs)-max:]
}
