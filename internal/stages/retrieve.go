package stages

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/cifixer/internal/analysis"
	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// Retrieve ranks repository files by how likely they are to need the fix and
// persists the ranking for the patch stage.
func (s *Stages) Retrieve(ctx context.Context, task *pipeline.Task, payload pipeline.Payload) pipeline.Outcome {
	dir := payload.String(pipeline.KeyWorkingDirectory)
	if dir == "" {
		return pipeline.Failed("working_directory missing from payload",
			taskerr.Input("stage.retrieve", "empty working_directory"))
	}

	repoFiles, err := listRepoFiles(dir)
	if err != nil {
		return pipeline.Retry("listing repository files failed", taskerr.Transient("stage.retrieve", err))
	}

	report := analysis.ParseBuildLog(payload.String(pipeline.KeyBuildLogs))
	candidates := analysis.RankCandidates(report, repoFiles)
	if len(candidates) == 0 {
		return pipeline.Failed("no candidate files identified for repair",
			taskerr.Input("stage.retrieve", "ranking produced no candidates"))
	}
	for i := range candidates {
		candidates[i].BuildID = task.BuildID
	}

	if err := s.deps.Store.SaveCandidateFiles(task.BuildID, candidates); err != nil {
		return pipeline.Retry("persisting candidates failed", taskerr.Transient("stage.retrieve", err))
	}

	slog.InfoContext(ctx, "candidates ranked",
		logfields.BuildID(task.BuildID),
		slog.Int("candidates", len(candidates)),
		logfields.Path(candidates[0].Path))
	return pipeline.Completed("candidate files ranked", nil)
}
