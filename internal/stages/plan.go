package stages

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/cifixer/internal/analysis"
	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// Plan parses the build log into a structured fix plan.
func (s *Stages) Plan(ctx context.Context, task *pipeline.Task, payload pipeline.Payload) pipeline.Outcome {
	logs := payload.String(pipeline.KeyBuildLogs)
	if logs == "" {
		return pipeline.Failed("build logs missing from payload",
			taskerr.Input("stage.plan", "empty build_logs"))
	}

	report := analysis.ParseBuildLog(logs)
	plan := &pipeline.Plan{
		BuildID:      task.BuildID,
		ErrorClass:   string(report.Class),
		Summary:      report.Summary,
		FailingFiles: report.FailingFiles,
		Steps:        analysis.FixSteps(report),
	}
	if _, err := s.deps.Store.SavePlan(plan); err != nil {
		return pipeline.Retry("persisting plan failed", taskerr.Transient("stage.plan", err))
	}

	slog.InfoContext(ctx, "plan created",
		logfields.BuildID(task.BuildID),
		slog.String("error_class", plan.ErrorClass),
		slog.Int("failing_files", len(plan.FailingFiles)))
	return pipeline.Completed("plan created: "+plan.Summary, nil)
}
