package stages

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// Validate compiles the patched working copy. A failing compile is a domain
// verdict that requests a retry; the compiler output travels in the outcome
// message so the dispatcher can surface it to the next patch prompt.
func (s *Stages) Validate(ctx context.Context, task *pipeline.Task, payload pipeline.Payload) pipeline.Outcome {
	dir := payload.String(pipeline.KeyWorkingDirectory)
	if dir == "" {
		return pipeline.Failed("working_directory missing from payload",
			taskerr.Input("stage.validate", "empty working_directory"))
	}

	res, err := s.deps.Compiler.Compile(ctx, dir)
	if err != nil {
		return pipeline.Retry("compile run failed", err)
	}

	if _, err := s.deps.Store.SaveValidation(&pipeline.Validation{
		BuildID: task.BuildID,
		Tool:    string(res.Tool),
		Success: res.Success,
		Output:  res.Output,
	}); err != nil {
		return pipeline.Retry("persisting validation failed", taskerr.Transient("stage.validate", err))
	}

	if !res.Success {
		slog.WarnContext(ctx, "patched code does not compile",
			logfields.BuildID(task.BuildID), slog.String("tool", string(res.Tool)))
		return pipeline.Retry(
			"compile failed:\n"+res.Output,
			taskerr.Transientf("stage.validate", "patched code does not compile"))
	}

	slog.InfoContext(ctx, "compile validation passed",
		logfields.BuildID(task.BuildID),
		slog.String("tool", string(res.Tool)),
		logfields.DurationMS(float64(res.Duration.Milliseconds())))
	return pipeline.Completed("compile validation passed", nil)
}
