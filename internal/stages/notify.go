package stages

import (
	"context"
	"log/slog"
	"strings"

	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/mailer"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// Notify mails the outcome report to the configured recipients. Sending mail
// is externally visible, so the handler first checks whether a notification
// of this type was already recorded for the build.
func (s *Stages) Notify(ctx context.Context, task *pipeline.Task, payload pipeline.Payload) pipeline.Outcome {
	typ := pipeline.NotificationType(payload.String(pipeline.KeyNotificationType))
	if typ == "" {
		typ = pipeline.NotificationSuccess
	}

	sent, err := s.deps.Store.HasNotification(task.BuildID, typ)
	if err != nil {
		return pipeline.Retry("checking notification history failed", taskerr.Transient("stage.notify", err))
	}
	if sent {
		return pipeline.Completed("notification already sent", nil)
	}

	if len(s.deps.Recipients) == 0 {
		slog.WarnContext(ctx, "no notification recipients configured", logfields.BuildID(task.BuildID))
		return pipeline.Completed("notification skipped, no recipients", nil)
	}

	report, err := s.buildReport(task.BuildID, typ, payload)
	if err != nil {
		return pipeline.Retry("assembling report failed", taskerr.Transient("stage.notify", err))
	}

	msg := mailer.Message{
		To:       s.deps.Recipients,
		Subject:  report.Subject(),
		Markdown: report.RenderMarkdown(),
	}
	if err := s.deps.Mailer.Send(msg); err != nil {
		return pipeline.Retry("sending notification failed", err)
	}

	if _, err := s.deps.Store.SaveNotification(&pipeline.Notification{
		BuildID:   task.BuildID,
		Type:      typ,
		Subject:   msg.Subject,
		Recipient: strings.Join(s.deps.Recipients, ", "),
	}); err != nil {
		return pipeline.Retry("persisting notification failed", taskerr.Transient("stage.notify", err))
	}

	slog.InfoContext(ctx, "notification sent",
		logfields.BuildID(task.BuildID),
		slog.String("type", string(typ)),
		slog.Int("recipients", len(s.deps.Recipients)))
	return pipeline.Completed("notification sent", nil)
}

func (s *Stages) buildReport(buildID int64, typ pipeline.NotificationType, payload pipeline.Payload) (mailer.Report, error) {
	build, err := s.deps.Store.GetBuild(buildID)
	if err != nil {
		return mailer.Report{}, err
	}
	report := mailer.Report{
		Job:         build.Job,
		BuildNumber: int64(build.BuildNumber),
		Repo:        build.RepoURL,
		Branch:      build.Branch,
		CommitSHA:   build.CommitSHA,
		Success:     typ == pipeline.NotificationSuccess,
	}

	if plan, perr := s.deps.Store.PlanForBuild(buildID); perr == nil {
		report.ErrorClass = plan.ErrorClass
	}

	if report.Success {
		report.PRURL = payload.String(pipeline.KeyPRURL)
		if n, ok := payload[pipeline.KeyPRNumber].(float64); ok {
			report.PRNumber = int(n)
		}
		if pr, perr := s.deps.Store.PullRequestForBuild(buildID); perr == nil {
			report.PRURL = pr.URL
			report.PRNumber = pr.Number
		}
		if patch, perr := s.deps.Store.PatchForBuild(buildID); perr == nil {
			report.PatchedFiles = patch.Files
		}
	} else {
		report.FailedStage = payload.String(pipeline.KeyFailedStage)
		report.FailureCause = s.deps.Redactor.Redact(payload.String(pipeline.KeyFailureReason))
	}
	return report, nil
}
