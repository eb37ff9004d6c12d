package mailer

import (
	"fmt"
	"strings"
)

// Report carries the facts the notification mail is built from.
type Report struct {
	Job          string
	BuildNumber  int64
	Repo         string
	Branch       string
	CommitSHA    string
	Success      bool
	PRURL        string
	PRNumber     int
	ErrorClass   string
	FailedStage  string
	FailureCause string
	PatchedFiles []string
}

// Subject renders the mail subject line for the report.
func (r Report) Subject() string {
	if r.Success {
		return fmt.Sprintf("[cifixer] fix proposed for %s #%d", r.Job, r.BuildNumber)
	}
	return fmt.Sprintf("[cifixer] could not fix %s #%d", r.Job, r.BuildNumber)
}

// RenderMarkdown produces the markdown body later converted to HTML.
func (r Report) RenderMarkdown() string {
	var b strings.Builder

	if r.Success {
		fmt.Fprintf(&b, "## Automated fix ready for review\n\n")
	} else {
		fmt.Fprintf(&b, "## Build could not be fixed automatically\n\n")
	}

	b.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Job | %s |\n", r.Job)
	fmt.Fprintf(&b, "| Build | #%d |\n", r.BuildNumber)
	fmt.Fprintf(&b, "| Repository | %s |\n", r.Repo)
	fmt.Fprintf(&b, "| Branch | %s |\n", r.Branch)
	if r.CommitSHA != "" {
		fmt.Fprintf(&b, "| Commit | `%s` |\n", shortSHA(r.CommitSHA))
	}
	if r.ErrorClass != "" {
		fmt.Fprintf(&b, "| Failure class | %s |\n", r.ErrorClass)
	}
	b.WriteString("\n")

	if r.Success {
		fmt.Fprintf(&b, "Pull request [#%d](%s) contains the proposed fix.\n", r.PRNumber, r.PRURL)
		if len(r.PatchedFiles) > 0 {
			b.WriteString("\nChanged files:\n\n")
			for _, f := range r.PatchedFiles {
				fmt.Fprintf(&b, "- `%s`\n", f)
			}
		}
		b.WriteString("\nReview before merging; the change compiled but was not fully tested.\n")
	} else {
		if r.FailedStage != "" {
			fmt.Fprintf(&b, "The pipeline stopped at the **%s** stage.\n\n", r.FailedStage)
		}
		if r.FailureCause != "" {
			fmt.Fprintf(&b, "```\n%s\n```\n\n", strings.TrimSpace(r.FailureCause))
		}
		b.WriteString("Manual intervention is required.\n")
	}
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
