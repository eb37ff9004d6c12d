// Package forge talks to the code host's REST API to open pull requests for
// fix branches. GitHub and Forgejo/Gitea are supported; the webhook's scm
// field selects the flavor.
package forge

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// PullRequest is the forge-side result of opening (or finding) a PR.
type PullRequest struct {
	Number int
	URL    string
	Title  string
}

// CreateRequest describes the pull request to open.
type CreateRequest struct {
	Owner string
	Repo  string
	Title string
	Body  string
	Head  string // fix branch
	Base  string // branch the build failed on
}

// Client is the collaborator contract the create_pr stage depends on.
type Client interface {
	// FindByHead returns the open pull request whose head is branch, or nil.
	FindByHead(ctx context.Context, owner, repo, branch string) (*PullRequest, error)
	// Create opens a new pull request.
	Create(ctx context.Context, req CreateRequest) (*PullRequest, error)
}

// SCM identifies the code-host flavor carried in the webhook payload.
type SCM string

const (
	SCMGitHub  SCM = "github"
	SCMForgejo SCM = "forgejo"
	SCMGitea   SCM = "gitea"
)

// NewClient builds a forge client for the given scm value. baseURL is the API
// root; empty selects the public endpoint for github.
func NewClient(scm SCM, baseURL, token string) (Client, error) {
	switch scm {
	case SCMGitHub:
		if baseURL == "" {
			baseURL = "https://api.github.com"
		}
		return newGitHubClient(baseURL, token), nil
	case SCMForgejo, SCMGitea:
		if baseURL == "" {
			return nil, taskerr.Input("forge.new", "forgejo requires an api base url")
		}
		return newForgejoClient(baseURL, token), nil
	default:
		return nil, taskerr.Input("forge.new", fmt.Sprintf("unsupported scm %q", scm))
	}
}

// SplitRepoURL extracts owner and repo name from a clone URL such as
// https://git.example.com/acme/shop.git.
func SplitRepoURL(repoURL string) (owner, repo string, err error) {
	u, perr := url.Parse(repoURL)
	if perr != nil {
		return "", "", taskerr.Input("forge.split", "unparseable repo url")
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", taskerr.Input("forge.split", "repo url has no owner/name path: "+repoURL)
	}
	owner = parts[len(parts)-2]
	repo = strings.TrimSuffix(parts[len(parts)-1], ".git")
	if owner == "" || repo == "" {
		return "", "", taskerr.Input("forge.split", "repo url has no owner/name path: "+repoURL)
	}
	return owner, repo, nil
}
