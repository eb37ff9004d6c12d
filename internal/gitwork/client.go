// Package gitwork adapts go-git for the pipeline's working-copy operations:
// clone at a commit, create the fix branch, commit the applied patch and push
// the branch to the origin remote.
package gitwork

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// Client performs git operations on per-build working copies.
type Client struct {
	token      string // forge token for https remotes; empty for anonymous
	authorName string
	authorMail string
}

// NewClient creates a git client. token may be empty for public repositories.
func NewClient(token string) *Client {
	return &Client{token: token, authorName: "cifixer", authorMail: "cifixer@noreply.local"}
}

func (c *Client) auth() transport.AuthMethod {
	if c.token == "" {
		return nil
	}
	// Token-as-password works for GitHub, GitLab and Forgejo https remotes.
	return &githttp.BasicAuth{Username: "cifixer", Password: c.token}
}

// Clone clones repoURL at branch into dir and checks out commitSHA.
func (c *Client) Clone(ctx context.Context, repoURL, branch, commitSHA, dir string) error {
	slog.Debug("cloning repository", logfields.Repo(repoURL), logfields.Branch(branch), logfields.Path(dir))

	opts := &git.CloneOptions{URL: repoURL, Auth: c.auth()}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return classifyGitError("clone", repoURL, err)
	}

	if commitSHA != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return taskerr.Internal("gitwork.clone", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commitSHA)}); err != nil {
			return taskerr.Input("gitwork.clone", fmt.Sprintf("commit %s not found on %s", commitSHA, branch))
		}
	}

	if ref, herr := repo.Head(); herr == nil {
		slog.Info("repository cloned", logfields.Repo(repoURL), logfields.Commit(ref.Hash().String()[:8]), logfields.Path(dir))
	}
	return nil
}

// CheckoutNewBranch creates and checks out a fresh branch in the working copy.
func (c *Client) CheckoutNewBranch(dir, name string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return taskerr.Input("gitwork.branch", "not a git working copy: "+dir)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return taskerr.Internal("gitwork.branch", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	})
	if err != nil {
		return classifyGitError("branch", dir, err)
	}
	return nil
}

// CommitAll stages every change in the working copy and commits it.
// Returns the created commit hash.
func (c *Client) CommitAll(dir, message string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", taskerr.Input("gitwork.commit", "not a git working copy: "+dir)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", taskerr.Internal("gitwork.commit", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", taskerr.Internal("gitwork.commit", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: c.authorName, Email: c.authorMail, When: time.Now()},
	})
	if err != nil {
		return "", classifyGitError("commit", dir, err)
	}
	return hash.String(), nil
}

// Push publishes branch to origin.
func (c *Client) Push(ctx context.Context, dir, branch string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return taskerr.Input("gitwork.push", "not a git working copy: "+dir)
	}
	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       c.auth(),
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return classifyGitError("push", dir, err)
	}
	return nil
}

// classifyGitError maps go-git failures onto the retry taxonomy without
// string parsing downstream.
func classifyGitError(op, target string, err error) error {
	l := strings.ToLower(err.Error())
	switch {
	case strings.Contains(l, "authentication") || strings.Contains(l, "authorization") ||
		strings.Contains(l, "invalid username or password"):
		return taskerr.Collaborator("gitwork."+op, "authentication failed for "+target, false, err)
	case strings.Contains(l, "not found") || strings.Contains(l, "repository does not exist"):
		return taskerr.Input("gitwork."+op, "repository or ref not found: "+target)
	case strings.Contains(l, "rate limit") || strings.Contains(l, "too many requests"):
		return taskerr.Collaborator("gitwork."+op, "rate limited by remote", true, err)
	case strings.Contains(l, "already exists"):
		return taskerr.Input("gitwork."+op, "branch already exists")
	default:
		return taskerr.Transient("gitwork."+op, err)
	}
}
