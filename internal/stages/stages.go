// Package stages implements the seven pipeline stage handlers. Each handler
// reads its inputs from the task payload and the artifact store, talks to one
// collaborator, persists its artifact and reports a tagged outcome. All
// infrastructure failures travel inside the outcome so the retry policy can
// classify them centrally.
package stages

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/cifixer/internal/buildtool"
	"git.home.luguber.info/inful/cifixer/internal/forge"
	"git.home.luguber.info/inful/cifixer/internal/llm"
	"git.home.luguber.info/inful/cifixer/internal/mailer"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/redact"
	"git.home.luguber.info/inful/cifixer/internal/store"
	"git.home.luguber.info/inful/cifixer/internal/workspace"
)

// GitClient is the subset of gitwork the stages depend on.
type GitClient interface {
	Clone(ctx context.Context, repoURL, branch, commitSHA, dir string) error
	CheckoutNewBranch(dir, name string) error
	CommitAll(dir, message string) (string, error)
	Push(ctx context.Context, dir, branch string) error
}

// Compiler runs the compile validation in a working copy.
type Compiler interface {
	Compile(ctx context.Context, dir string) (*buildtool.Result, error)
}

// ForgeDialer builds a forge client for the scm flavor a build arrived with.
type ForgeDialer func(scm forge.SCM) (forge.Client, error)

// Deps bundles the collaborators the handlers are wired against.
type Deps struct {
	Store      *store.Store
	Workspace  *workspace.Manager
	Git        GitClient
	Generator  llm.Generator
	Compiler   Compiler
	Forge      ForgeDialer
	Mailer     mailer.Sender
	Redactor   *redact.Redactor
	Recipients []string
}

// Stages owns the handler implementations.
type Stages struct {
	deps Deps
}

// New creates the stage set. A nil Redactor degrades to no redaction.
func New(deps Deps) *Stages {
	if deps.Redactor == nil {
		deps.Redactor = redact.New()
	}
	return &Stages{deps: deps}
}

// RegisterAll binds every stage handler into the registry.
func (s *Stages) RegisterAll(reg *pipeline.Registry) {
	reg.Register(pipeline.KindPlan, s.Plan)
	reg.Register(pipeline.KindRepo, s.Repo)
	reg.Register(pipeline.KindRetrieve, s.Retrieve)
	reg.Register(pipeline.KindPatch, s.Patch)
	reg.Register(pipeline.KindValidate, s.Validate)
	reg.Register(pipeline.KindCreatePR, s.CreatePR)
	reg.Register(pipeline.KindNotify, s.Notify)
}

// listRepoFiles walks the working copy and returns repo-relative candidate
// paths for the ranker: java sources plus the build descriptors.
func listRepoFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if strings.HasSuffix(rel, ".java") || rel == "pom.xml" || rel == "build.gradle" {
			out = append(out, rel)
		}
		return nil
	})
	return out, err
}
