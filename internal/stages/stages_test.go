package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/cifixer/internal/buildtool"
	"git.home.luguber.info/inful/cifixer/internal/forge"
	"git.home.luguber.info/inful/cifixer/internal/mailer"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/store"
	"git.home.luguber.info/inful/cifixer/internal/taskerr"
	"git.home.luguber.info/inful/cifixer/internal/workspace"
)

const mavenLog = `[INFO] Compiling 12 source files
[ERROR] /work/src/main/java/com/example/App.java:[5,8] cannot find symbol
[ERROR] BUILD FAILURE`

type fakeGit struct {
	cloneErr  error
	commitSHA string
	pushed    []string
	branches  []string
}

func (f *fakeGit) Clone(_ context.Context, _, _, _, dir string) error {
	if f.cloneErr != nil {
		return f.cloneErr
	}
	return os.MkdirAll(dir, 0o755)
}
func (f *fakeGit) CheckoutNewBranch(_, name string) error {
	f.branches = append(f.branches, name)
	return nil
}
func (f *fakeGit) CommitAll(_, _ string) (string, error) {
	if f.commitSHA == "" {
		f.commitSHA = "0123456789abcdef0123456789abcdef01234567"
	}
	return f.commitSHA, nil
}
func (f *fakeGit) Push(_ context.Context, _, branch string) error {
	f.pushed = append(f.pushed, branch)
	return nil
}

type fakeGenerator struct {
	diff string
	err  error
}

func (f *fakeGenerator) GeneratePatch(context.Context, string) (string, error) {
	return f.diff, f.err
}

type fakeCompiler struct {
	result *buildtool.Result
	err    error
}

func (f *fakeCompiler) Compile(context.Context, string) (*buildtool.Result, error) {
	return f.result, f.err
}

type fakeForge struct {
	existing *forge.PullRequest
	created  *forge.PullRequest
	creates  int
}

func (f *fakeForge) FindByHead(context.Context, string, string, string) (*forge.PullRequest, error) {
	return f.existing, nil
}
func (f *fakeForge) Create(_ context.Context, req forge.CreateRequest) (*forge.PullRequest, error) {
	f.creates++
	f.created = &forge.PullRequest{Number: 7, URL: "http://x/pull/7", Title: req.Title}
	return f.created, nil
}

type fakeMailer struct {
	sent []mailer.Message
	err  error
}

func (f *fakeMailer) Send(msg mailer.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fixture struct {
	stages *Stages
	store  *store.Store
	git    *fakeGit
	gen    *fakeGenerator
	comp   *fakeCompiler
	forge  *fakeForge
	mail   *fakeMailer
	build  *pipeline.Build
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store: st,
		git:   &fakeGit{},
		gen:   &fakeGenerator{},
		comp:  &fakeCompiler{result: &buildtool.Result{Tool: buildtool.ToolMaven, Success: true}},
		forge: &fakeForge{},
		mail:  &fakeMailer{},
	}
	f.stages = New(Deps{
		Store:      st,
		Workspace:  workspace.NewManager(t.TempDir()),
		Git:        f.git,
		Generator:  f.gen,
		Compiler:   f.comp,
		Forge:      func(forge.SCM) (forge.Client, error) { return f.forge, nil },
		Mailer:     f.mail,
		Recipients: []string{"dev@example.com"},
	})

	f.build, err = st.CreateBuild(&pipeline.Build{
		Job: "shop-ci", BuildNumber: 42, Branch: "main",
		RepoURL: "https://git.example.com/acme/shop.git", CommitSHA: "abc1234",
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) task(kind pipeline.Kind) *pipeline.Task {
	return &pipeline.Task{ID: 1, BuildID: f.build.ID, Kind: kind}
}

func TestPlanPersistsStructuredPlan(t *testing.T) {
	f := newFixture(t)
	out := f.stages.Plan(context.Background(), f.task(pipeline.KindPlan),
		pipeline.Payload{pipeline.KeyBuildLogs: mavenLog})
	require.Equal(t, pipeline.OutcomeCompleted, out.Status)

	plan, err := f.store.PlanForBuild(f.build.ID)
	require.NoError(t, err)
	assert.Equal(t, "compile", plan.ErrorClass)
	assert.Contains(t, plan.FailingFiles, "src/main/java/com/example/App.java")
	assert.NotEmpty(t, plan.Steps)
}

func TestPlanFailsWithoutLogs(t *testing.T) {
	f := newFixture(t)
	out := f.stages.Plan(context.Background(), f.task(pipeline.KindPlan), pipeline.Payload{})
	assert.Equal(t, pipeline.OutcomeFailed, out.Status)
	assert.Equal(t, taskerr.KindInput, taskerr.KindOf(out.Err))
}

func TestRepoClonesAndCreatesFixBranch(t *testing.T) {
	f := newFixture(t)
	out := f.stages.Repo(context.Background(), f.task(pipeline.KindRepo), pipeline.Payload{
		pipeline.KeyRepoURL:   "https://git.example.com/acme/shop.git",
		pipeline.KeyBranch:    "main",
		pipeline.KeyCommitSHA: "abc1234",
	})
	require.Equal(t, pipeline.OutcomeCompleted, out.Status)
	assert.NotEmpty(t, out.Metadata[pipeline.KeyWorkingDirectory])
	assert.Contains(t, out.Metadata[pipeline.KeyFixBranch], "ci-fix/")
	require.Len(t, f.git.branches, 1)
}

func TestRepoRetriesOnCloneFailure(t *testing.T) {
	f := newFixture(t)
	f.git.cloneErr = taskerr.Transient("gitwork.clone", errors.New("connection reset"))
	out := f.stages.Repo(context.Background(), f.task(pipeline.KindRepo), pipeline.Payload{
		pipeline.KeyRepoURL: "https://git.example.com/acme/shop.git",
	})
	assert.Equal(t, pipeline.OutcomeRetry, out.Status)
	assert.True(t, taskerr.Retryable(out.Err))
}

func workdirWith(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func TestRetrieveRanksCandidates(t *testing.T) {
	f := newFixture(t)
	dir := workdirWith(t, map[string]string{
		"src/main/java/com/example/App.java":   "public class App {}",
		"src/main/java/com/example/Other.java": "public class Other {}",
		"pom.xml":                              "<project/>",
	})

	out := f.stages.Retrieve(context.Background(), f.task(pipeline.KindRetrieve), pipeline.Payload{
		pipeline.KeyWorkingDirectory: dir,
		pipeline.KeyBuildLogs:        mavenLog,
	})
	require.Equal(t, pipeline.OutcomeCompleted, out.Status)

	candidates, err := f.store.CandidatesForBuild(f.build.ID)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "src/main/java/com/example/App.java", candidates[0].Path)
}

func TestRetrieveFailsWithEmptyWorkdir(t *testing.T) {
	f := newFixture(t)
	out := f.stages.Retrieve(context.Background(), f.task(pipeline.KindRetrieve), pipeline.Payload{
		pipeline.KeyWorkingDirectory: t.TempDir(),
		pipeline.KeyBuildLogs:        "garbage",
	})
	assert.Equal(t, pipeline.OutcomeFailed, out.Status)
}

const fixDiff = `--- a/src/main/java/com/example/App.java
+++ b/src/main/java/com/example/App.java
@@ -1,3 +1,3 @@
 public class App {
-    int x = 1
+    int x = 1;
 }
`

func seedPlanAndCandidates(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.store.SavePlan(&pipeline.Plan{
		BuildID: f.build.ID, ErrorClass: "compile", Summary: "compile: cannot find symbol",
		FailingFiles: []string{"src/main/java/com/example/App.java"},
		Steps:        []string{"inspect"},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveCandidateFiles(f.build.ID, []pipeline.CandidateFile{
		{BuildID: f.build.ID, Path: "src/main/java/com/example/App.java", Reason: "reported", RankScore: 100},
	}))
}

func TestPatchAppliesGeneratedDiff(t *testing.T) {
	f := newFixture(t)
	seedPlanAndCandidates(t, f)
	dir := workdirWith(t, map[string]string{
		"src/main/java/com/example/App.java": "public class App {\n    int x = 1\n}\n",
	})
	f.gen.diff = fixDiff

	out := f.stages.Patch(context.Background(), f.task(pipeline.KindPatch), pipeline.Payload{
		pipeline.KeyWorkingDirectory: dir,
		pipeline.KeyBuildLogs:        mavenLog,
	})
	require.Equal(t, pipeline.OutcomeCompleted, out.Status, out.Message)

	data, err := os.ReadFile(filepath.Join(dir, "src/main/java/com/example/App.java"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "int x = 1;")

	saved, err := f.store.PatchForBuild(f.build.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main/java/com/example/App.java"}, saved.Files)
	assert.NotEmpty(t, saved.CommitSHA)
}

func TestPatchToleratesShortCommitHash(t *testing.T) {
	f := newFixture(t)
	seedPlanAndCandidates(t, f)
	dir := workdirWith(t, map[string]string{
		"src/main/java/com/example/App.java": "public class App {\n    int x = 1\n}\n",
	})
	f.gen.diff = fixDiff
	f.git.commitSHA = "abc123"

	out := f.stages.Patch(context.Background(), f.task(pipeline.KindPatch), pipeline.Payload{
		pipeline.KeyWorkingDirectory: dir,
		pipeline.KeyBuildLogs:        mavenLog,
	})
	require.Equal(t, pipeline.OutcomeCompleted, out.Status, out.Message)

	saved, err := f.store.PatchForBuild(f.build.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", saved.CommitSHA)
}

func TestPatchRetriesOnUnusableDiff(t *testing.T) {
	f := newFixture(t)
	seedPlanAndCandidates(t, f)
	f.gen.diff = "this is not a diff"

	out := f.stages.Patch(context.Background(), f.task(pipeline.KindPatch), pipeline.Payload{
		pipeline.KeyWorkingDirectory: t.TempDir(),
	})
	assert.Equal(t, pipeline.OutcomeRetry, out.Status)
	assert.Contains(t, out.Message, "unusable")
}

func TestPatchRejectsDiffOutsideAllowlist(t *testing.T) {
	f := newFixture(t)
	seedPlanAndCandidates(t, f)
	f.gen.diff = `--- a/.github/workflows/ci.yml
+++ b/.github/workflows/ci.yml
@@ -1 +1 @@
-a
+b
`
	out := f.stages.Patch(context.Background(), f.task(pipeline.KindPatch), pipeline.Payload{
		pipeline.KeyWorkingDirectory: t.TempDir(),
	})
	assert.Equal(t, pipeline.OutcomeRetry, out.Status)
	assert.Equal(t, taskerr.KindSafety, taskerr.KindOf(out.Err))
}

func TestValidateSuccess(t *testing.T) {
	f := newFixture(t)
	out := f.stages.Validate(context.Background(), f.task(pipeline.KindValidate), pipeline.Payload{
		pipeline.KeyWorkingDirectory: t.TempDir(),
	})
	require.Equal(t, pipeline.OutcomeCompleted, out.Status)
}

func TestValidateCompileFailureRequestsRetryWithOutput(t *testing.T) {
	f := newFixture(t)
	f.comp.result = &buildtool.Result{
		Tool: buildtool.ToolMaven, Success: false,
		Output: "[ERROR] cannot find symbol",
	}
	out := f.stages.Validate(context.Background(), f.task(pipeline.KindValidate), pipeline.Payload{
		pipeline.KeyWorkingDirectory: t.TempDir(),
	})
	assert.Equal(t, pipeline.OutcomeRetry, out.Status)
	assert.Contains(t, out.Message, "cannot find symbol")
	assert.True(t, taskerr.Retryable(out.Err))
}

func TestCreatePROpensAndRecords(t *testing.T) {
	f := newFixture(t)
	out := f.stages.CreatePR(context.Background(), f.task(pipeline.KindCreatePR), pipeline.Payload{
		pipeline.KeyWorkingDirectory: t.TempDir(),
		pipeline.KeyFixBranch:        "ci-fix/1",
		pipeline.KeyRepoURL:          "https://git.example.com/acme/shop.git",
		pipeline.KeyBranch:           "main",
		pipeline.KeySCM:              "forgejo",
	})
	require.Equal(t, pipeline.OutcomeCompleted, out.Status, out.Message)
	assert.Equal(t, 1, f.forge.creates)
	assert.Equal(t, []string{"ci-fix/1"}, f.git.pushed)
	assert.Equal(t, "http://x/pull/7", out.Metadata[pipeline.KeyPRURL])

	pr, err := f.store.PullRequestForBuild(f.build.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
}

func TestCreatePRSkipsWhenLocalRecordExists(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.SavePullRequest(&pipeline.PullRequest{
		BuildID: f.build.ID, Number: 3, URL: "http://x/pull/3",
		HeadBranch: "ci-fix/1", BaseBranch: "main",
	})
	require.NoError(t, err)

	out := f.stages.CreatePR(context.Background(), f.task(pipeline.KindCreatePR), pipeline.Payload{
		pipeline.KeyWorkingDirectory: t.TempDir(),
		pipeline.KeyFixBranch:        "ci-fix/1",
		pipeline.KeyRepoURL:          "https://git.example.com/acme/shop.git",
	})
	require.Equal(t, pipeline.OutcomeCompleted, out.Status)
	assert.Zero(t, f.forge.creates)
	assert.Empty(t, f.git.pushed)
}

func TestCreatePRSkipsWhenForgeHasOpenPR(t *testing.T) {
	f := newFixture(t)
	f.forge.existing = &forge.PullRequest{Number: 5, URL: "http://x/pull/5"}

	out := f.stages.CreatePR(context.Background(), f.task(pipeline.KindCreatePR), pipeline.Payload{
		pipeline.KeyWorkingDirectory: t.TempDir(),
		pipeline.KeyFixBranch:        "ci-fix/1",
		pipeline.KeyRepoURL:          "https://git.example.com/acme/shop.git",
		pipeline.KeyBranch:           "main",
	})
	require.Equal(t, pipeline.OutcomeCompleted, out.Status)
	assert.Zero(t, f.forge.creates)
	assert.Equal(t, 5, out.Metadata[pipeline.KeyPRNumber])
}

func TestNotifySendsSuccessMail(t *testing.T) {
	f := newFixture(t)
	out := f.stages.Notify(context.Background(), f.task(pipeline.KindNotify), pipeline.Payload{
		pipeline.KeyPRURL: "http://x/pull/7",
	})
	require.Equal(t, pipeline.OutcomeCompleted, out.Status)
	require.Len(t, f.mail.sent, 1)
	assert.Contains(t, f.mail.sent[0].Subject, "fix proposed")

	sent, err := f.store.HasNotification(f.build.ID, pipeline.NotificationSuccess)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestNotifyIsIdempotentPerType(t *testing.T) {
	f := newFixture(t)
	payload := pipeline.Payload{}
	require.Equal(t, pipeline.OutcomeCompleted,
		f.stages.Notify(context.Background(), f.task(pipeline.KindNotify), payload).Status)
	require.Equal(t, pipeline.OutcomeCompleted,
		f.stages.Notify(context.Background(), f.task(pipeline.KindNotify), payload).Status)
	assert.Len(t, f.mail.sent, 1)
}

func TestNotifyFailureMail(t *testing.T) {
	f := newFixture(t)
	out := f.stages.Notify(context.Background(), f.task(pipeline.KindNotify), pipeline.Payload{
		pipeline.KeyNotificationType: string(pipeline.NotificationFailure),
		pipeline.KeyFailedStage:      "validate",
		pipeline.KeyFailureReason:    "compile failed with token = abcdefgh12345678",
	})
	require.Equal(t, pipeline.OutcomeCompleted, out.Status)
	require.Len(t, f.mail.sent, 1)
	assert.Contains(t, f.mail.sent[0].Subject, "could not fix")
	assert.Contains(t, f.mail.sent[0].Markdown, "**validate**")
	assert.NotContains(t, f.mail.sent[0].Markdown, "abcdefgh12345678")
}

func TestRegisterAllBindsEveryKind(t *testing.T) {
	f := newFixture(t)
	reg := pipeline.NewRegistry()
	f.stages.RegisterAll(reg)
	for _, kind := range pipeline.Kinds {
		_, ok := reg.Get(kind)
		assert.True(t, ok, string(kind))
	}
}
