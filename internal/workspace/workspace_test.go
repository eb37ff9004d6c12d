package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDirLayout(t *testing.T) {
	m := NewManager("/work")
	assert.Equal(t, filepath.Join("/work", "build-42"), m.BuildDir(42))
}

func TestPrepareRemovesStaleContents(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	dir, err := m.Prepare(7)
	require.NoError(t, err)
	stale := filepath.Join(dir, "leftover.txt")
	require.NoError(t, os.WriteFile(stale, []byte("partial clone"), 0o644))

	dir2, err := m.Prepare(7)
	require.NoError(t, err)
	assert.Equal(t, dir, dir2)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestBuildIDFromDir(t *testing.T) {
	id, ok := BuildIDFromDir("build-123")
	require.True(t, ok)
	assert.Equal(t, int64(123), id)

	for _, name := range []string{"build-", "build-abc", "tmp", "build-12x"} {
		_, ok := BuildIDFromDir(name)
		assert.False(t, ok, name)
	}
}

func TestValidatePatchPathAllowed(t *testing.T) {
	for _, p := range []string{
		"src/main/java/com/example/App.java",
		"src/test/java/com/example/AppTest.java",
		"pom.xml",
		"build.gradle",
	} {
		assert.NoError(t, ValidatePatchPath(p), p)
	}
}

func TestValidatePatchPathRejected(t *testing.T) {
	for _, p := range []string{
		"",
		"/etc/passwd",
		"src/main/java/../../../etc/passwd",
		"src/main/resources/app.yml",
		"README.md",
		"~/.ssh/authorized_keys",
		"src/main/java/$HOME/x.java",
		"src/main/java/a\x00b.java",
		"..",
		"settings.gradle",
	} {
		assert.Error(t, ValidatePatchPath(p), p)
	}
}
