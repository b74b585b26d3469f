package pkg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "src", "pkg", "deep")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tasks.star"), nil, 0o644))

	found, err := FindProjectRoot(nested, "tasks.star", ".git")
	require.NoError(t, err)
	assert.Equal(t, root, found)

	require.NoError(t, os.Mkdir(filepath.Join(root, "src", ".git"), 0o755))
	found, err = FindProjectRoot(nested, "tasks.star", ".git")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "src"), found)
}

func TestFindProjectRootMissing(t *testing.T) {
	_, err := FindProjectRoot(t.TempDir(), "a-marker-that-does-not-exist.xyz")
	assert.True(t, eris.Is(err, ErrNoProject))
}
