package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCheckOutput(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, CheckOutput(filepath.Join(dir, "absent"), false))
	assert.NoError(t, CheckOutput(dir, false))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), nil, 0o644))
	assert.ErrorIs(t, CheckOutput(dir, false), ErrOutputNotEmpty)
	assert.NoError(t, CheckOutput(dir, true))

	assert.Error(t, CheckOutput(filepath.Join(dir, "x"), true))
}

func TestCommitCreatesDirectory(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "run")
	files := map[string][]byte{BadgeFile: []byte("{}\n"), ReceiptsFile: []byte("")}

	require.NoError(t, Commit(out, files, false, zap.NewNop()))
	got, err := os.ReadFile(filepath.Join(out, BadgeFile))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(got))
	assert.FileExists(t, filepath.Join(out, ReceiptsFile))

	// временные каталоги не остаются рядом с целевым
	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run", entries[0].Name())
}

func TestCommitOverwriteReplacesWholeSet(t *testing.T) {
	out := filepath.Join(t.TempDir(), "run")
	require.NoError(t, Commit(out, map[string][]byte{
		BadgeFile:  []byte("old"),
		AnchorFile: []byte("old anchor"),
	}, false, zap.NewNop()))
	require.NoError(t, os.WriteFile(filepath.Join(out, "notes.txt"), []byte("x"), 0o644))

	err := Commit(out, map[string][]byte{BadgeFile: []byte("new")}, false, zap.NewNop())
	require.ErrorIs(t, err, ErrOutputNotEmpty)

	require.NoError(t, Commit(out, map[string][]byte{BadgeFile: []byte("new")}, true, zap.NewNop()))
	got, err := os.ReadFile(filepath.Join(out, BadgeFile))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	assert.NoFileExists(t, filepath.Join(out, AnchorFile))
	assert.NoFileExists(t, filepath.Join(out, "notes.txt"))

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCommitBackupCleanupFailureIsOnlyLogged(t *testing.T) {
	out := filepath.Join(t.TempDir(), "run")
	require.NoError(t, Commit(out, map[string][]byte{BadgeFile: []byte("old")}, false, zap.NewNop()))

	orig := removeAll
	t.Cleanup(func() { removeAll = orig })
	removeAll = func(path string) error {
		if strings.HasSuffix(path, ".old") {
			return errors.New("device busy")
		}
		return orig(path)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	require.NoError(t, Commit(out, map[string][]byte{BadgeFile: []byte("new")}, true, zap.New(core)))

	got, err := os.ReadFile(filepath.Join(out, BadgeFile))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	require.Equal(t, 1, logs.FilterMessage("previous output not removed").Len())
	assert.Contains(t, logs.All()[0].ContextMap()["error"], "device busy")
}
