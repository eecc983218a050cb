package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestRun_LazyCreation(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	run := NewRun(root, now)

	assert.Empty(t, run.Dir())
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "no directory before the first save")

	src := filepath.Join(t.TempDir(), "IndexController.php")
	writeFile(t, src, "<?php old")

	require.NoError(t, run.Save("apps/home/IndexController.php", src))

	wantDir := filepath.Join(root, "patch_20240102030405")
	assert.Equal(t, wantDir, run.Dir())
	got, err := os.ReadFile(filepath.Join(wantDir, "apps", "home", "IndexController.php"))
	require.NoError(t, err)
	assert.Equal(t, "<?php old", string(got))
	assert.Equal(t, []string{"apps/home/IndexController.php"}, run.Files())
}

func TestRun_SameSecondRunsDoNotShareADirectory(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	src := filepath.Join(t.TempDir(), "a.txt")

	writeFile(t, src, "ORIGINAL")
	first := NewRun(root, now)
	require.NoError(t, first.Save("a.txt", src))

	writeFile(t, src, "v1")
	second := NewRun(root, now)
	require.NoError(t, second.Save("a.txt", src))

	assert.Equal(t, filepath.Join(root, "patch_20240102030405"), first.Dir())
	assert.Equal(t, filepath.Join(root, "patch_20240102030405_2"), second.Dir())

	got, err := os.ReadFile(filepath.Join(first.Dir(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ORIGINAL", string(got), "earlier backup is never overwritten")

	got, err = os.ReadFile(filepath.Join(second.Dir(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	// A run keeps writing into the directory it claimed.
	require.NoError(t, first.Save("b.txt", src))
	assert.FileExists(t, filepath.Join(root, "patch_20240102030405", "b.txt"))
}

func TestRun_SaveRejectsUnsafePath(t *testing.T) {
	run := NewRun(t.TempDir(), time.Now())
	src := filepath.Join(t.TempDir(), "x")
	writeFile(t, src, "x")

	assert.Error(t, run.Save("../escape", src))
	assert.Empty(t, run.Dir())
}

func TestRun_SaveMissingSource(t *testing.T) {
	run := NewRun(t.TempDir(), time.Now())
	assert.Error(t, run.Save("a.txt", filepath.Join(t.TempDir(), "missing")))
}

func TestListAndPrune(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"patch_20240103000000", "patch_20240101000000", "patch_20240102000000", "unrelated", "patch_garbage", "patch_20240101000000_x"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0755))
	}
	writeFile(t, filepath.Join(root, "patch_20240104000000"), "a file, not a dir")

	entries, err := List(root)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "patch_20240101000000", entries[0].Name)
	assert.Equal(t, "patch_20240103000000", entries[2].Name)
	assert.Equal(t, 2024, entries[0].Created.Year())

	removed, err := Prune(root, 1)
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, "patch_20240101000000", removed[0].Name)

	entries, err = List(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "patch_20240103000000", entries[0].Name)

	_, err = os.Stat(filepath.Join(root, "unrelated"))
	assert.NoError(t, err, "foreign directories are left alone")
}

func TestPrune_KeepMoreThanPresent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "patch_20240101000000"), 0755))

	removed, err := Prune(root, 5)
	require.NoError(t, err)
	assert.Empty(t, removed)

	_, err = Prune(root, -1)
	assert.Error(t, err)
}

func TestList_OrdersClaimSuffixes(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"patch_20240101000000_10", "patch_20240101000000_2", "patch_20240101000000", "patch_20231231235959_3"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0755))
	}

	entries, err := List(root)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{
		"patch_20231231235959_3",
		"patch_20240101000000",
		"patch_20240101000000_2",
		"patch_20240101000000_10",
	}, names)

	removed, err := Prune(root, 1)
	require.NoError(t, err)
	require.Len(t, removed, 3)
	_, err = os.Stat(filepath.Join(root, "patch_20240101000000_10"))
	assert.NoError(t, err, "the newest claim survives")
}

func TestList_MissingRoot(t *testing.T) {
	entries, err := List(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
