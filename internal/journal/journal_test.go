package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func steppingClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestJournal_BeginFinishGet(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	j.now = steppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	id, err := j.Begin(ctx, "2024010100", ModeSingle)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, err := j.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC), run.StartedAt)

	require.NoError(t, j.Finish(ctx, id, Outcome{Files: 3, BackupDir: "/srv/backup/patch_20240101000001"}))

	run, err = j.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, 3, run.Files)
	assert.Equal(t, "/srv/backup/patch_20240101000001", run.BackupDir)
	require.NotNil(t, run.FinishedAt)
	assert.True(t, run.FinishedAt.After(run.StartedAt))
}

func TestJournal_FinishFailure(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	id, err := j.Begin(ctx, "2024010100", ModeTwoPhase)
	require.NoError(t, err)
	require.NoError(t, j.Finish(ctx, id, Outcome{Err: errors.New("download failed: apps/a.php")}))

	run, err := j.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, ModeTwoPhase, run.Mode)
	assert.Equal(t, "download failed: apps/a.php", run.Error)
}

func TestJournal_UnknownRun(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	assert.ErrorIs(t, j.Finish(ctx, "missing", Outcome{}), ErrNotFound)
	_, err := j.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJournal_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	j.now = steppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	for _, v := range []string{"2024010100", "2024010200", "2024010300"} {
		_, err := j.Begin(ctx, v, ModeSingle)
		require.NoError(t, err)
	}

	runs, err := j.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "2024010300", runs[0].Version)
	assert.Equal(t, "2024010100", runs[2].Version)

	runs, err = j.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestJournal_ReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Begin(ctx, "2024010100", ModeSingle)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	runs, err := j.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
