package runlog_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrisegview/pkg/runlog"
)

func openLog(t *testing.T) *runlog.Log {
	t.Helper()
	l, err := runlog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndGet(t *testing.T) {
	l := openLog(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(runlog.Run{
		ID:             "r1",
		SessionID:      "s1",
		Task:           "metastasis",
		InputPath:      "/data/uploads/t1.nii.gz",
		PredictionPath: "/data/runs/r1/prediction.nii.gz",
		MeshPath:       "/data/runs/r1/prediction.obj",
		Slices:         150,
		LabelVoxels:    4321,
		Status:         runlog.StatusSucceeded,
		StartedAt:      started,
		FinishedAt:     started.Add(90 * time.Second),
	}))

	r, err := l.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, "metastasis", r.Task)
	assert.Equal(t, 150, r.Slices)
	assert.Equal(t, int64(4321), r.LabelVoxels)
	assert.Equal(t, runlog.StatusSucceeded, r.Status)
	assert.True(t, started.Equal(r.StartedAt))
	assert.Equal(t, 90*time.Second, r.FinishedAt.Sub(r.StartedAt))
}

func TestGetUnknownRun(t *testing.T) {
	l := openLog(t)
	_, err := l.Get("missing")
	assert.True(t, errors.Is(err, runlog.ErrNotFound))
}

func TestRecordReplacesSameID(t *testing.T) {
	l := openLog(t)
	require.NoError(t, l.Record(runlog.Run{ID: "r1", Task: "brain", Status: runlog.StatusFailed, Error: "boom"}))
	require.NoError(t, l.Record(runlog.Run{ID: "r1", Task: "brain", Status: runlog.StatusSucceeded}))

	runs, err := l.List(runlog.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runlog.StatusSucceeded, runs[0].Status)
	assert.Empty(t, runs[0].Error)
}

func TestRecordRequiresID(t *testing.T) {
	l := openLog(t)
	assert.Error(t, l.Record(runlog.Run{Task: "brain"}))
}

func TestListFiltersAndOrders(t *testing.T) {
	l := openLog(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, r := range []runlog.Run{
		{ID: "a", SessionID: "s1", Task: "brain", Status: runlog.StatusSucceeded},
		{ID: "b", SessionID: "s1", Task: "metastasis", Status: runlog.StatusFailed},
		{ID: "c", SessionID: "s2", Task: "brain", Status: runlog.StatusSucceeded},
	} {
		r.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, l.Record(r))
	}

	runs, err := l.List(runlog.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].ID) // newest first

	runs, err = l.List(runlog.Filter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = l.List(runlog.Filter{Task: "brain", Status: runlog.StatusSucceeded})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = l.List(runlog.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	l, err := runlog.Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(runlog.Run{ID: "r1", Task: "brain", Status: runlog.StatusSucceeded}))
	require.NoError(t, l.Close())

	l, err = runlog.Open(path)
	require.NoError(t, err)
	defer l.Close()
	r, err := l.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, "brain", r.Task)
}
