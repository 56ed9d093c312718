package segment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrisegview/pkg/nifti"
)

func request(dir string) Request {
	return Request{
		InputPath:   filepath.Join(dir, "t1gd.nii.gz"),
		ModelDir:    filepath.Join(dir, "models"),
		TaskID:      "MRI_Metastasis",
		ResultLabel: "Tumor",
		OutputPath:  filepath.Join(dir, "run", "prediction.nii.gz"),
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec backend tests use /bin/sh")
	}
}

func TestExecPassesRequestAndChecksOutput(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	req := request(dir)

	// the fake model writes the task it was asked for into the prediction path
	script := `while [ $# -gt 0 ]; do case "$1" in --task) task="$2";; --output) out="$2";; esac; shift; done; printf '%s' "$task" > "$out"`
	seg := NewExec("/bin/sh", "-c", script, "model")
	require.NoError(t, seg.Segment(context.Background(), req))

	data, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "MRI_Metastasis", string(data))
}

func TestExecFailureIsExternalModelError(t *testing.T) {
	requireShell(t)
	req := request(t.TempDir())

	seg := NewExec("/bin/sh", "-c", "echo weights missing >&2; exit 3", "model")
	err := seg.Segment(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExternalModel))

	var modelErr *ExternalModelError
	require.True(t, errors.As(err, &modelErr))
	assert.Equal(t, "MRI_Metastasis", modelErr.TaskID)
	assert.Equal(t, "weights missing", modelErr.Output)
}

func TestExecWithoutPredictionFails(t *testing.T) {
	requireShell(t)
	req := request(t.TempDir())

	err := NewExec("/bin/sh", "-c", "exit 0", "model").Segment(context.Background(), req)
	assert.True(t, errors.Is(err, ErrExternalModel))
	assert.True(t, errors.Is(err, ErrNoPrediction))
}

func TestExecWithoutCommand(t *testing.T) {
	err := NewExec().Segment(context.Background(), request(t.TempDir()))
	assert.True(t, errors.Is(err, ErrExternalModel))
}

func TestThresholdWritesBinaryPrediction(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	dir := t.TempDir()
	req := request(dir)

	scan := nifti.NewImage(4, 4, 2)
	for i := range scan.Data {
		scan.Data[i] = float64(i)
	}
	require.NoError(t, nifti.WriteFile(req.InputPath, scan))

	require.NoError(t, NewThreshold(0.75).Segment(context.Background(), req))

	pred, err := nifti.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, nifti.DTUint8, pred.Datatype)
	assert.Equal(t, 32, len(pred.Data))

	labelled := 0
	for i, v := range pred.Data {
		if v == 1 {
			labelled++
			assert.Greater(t, scan.Data[i], 20.0)
		}
	}
	assert.Equal(t, 8, labelled)
}

func TestThresholdMissingInput(t *testing.T) {
	err := NewThreshold(0.5).Segment(context.Background(), request(t.TempDir()))
	assert.True(t, errors.Is(err, ErrExternalModel))

	err = NewThreshold(1.5).Segment(context.Background(), request(t.TempDir()))
	assert.True(t, errors.Is(err, ErrExternalModel))
}
