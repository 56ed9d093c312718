// Package segment invokes the segmentation model that turns an uploaded scan
// into a prediction volume.
package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"mrisegview/pkg/logging"
	"mrisegview/pkg/nifti"
)

var (
	// ErrExternalModel is the kind carried by every ExternalModelError.
	ErrExternalModel = errors.New("segmentation model failed")

	// ErrNoPrediction means the model exited cleanly but wrote nothing.
	ErrNoPrediction = errors.New("model produced no prediction")
)

// maxStderr bounds how much model output is kept in an error
const maxStderr = 4096

// Request carries everything the model needs for one run.
type Request struct {
	// InputPath is the uploaded scan
	InputPath string

	// ModelDir is the model resource directory
	ModelDir string

	// TaskID is the model's task identifier, e.g. MRI_Metastasis
	TaskID string

	// ResultLabel names the segmented structure, e.g. Tumor
	ResultLabel string

	// OutputPath is where the model must write the prediction volume
	OutputPath string
}

// Segmenter runs the segmentation model. It blocks until the prediction is
// written to req.OutputPath or the model fails.
type Segmenter interface {
	Segment(ctx context.Context, req Request) error
}

// ExternalModelError reports a failed model invocation.
type ExternalModelError struct {
	TaskID string
	Err    error

	// Output is the tail of the model's stderr, if any
	Output string
}

func (e *ExternalModelError) Error() string {
	msg := fmt.Sprintf("%s (task %s): %v", ErrExternalModel.Error(), e.TaskID, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ExternalModelError) Unwrap() error { return e.Err }

func (e *ExternalModelError) Is(target error) bool { return target == ErrExternalModel }

// checkOutput turns a missing prediction into an ExternalModelError
func checkOutput(req Request) error {
	info, err := os.Stat(req.OutputPath)
	if err != nil || info.Size() == 0 {
		return &ExternalModelError{TaskID: req.TaskID, Err: fmt.Errorf("%w at %s", ErrNoPrediction, req.OutputPath)}
	}
	return nil
}

// Exec runs an external model program. The request is appended to Command as
//
//	--input <path> --model-dir <dir> --task <id> --name <label> --output <path>
type Exec struct {
	Command []string

	// Env is added to the inherited environment
	Env []string
}

// NewExec returns an Exec backend for the given argv prefix
func NewExec(command ...string) *Exec {
	return &Exec{Command: command}
}

// Segment implements Segmenter
func (e *Exec) Segment(ctx context.Context, req Request) error {
	if len(e.Command) == 0 {
		return &ExternalModelError{TaskID: req.TaskID, Err: errors.New("no model command configured")}
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return &ExternalModelError{TaskID: req.TaskID, Err: err}
	}

	args := append(append([]string{}, e.Command[1:]...),
		"--input", req.InputPath,
		"--model-dir", req.ModelDir,
		"--task", req.TaskID,
		"--name", req.ResultLabel,
		"--output", req.OutputPath,
	)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Env = append(os.Environ(), e.Env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logging.Debugf("Running model: %s %s", e.Command[0], strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return &ExternalModelError{TaskID: req.TaskID, Err: err, Output: tail(stderr.String(), maxStderr)}
	}
	return checkOutput(req)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// Threshold is an offline stand-in for the model: voxels brighter than the
// given intensity quantile are labelled. It lets the viewer run end to end
// without model weights.
type Threshold struct {
	Quantile float64
}

// NewThreshold returns a Threshold backend
func NewThreshold(quantile float64) *Threshold {
	return &Threshold{Quantile: quantile}
}

// Segment implements Segmenter
func (t *Threshold) Segment(ctx context.Context, req Request) error {
	fail := func(err error) error {
		return &ExternalModelError{TaskID: req.TaskID, Err: err}
	}
	if t.Quantile < 0 || t.Quantile > 1 {
		return fail(fmt.Errorf("threshold quantile %g outside [0,1]", t.Quantile))
	}

	img, err := nifti.ReadFile(req.InputPath)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	sorted := append([]float64(nil), img.Data...)
	sort.Float64s(sorted)
	cut := stat.Quantile(t.Quantile, stat.Empirical, sorted, nil)

	pred := nifti.NewImage(img.Nx, img.Ny, img.Nz)
	pred.Datatype = nifti.DTUint8
	pred.Spacing = img.Spacing
	for i, v := range img.Data {
		if v > cut {
			pred.Data[i] = 1
		}
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return fail(err)
	}
	if err := nifti.WriteFile(req.OutputPath, pred); err != nil {
		return fail(err)
	}
	return checkOutput(req)
}
