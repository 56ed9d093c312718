// Package pipeline runs one segmentation end to end: the model writes a
// prediction, the prediction becomes a mesh, and both volumes are loaded and
// committed to the session's store together.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"mrisegview/internal/models"
	"mrisegview/pkg/logging"
	"mrisegview/pkg/mesh"
	"mrisegview/pkg/runlog"
	"mrisegview/pkg/segment"
	"mrisegview/pkg/tasks"
	"mrisegview/pkg/volume"
)

// File names inside a run directory
const (
	PredictionFile = "prediction.nii.gz"
	meshBase       = "prediction"
)

// Recorder stores the outcome of every run
type Recorder interface {
	Record(r runlog.Run) error
}

// Input is one run request.
type Input struct {
	// SessionID is recorded with the run, it may be empty
	SessionID string

	// Path is the uploaded scan
	Path string

	// Task is the user-facing task name
	Task string
}

// Result describes a committed run.
type Result struct {
	RunID          string `json:"runId"`
	Task           string `json:"task"`
	PredictionPath string `json:"predictionPath"`
	MeshPath       string `json:"meshPath"`
	Slices         int    `json:"slices"`
	LabelVoxels    int64  `json:"labelVoxels"`

	// Generation is the store generation the run committed
	Generation uint64 `json:"generation"`
}

// Pipeline wires the model, the mesh extractor and the volume loader.
type Pipeline struct {
	segmenter  segment.Segmenter
	mesher     mesh.Extractor
	loader     volume.Loader
	modelDir   string
	outputRoot string
	meshFormat string
	recorder   Recorder
	newID      func() string
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithModelDir sets the model resource directory passed to the segmenter
func WithModelDir(dir string) Option {
	return func(p *Pipeline) { p.modelDir = dir }
}

// WithOutputRoot sets the directory that holds one subdirectory per run
func WithOutputRoot(dir string) Option {
	return func(p *Pipeline) { p.outputRoot = dir }
}

// WithMeshFormat selects "obj" or "stl"
func WithMeshFormat(format string) Option {
	return func(p *Pipeline) { p.meshFormat = format }
}

// WithRecorder stores every run, successful or not
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithIDGenerator replaces the random run id source
func WithIDGenerator(f func() string) Option {
	return func(p *Pipeline) { p.newID = f }
}

// New creates a pipeline. Output goes to ./runs in obj format unless
// configured otherwise.
func New(seg segment.Segmenter, mesher mesh.Extractor, loader volume.Loader, opts ...Option) *Pipeline {
	p := &Pipeline{
		segmenter:  seg,
		mesher:     mesher,
		loader:     loader,
		outputRoot: "runs",
		meshFormat: "obj",
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunDir returns the output directory of a run
func (p *Pipeline) RunDir(runID string) string {
	return filepath.Join(p.outputRoot, runID)
}

// Run segments in.Path with in.Task and commits the resulting volumes to
// store. Every step must succeed before the store is touched; on any error
// the store keeps its previous pair.
func (p *Pipeline) Run(ctx context.Context, in Input, store *volume.Store) (Result, error) {
	started := time.Now()
	res := Result{RunID: p.newID(), Task: in.Task}

	res, err := p.run(ctx, in, store, res)

	rec := runlog.Run{
		ID:             res.RunID,
		SessionID:      in.SessionID,
		Task:           in.Task,
		InputPath:      in.Path,
		PredictionPath: res.PredictionPath,
		MeshPath:       res.MeshPath,
		Slices:         res.Slices,
		LabelVoxels:    res.LabelVoxels,
		Status:         runlog.StatusSucceeded,
		StartedAt:      started,
		FinishedAt:     time.Now(),
	}
	if err != nil {
		rec.Status = runlog.StatusFailed
		rec.Error = err.Error()
		logging.Errorf("Run %s (%s) failed: %v", res.RunID, in.Task, err)
	} else {
		logging.Infof("Run %s (%s) committed %d slices in %s", res.RunID, in.Task, res.Slices, rec.FinishedAt.Sub(started))
	}
	if p.recorder != nil {
		if rerr := p.recorder.Record(rec); rerr != nil {
			logging.Warningf("Could not record run %s: %v", res.RunID, rerr)
		}
	}

	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, in Input, store *volume.Store, res Result) (Result, error) {
	logging.Infof("Step 1: Resolving task %s", in.Task)
	task, err := tasks.Lookup(in.Task)
	if err != nil {
		return res, err
	}

	runDir := p.RunDir(res.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return res, fmt.Errorf("failed to create run directory: %w", err)
	}
	predictionPath := filepath.Join(runDir, PredictionFile)
	meshPath := filepath.Join(runDir, meshBase+"."+p.meshFormat)

	logging.Infof("Step 2: Segmenting %s with model %s", in.Path, task.ModelID)
	err = p.segmenter.Segment(ctx, segment.Request{
		InputPath:   in.Path,
		ModelDir:    p.modelDir,
		TaskID:      task.ModelID,
		ResultLabel: task.ResultLabel,
		OutputPath:  predictionPath,
	})
	if err != nil {
		return res, err
	}
	if _, err := os.Stat(predictionPath); err != nil {
		return res, &segment.ExternalModelError{
			TaskID: task.ModelID,
			Err:    fmt.Errorf("%w at %s", segment.ErrNoPrediction, predictionPath),
		}
	}
	res.PredictionPath = predictionPath

	logging.Infof("Step 3: Extracting mesh to %s", meshPath)
	if err := p.mesher.Extract(ctx, predictionPath, meshPath); err != nil {
		var meshErr *mesh.ExternalMeshError
		if !errors.As(err, &meshErr) {
			err = &mesh.ExternalMeshError{PredictionPath: predictionPath, Err: err}
		}
		return res, err
	}
	res.MeshPath = meshPath

	logging.Infof("Step 4: Loading volume and prediction")
	var vol *models.Volume
	var pred *models.PredictionVolume
	// loads are not cancellable, both run to completion
	var g errgroup.Group
	g.Go(func() error {
		var err error
		vol, err = p.loader.LoadVolume(in.Path)
		return err
	})
	g.Go(func() error {
		var err error
		pred, err = p.loader.LoadPrediction(predictionPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	logging.Infof("Step 5: Committing %d slices", vol.Len())
	if err := store.Replace(vol, pred); err != nil {
		return res, &volume.VolumeLoadError{Path: predictionPath, Err: err}
	}
	res.Slices = vol.Len()
	res.LabelVoxels = LabelVoxels(pred)
	res.Generation = store.Snapshot().Generation
	return res, nil
}

// LabelVoxels counts the labelled voxels of a binary prediction
func LabelVoxels(pred *models.PredictionVolume) int64 {
	if pred == nil {
		return 0
	}
	var total float64
	for _, s := range pred.Slices {
		total += floats.Sum(s.Data)
	}
	return int64(total)
}
