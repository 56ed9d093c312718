package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mrisegview/pkg/config"
	"mrisegview/pkg/pipeline"
	"mrisegview/pkg/runlog"
	"mrisegview/pkg/visualization"
	"mrisegview/pkg/volume"
)

var (
	runInput     string
	runTask      string
	runSlicesDir string
	runCmd       = &cobra.Command{
		Use:   "run",
		Short: "Segment one scan and write its prediction and mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runInput == "" {
				return fmt.Errorf("--input is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if runTask == "" {
				runTask = cfg.Viewer.DefaultTask
			}
			runs, err := openRunLog(cfg)
			if err != nil {
				return err
			}
			defer runs.Close()
			return executeRun(cmd.Context(), cfg, runs, runInput, runTask, runSlicesDir, cmd.OutOrStdout())
		},
	}

	slicesRunID  string
	slicesOutDir string
	slicesFormat string
	slicesCmd    = &cobra.Command{
		Use:   "slices",
		Short: "Export the composed slices of a recorded run as images",
		RunE: func(cmd *cobra.Command, args []string) error {
			if slicesRunID == "" {
				return fmt.Errorf("--run is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			runs, err := openRunLog(cfg)
			if err != nil {
				return err
			}
			defer runs.Close()
			return executeSlices(cfg, runs, slicesRunID, slicesOutDir, slicesFormat, cmd.OutOrStdout())
		},
	}
)

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "Scan to segment (.nii or .nii.gz)")
	runCmd.Flags().StringVarP(&runTask, "task", "t", "", "Segmentation task, see 'mrisegview tasks'")
	runCmd.Flags().StringVar(&runSlicesDir, "slices-dir", "", "Also export composed slices to this directory")

	slicesCmd.Flags().StringVar(&slicesRunID, "run", "", "Run id from the run history")
	slicesCmd.Flags().StringVarP(&slicesOutDir, "out", "o", "slices", "Output directory")
	slicesCmd.Flags().StringVar(&slicesFormat, "format", "png", "Image format, png or jpg")
}

// executeRun runs the pipeline once and prints a summary to w
func executeRun(ctx context.Context, cfg *config.Config, rec pipeline.Recorder, input, task, slicesDir string, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := buildPipeline(cfg, rec)
	if err != nil {
		return err
	}

	store := volume.NewStore()
	start := time.Now()
	res, err := p.Run(ctx, pipeline.Input{Path: input, Task: task}, store)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run %s completed in %.2f seconds\n", res.RunID, time.Since(start).Seconds())
	fmt.Fprintf(w, "Task:        %s\n", res.Task)
	fmt.Fprintf(w, "Prediction:  %s\n", res.PredictionPath)
	fmt.Fprintf(w, "Mesh:        %s\n", res.MeshPath)
	fmt.Fprintf(w, "Slices:      %d\n", res.Slices)
	fmt.Fprintf(w, "Label voxels: %d\n", res.LabelVoxels)

	if slicesDir == "" {
		return nil
	}
	return exportSlices(cfg, store.Snapshot(), task, slicesDir, "png", w)
}

// executeSlices reloads a recorded run and exports its composed slices
func executeSlices(cfg *config.Config, runs *runlog.Log, runID, outDir, format string, w io.Writer) error {
	r, err := runs.Get(runID)
	if err != nil {
		return err
	}
	if r.Status != runlog.StatusSucceeded {
		return fmt.Errorf("run %s did not succeed: %s", runID, r.Error)
	}
	if _, err := os.Stat(r.PredictionPath); err != nil {
		return fmt.Errorf("prediction of run %s is gone: %w", runID, err)
	}

	loader := volume.NewNIfTILoader(cfg.Viewer.WindowLow, cfg.Viewer.WindowHigh)
	vol, err := loader.LoadVolume(r.InputPath)
	if err != nil {
		return err
	}
	pred, err := loader.LoadPrediction(r.PredictionPath)
	if err != nil {
		return err
	}
	store := volume.NewStore()
	if err := store.Replace(vol, pred); err != nil {
		return &volume.VolumeLoadError{Path: r.PredictionPath, Err: err}
	}
	return exportSlices(cfg, store.Snapshot(), r.Task, outDir, format, w)
}

func exportSlices(cfg *config.Config, snap volume.Snapshot, label, dir, format string, w io.Writer) error {
	renderer, err := visualization.NewRenderer(cfg.Viewer.OverlayColor, cfg.Viewer.OverlayAlpha)
	if err != nil {
		return err
	}
	n, err := renderer.SaveSliceSequence(snap, label, dir, format)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Saved %d slices to %s\n", n, dir)
	return nil
}
