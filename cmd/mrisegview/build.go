package main

import (
	"fmt"

	"mrisegview/pkg/config"
	"mrisegview/pkg/mesh"
	"mrisegview/pkg/pipeline"
	"mrisegview/pkg/segment"
	"mrisegview/pkg/volume"
)

// buildSegmenter returns the model backend selected in cfg
func buildSegmenter(cfg *config.Config) (segment.Segmenter, error) {
	switch cfg.Model.Backend {
	case config.BackendExec:
		return segment.NewExec(cfg.Model.Command...), nil
	case config.BackendThreshold:
		return segment.NewThreshold(cfg.Model.ThresholdQuantile), nil
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Model.Backend)
	}
}

// buildPipeline wires the configured model, mesh extractor and loader.
// rec may be nil.
func buildPipeline(cfg *config.Config, rec pipeline.Recorder) (*pipeline.Pipeline, error) {
	seg, err := buildSegmenter(cfg)
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{
		pipeline.WithModelDir(cfg.Model.ModelDir),
		pipeline.WithOutputRoot(cfg.Storage.OutputRoot),
		pipeline.WithMeshFormat(cfg.Mesh.Format),
	}
	if rec != nil {
		opts = append(opts, pipeline.WithRecorder(rec))
	}
	return pipeline.New(
		seg,
		mesh.NewIsoSurface(cfg.Mesh.IsoLevel, cfg.Mesh.NumCores),
		volume.NewNIfTILoader(cfg.Viewer.WindowLow, cfg.Viewer.WindowHigh),
		opts...,
	), nil
}
