// Package tasks holds the closed set of segmentation tasks a user can select
// and the model identifiers they map to.
package tasks

import (
	"errors"
	"fmt"
)

// DefaultTask is the task selected when a session starts.
const DefaultTask = "meningioma"

// ErrUnknownTask is the kind carried by every UnknownTaskError.
var ErrUnknownTask = errors.New("unknown segmentation task")

// Task is one selectable segmentation objective.
type Task struct {
	// Name is the user-facing task name, e.g. "metastasis"
	Name string `json:"name"`

	// ModelID is the task identifier passed to the segmentation model
	ModelID string `json:"model_id"`

	// ResultLabel names the structure the model segments, e.g. "Tumor"
	ResultLabel string `json:"result_label"`
}

// registry is ordered the way tasks are offered for selection.
var registry = []Task{
	{Name: "meningioma", ModelID: "MRI_Meningioma", ResultLabel: "Tumor"},
	{Name: "lower-grade-glioma", ModelID: "MRI_LGGlioma", ResultLabel: "Tumor"},
	{Name: "metastasis", ModelID: "MRI_Metastasis", ResultLabel: "Tumor"},
	{Name: "glioblastoma", ModelID: "MRI_GBM", ResultLabel: "Tumor"},
	{Name: "brain", ModelID: "MRI_Brain", ResultLabel: "Brain"},
}

// UnknownTaskError reports a task name outside the registry.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownTask.Error(), e.Name)
}

func (e *UnknownTaskError) Unwrap() error { return ErrUnknownTask }

// Lookup resolves a task name to its model identifier and result label.
func Lookup(name string) (Task, error) {
	for _, t := range registry {
		if t.Name == name {
			return t, nil
		}
	}
	return Task{}, &UnknownTaskError{Name: name}
}

// All returns a copy of the registry in selection order.
func All() []Task {
	out := make([]Task, len(registry))
	copy(out, registry)
	return out
}

// Names returns the selectable task names in order.
func Names() []string {
	names := make([]string, len(registry))
	for i, t := range registry {
		names[i] = t.Name
	}
	return names
}
