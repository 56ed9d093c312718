// Package slicewindow maps a 1-based slice index onto a fixed pool of display
// slots and composes intensity slices with their label overlays.
//
// The pool capacity C is fixed for the life of the window and is independent
// of the number of slices N in the loaded volume. Indexes past the end of a
// short volume show the last slice rather than failing, and an empty volume
// leaves every slot hidden.
package slicewindow

import (
	"fmt"

	"mrisegview/internal/models"
	"mrisegview/pkg/volume"
)

// Window is a fixed-capacity pool of display slots.
type Window struct {
	capacity int
}

// New creates a window with capacity slots
func New(capacity int) (*Window, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("slot capacity must be positive, got %d", capacity)
	}
	return &Window{capacity: capacity}, nil
}

// Capacity returns the number of slots
func (w *Window) Capacity() int {
	return w.capacity
}

// Position returns the 0-based slot a requested index lands on. Requests
// outside [1, C] are clamped into it.
func (w *Window) Position(k int) int {
	return clamp(k, 1, w.capacity) - 1
}

// Resolve returns the volume offset shown for index k over a volume of n
// slices. ok is false when n is zero and nothing can be shown.
func (w *Window) Resolve(k, n int) (offset int, ok bool) {
	if n <= 0 {
		return 0, false
	}
	offset = w.Position(k)
	if offset > n-1 {
		offset = n - 1
	}
	return offset, true
}

// Assign returns all C slots for index k: every slot is hidden except the one
// at Position(k), which carries the composed slice at Resolve(k, N). The label
// is annotated with the given name, which callers pass as the currently
// selected task even when the prediction came from an earlier task.
func (w *Window) Assign(k int, snap volume.Snapshot, label string) []models.Slot {
	slots := make([]models.Slot, w.capacity)

	offset, ok := w.Resolve(k, snap.Len())
	if !ok || snap.Prediction.Len() <= offset {
		return slots
	}

	c := Compose(snap.Volume.Slices[offset], snap.Prediction.Slices[offset], label)
	c.Offset = offset
	slots[w.Position(k)] = models.Slot{Visible: true, Content: &c}
	return slots
}

// Visible returns the index of the visible slot in slots, or -1
func Visible(slots []models.Slot) int {
	for i, s := range slots {
		if s.Visible {
			return i
		}
	}
	return -1
}

// Current returns the composed slice for index k clamped to the loaded
// volume, [1, N], without going through the slot pool. ok is false when no
// volume is loaded.
func Current(k int, snap volume.Snapshot, label string) (c models.Composed, ok bool) {
	n := snap.Len()
	if n == 0 || snap.Prediction.Len() < n {
		return models.Composed{}, false
	}
	offset := clamp(k, 1, n) - 1
	c = Compose(snap.Volume.Slices[offset], snap.Prediction.Slices[offset], label)
	c.Offset = offset
	return c, true
}

// Compose pairs an intensity slice with a single labelled overlay
func Compose(img, label models.Slice, name string) models.Composed {
	return models.Composed{
		Image:    img,
		Overlays: []models.Overlay{{Label: label, Name: name}},
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
