// Package volume holds the loaded intensity and prediction volumes and the
// loaders that turn NIfTI files into them.
package volume

import (
	"errors"
	"fmt"
	"sync"

	"mrisegview/internal/models"
)

var (
	ErrEmptyVolume       = errors.New("volume has no slices")
	ErrLengthMismatch    = errors.New("volume and prediction differ in slice count")
	ErrSliceSizeMismatch = errors.New("volume and prediction differ in slice size")
)

// Snapshot is an immutable view of the store at one point in time.
type Snapshot struct {
	Volume     *models.Volume
	Prediction *models.PredictionVolume

	// Generation increases with every successful Replace
	Generation uint64
}

// Len returns the number of addressable slices, zero when nothing is loaded
func (s Snapshot) Len() int {
	return s.Volume.Len()
}

// Store holds the current Volume/PredictionVolume pair. The pair is only ever
// replaced as a unit, so readers never see one without the other.
type Store struct {
	mu         sync.RWMutex
	volume     *models.Volume
	prediction *models.PredictionVolume
	generation uint64
}

// NewStore returns an empty store
func NewStore() *Store {
	return &Store{}
}

// Replace swaps in a new pair after checking that they line up slice for
// slice. On error the previous pair stays in place.
func (s *Store) Replace(vol *models.Volume, pred *models.PredictionVolume) error {
	if vol.Len() == 0 {
		return ErrEmptyVolume
	}
	if vol.Len() != pred.Len() {
		return fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, vol.Len(), pred.Len())
	}
	for i := range vol.Slices {
		a, b := vol.Slices[i], pred.Slices[i]
		if a.Width != b.Width || a.Height != b.Height {
			return fmt.Errorf("%w: slice %d is %dx%d vs %dx%d",
				ErrSliceSizeMismatch, i, a.Width, a.Height, b.Width, b.Height)
		}
	}

	s.mu.Lock()
	s.volume = vol
	s.prediction = pred
	s.generation++
	s.mu.Unlock()
	return nil
}

// Snapshot returns the current pair
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Volume: s.volume, Prediction: s.prediction, Generation: s.generation}
}

// Len returns the number of slices currently loaded
func (s *Store) Len() int {
	return s.Snapshot().Len()
}
