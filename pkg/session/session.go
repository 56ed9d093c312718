// Package session holds the per-user viewer state: the selected task, the
// loaded volumes and the slot window, and serializes runs against them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mrisegview/internal/models"
	"mrisegview/pkg/logging"
	"mrisegview/pkg/pipeline"
	"mrisegview/pkg/slicewindow"
	"mrisegview/pkg/tasks"
	"mrisegview/pkg/volume"
)

// ErrNoUpload is returned by Run before any scan was uploaded.
var ErrNoUpload = errors.New("no scan uploaded")

// ErrNotFound is returned by Manager.Get for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Runner is the part of the pipeline a session drives
type Runner interface {
	Run(ctx context.Context, in pipeline.Input, store *volume.Store) (pipeline.Result, error)
}

// Session is one viewer's state. All methods are safe for concurrent use;
// runs are executed one at a time.
type Session struct {
	ID      string
	Created time.Time

	mu         sync.RWMutex
	task       string
	upload     string
	lastResult *pipeline.Result
	lastUsed   time.Time

	runMu  sync.Mutex
	store  *volume.Store
	window *slicewindow.Window
	runner Runner
}

// New creates a session with the default task and an empty store
func New(id string, capacity int, runner Runner) (*Session, error) {
	w, err := slicewindow.New(capacity)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Session{
		ID:       id,
		Created:  now,
		task:     tasks.DefaultTask,
		lastUsed: now,
		store:    volume.NewStore(),
		window:   w,
		runner:   runner,
	}, nil
}

func (s *Session) touch(t time.Time) {
	s.mu.Lock()
	if t.After(s.lastUsed) {
		s.lastUsed = t
	}
	s.mu.Unlock()
}

// LastUsed returns when the session was last looked up
func (s *Session) LastUsed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed
}

// SetTask changes the selected task. Names outside the registry are rejected
// and leave the selection unchanged.
func (s *Session) SetTask(name string) error {
	if _, err := tasks.Lookup(name); err != nil {
		return err
	}
	s.mu.Lock()
	s.task = name
	s.mu.Unlock()
	logging.Infof("Changed task to: %s", name)
	return nil
}

// Task returns the selected task name
func (s *Session) Task() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.task
}

// Upload records the path of an uploaded scan and returns it unchanged
func (s *Session) Upload(path string) string {
	s.mu.Lock()
	s.upload = path
	s.mu.Unlock()
	return path
}

// UploadPath returns the last uploaded scan, empty if none
func (s *Session) UploadPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upload
}

// Run segments the last upload with the selected task. Concurrent calls
// wait for each other.
func (s *Session) Run(ctx context.Context) (pipeline.Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	in := pipeline.Input{SessionID: s.ID, Path: s.UploadPath(), Task: s.Task()}
	if in.Path == "" {
		return pipeline.Result{}, ErrNoUpload
	}

	res, err := s.runner.Run(ctx, in, s.store)
	if err != nil {
		return pipeline.Result{}, err
	}
	s.mu.Lock()
	s.lastResult = &res
	s.mu.Unlock()
	return res, nil
}

// LastResult returns the most recent successful run
func (s *Session) LastResult() (pipeline.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastResult == nil {
		return pipeline.Result{}, false
	}
	return *s.lastResult, true
}

// Slots returns the full slot pool for index k. The overlay is named after
// the task selected now, which may differ from the task of the loaded run.
func (s *Session) Slots(k int) []models.Slot {
	return s.window.Assign(k, s.store.Snapshot(), s.Task())
}

// Current returns the composed slice for k clamped to the loaded volume
func (s *Session) Current(k int) (models.Composed, bool) {
	return slicewindow.Current(k, s.store.Snapshot(), s.Task())
}

// Store returns the session's volume store
func (s *Session) Store() *volume.Store {
	return s.store
}

// Window returns the session's slot window
func (s *Session) Window() *slicewindow.Window {
	return s.window
}

// Manager creates and looks up sessions.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	capacity    int
	runner      Runner
	defaultTask string
	now         func() time.Time
}

// NewManager returns a manager whose sessions share runner and slot capacity
func NewManager(capacity int, runner Runner) (*Manager, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("slot capacity must be positive, got %d", capacity)
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		capacity:    capacity,
		runner:      runner,
		defaultTask: tasks.DefaultTask,
		now:         time.Now,
	}, nil
}

// SetDefaultTask changes the task new sessions start with
func (m *Manager) SetDefaultTask(name string) error {
	if _, err := tasks.Lookup(name); err != nil {
		return err
	}
	m.mu.Lock()
	m.defaultTask = name
	m.mu.Unlock()
	return nil
}

// DefaultTask returns the task new sessions start with
func (m *Manager) DefaultTask() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultTask
}

// Create starts a new session
func (m *Manager) Create() (*Session, error) {
	s, err := New(uuid.NewString(), m.capacity, m.runner)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	s.task = m.defaultTask
	s.Created = m.now()
	s.lastUsed = s.Created
	m.sessions[s.ID] = s
	m.mu.Unlock()
	logging.Debugf("Created session %s", s.ID)
	return s, nil
}

// Get returns the session with the given id
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.touch(m.now())
	return s, nil
}

// Delete drops a session and the volumes it holds. A run in progress keeps
// going but its session can no longer be looked up.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sessions, id)
	logging.Debugf("Deleted session %s", id)
	return nil
}

// ExpireIdle drops sessions not looked up for longer than maxIdle and
// returns their ids. Sessions with a run in progress are kept.
func (m *Manager) ExpireIdle(maxIdle time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-maxIdle)
	var expired []string
	for id, s := range m.sessions {
		if !s.LastUsed().Before(cutoff) {
			continue
		}
		if !s.runMu.TryLock() {
			continue
		}
		delete(m.sessions, id)
		s.runMu.Unlock()
		expired = append(expired, id)
	}
	if len(expired) > 0 {
		logging.Infof("Expired %d idle sessions", len(expired))
	}
	return expired
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
