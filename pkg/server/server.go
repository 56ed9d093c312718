// Package server exposes sessions over HTTP: task selection, scan upload,
// segmentation runs, slot queries, rendered slices and the resulting mesh.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coocood/freecache"
	"github.com/dustin/go-humanize"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"

	"mrisegview/pkg/logging"
	"mrisegview/pkg/mesh"
	"mrisegview/pkg/runlog"
	"mrisegview/pkg/segment"
	"mrisegview/pkg/session"
	"mrisegview/pkg/slicewindow"
	"mrisegview/pkg/tasks"
	"mrisegview/pkg/visualization"
	"mrisegview/pkg/volume"
)

// maxMemoryForm is the part of a multipart upload held in memory
const maxMemoryForm = 32 << 20

// RunLister gives read access to the run history
type RunLister interface {
	List(f runlog.Filter) ([]runlog.Run, error)
}

// Config holds the server settings that do not come from other components.
type Config struct {
	UploadDir      string
	MaxUploadBytes int64
	AllowedOrigins []string
	CacheBytes     int

	// SessionIdle expires sessions not used for this long; zero keeps them
	SessionIdle time.Duration
}

// Server serves the viewer API.
type Server struct {
	cfg      Config
	sessions *session.Manager
	renderer *visualization.Renderer
	runs     RunLister
	cache    *freecache.Cache
	mux      *web.Mux

	// runCtx outlives requests and is cancelled on shutdown
	runCtx   context.Context
	stopRuns context.CancelFunc
}

// New builds the router. runs may be nil when no history is kept.
func New(cfg Config, sessions *session.Manager, renderer *visualization.Renderer, runs RunLister) *Server {
	if cfg.CacheBytes <= 0 {
		cfg.CacheBytes = 16 << 20
	}
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		renderer: renderer,
		runs:     runs,
		cache:    freecache.NewCache(cfg.CacheBytes),
		mux:      web.New(),
	}
	s.runCtx, s.stopRuns = context.WithCancel(context.Background())

	s.mux.Use(requestLogger)

	s.mux.Get("/api/tasks", s.handleTasks)
	s.mux.Get("/api/runs", s.handleRuns)
	s.mux.Post("/api/sessions", s.handleCreateSession)
	s.mux.Get("/api/sessions/:sid", s.handleGetSession)
	s.mux.Delete("/api/sessions/:sid", s.handleDeleteSession)
	s.mux.Put("/api/sessions/:sid/task", s.handleSetTask)
	s.mux.Post("/api/sessions/:sid/upload", s.handleUpload)
	s.mux.Post("/api/sessions/:sid/run", s.handleRun)
	s.mux.Get("/api/sessions/:sid/slots", s.handleSlots)
	s.mux.Get("/api/sessions/:sid/slices/:k", s.handleSlice)
	s.mux.Get("/api/sessions/:sid/mesh", s.handleMesh)
	s.mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no route for %s %s", r.Method, r.URL.Path))
	})
	return s
}

// Handler returns the router wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Infof("Serving viewer API on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if s.cfg.SessionIdle > 0 {
		go s.sweepSessions(sweepCtx, s.cfg.SessionIdle)
	}

	select {
	case err := <-errc:
		s.stopRuns()
		return err
	case <-ctx.Done():
	}

	logging.Infof("Shutting down viewer API...")
	s.stopRuns()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sweepSessions expires idle sessions until ctx is done
func (s *Server) sweepSessions(ctx context.Context, idle time.Duration) {
	interval := idle / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sessions.ExpireIdle(idle)
		}
	}
}

// requestLogger logs every request with its duration
func requestLogger(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		logging.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	}
	return http.HandlerFunc(fn)
}

// session resolves the :sid parameter, writing an error response when it
// names no session
func (s *Server) session(c web.C, w http.ResponseWriter) (*session.Session, bool) {
	sess, err := s.sessions.Get(c.URLParams["sid"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, false
	}
	return sess, true
}

type sessionView struct {
	ID         string         `json:"id"`
	Task       string         `json:"task"`
	Upload     string         `json:"upload,omitempty"`
	Slices     int            `json:"slices"`
	Generation uint64         `json:"generation"`
	Capacity   int            `json:"capacity"`
	LastRun    *runResultView `json:"lastRun,omitempty"`
	Created    time.Time      `json:"created"`
}

type runResultView struct {
	RunID       string `json:"runId"`
	Task        string `json:"task"`
	MeshPath    string `json:"meshPath"`
	Slices      int    `json:"slices"`
	LabelVoxels int64  `json:"labelVoxels"`
}

func viewOf(sess *session.Session) sessionView {
	snap := sess.Store().Snapshot()
	v := sessionView{
		ID:         sess.ID,
		Task:       sess.Task(),
		Upload:     sess.UploadPath(),
		Slices:     snap.Len(),
		Generation: snap.Generation,
		Capacity:   sess.Window().Capacity(),
		Created:    sess.Created,
	}
	if res, ok := sess.LastResult(); ok {
		v.LastRun = &runResultView{
			RunID:       res.RunID,
			Task:        res.Task,
			MeshPath:    res.MeshPath,
			Slices:      res.Slices,
			LabelVoxels: res.LabelVoxels,
		}
	}
	return v
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default": s.sessions.DefaultTask(),
		"tasks":   tasks.All(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusOK, []runlog.Run{})
		return
	}
	q := r.URL.Query()
	f := runlog.Filter{
		SessionID: q.Get("session"),
		Task:      q.Get("task"),
		Status:    runlog.Status(q.Get("status")),
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad limit %q", l))
			return
		}
		f.Limit = n
	}
	runs, err := s.runs.List(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleDeleteSession(c web.C, w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(c.URLParams["sid"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(c web.C, w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(c, w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleSetTask(c web.C, w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(c, w)
	if !ok {
		return
	}
	var body struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad task request: %v", err))
		return
	}
	if err := sess.SetTask(body.Task); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleUpload(c web.C, w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(c, w)
	if !ok {
		return
	}
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(maxMemoryForm); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("upload needs a \"file\" part: %v", err))
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		writeError(w, http.StatusBadRequest, errors.New("upload has no file name"))
		return
	}
	dir := filepath.Join(s.cfg.UploadDir, sess.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	n, err := io.Copy(out, file)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	logging.Infof("Session %s uploaded %s (%s)", sess.ID, name, humanize.Bytes(uint64(n)))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":  sess.Upload(path),
		"bytes": n,
	})
}

func (s *Server) handleRun(c web.C, w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(c, w)
	if !ok {
		return
	}
	// a run finishes even when the client stops waiting; only shutdown cancels it
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(s.runCtx, cancel)
	defer stop()

	res, err := sess.Run(ctx)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type slotsView struct {
	K        int `json:"k"`
	Capacity int `json:"capacity"`
	Visible  int `json:"visible"`
	Hidden   int `json:"hidden"`
	Offset   int `json:"offset"`
	Slices   int `json:"slices"`

	// Label is the overlay name of the visible slot
	Label string `json:"label,omitempty"`
}

func (s *Server) handleSlots(c web.C, w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(c, w)
	if !ok {
		return
	}
	k, err := sliceIndex(r.URL.Query().Get("k"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	slots := sess.Slots(k)
	visible := slicewindow.Visible(slots)

	v := slotsView{
		K:        k,
		Capacity: len(slots),
		Visible:  visible,
		Hidden:   len(slots),
		Offset:   -1,
		Slices:   sess.Store().Len(),
	}
	if visible >= 0 {
		content := slots[visible].Content
		v.Hidden--
		v.Offset = content.Offset
		if len(content.Overlays) > 0 {
			v.Label = content.Overlays[0].Name
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSlice(c web.C, w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(c, w)
	if !ok {
		return
	}
	k, err := sliceIndex(c.URLParams["k"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap := sess.Store().Snapshot()
	offset, ok := sess.Window().Resolve(k, snap.Len())
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no volume loaded"))
		return
	}

	// the rendering depends only on the committed pair and the offset
	key := []byte(fmt.Sprintf("%s/%d/%d", sess.ID, snap.Generation, offset))
	if data, err := s.cache.Get(key); err == nil {
		writePNG(w, data)
		return
	}

	slots := sess.Window().Assign(k, snap, sess.Task())
	visible := slicewindow.Visible(slots)
	if visible < 0 {
		writeError(w, http.StatusNotFound, errors.New("no volume loaded"))
		return
	}
	var buf bytes.Buffer
	if err := visualization.EncodePNG(&buf, s.renderer.Render(*slots[visible].Content)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.cache.Set(key, buf.Bytes(), 0); err != nil {
		logging.Debugf("Slice %s not cached: %v", key, err)
	}
	writePNG(w, buf.Bytes())
}

func (s *Server) handleMesh(c web.C, w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(c, w)
	if !ok {
		return
	}
	res, ok := sess.LastResult()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no mesh yet"))
		return
	}
	switch strings.ToLower(filepath.Ext(res.MeshPath)) {
	case ".obj":
		w.Header().Set("Content-Type", "model/obj")
	case ".stl":
		w.Header().Set("Content-Type", "model/stl")
	}
	http.ServeFile(w, r, res.MeshPath)
}

func sliceIndex(s string) (int, error) {
	if s == "" {
		return 0, errors.New("slice index k is required")
	}
	k, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad slice index %q", s)
	}
	return k, nil
}

// statusFor maps error kinds to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, tasks.ErrUnknownTask):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound), errors.Is(err, runlog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoUpload):
		return http.StatusConflict
	case errors.Is(err, volume.ErrVolumeLoad):
		return http.StatusUnprocessableEntity
	case errors.Is(err, segment.ErrExternalModel), errors.Is(err, mesh.ErrExternalMesh):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("Could not write JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logging.Errorf("%v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
