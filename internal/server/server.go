package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/lookevink/srs-preprocessing/internal/config"
	"github.com/lookevink/srs-preprocessing/internal/fsutil"
	"github.com/lookevink/srs-preprocessing/internal/logging"
	"github.com/lookevink/srs-preprocessing/internal/pipeline"
	"github.com/lookevink/srs-preprocessing/internal/storage"
	"github.com/lookevink/srs-preprocessing/internal/tasks"

	"github.com/google/uuid"
)

// Server exposes the preprocessing pipeline over HTTP.
type Server struct {
	cfg      *config.Config
	store    *storage.Store
	pipeline *pipeline.Pipeline
	watcher  *tasks.InboxWatcher
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a server bound to the pipeline and store.
func NewServer(cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		pipeline: pipe,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	if cfg.Watch.Enabled {
		w, err := tasks.NewInboxWatcher(cfg.Watch.InboxDir, time.Duration(cfg.Watch.SettleMS)*time.Millisecond, log)
		if err != nil {
			log.Warn("failed to set up inbox watcher", "error", err)
		} else {
			s.watcher = w
			log.Info("inbox watcher initialized", "dir", cfg.Watch.InboxDir)
		}
	}

	return s, nil
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	tool := s.cfg.Convert.BfconvertPath
	version, err := tasks.BfconvertVersion(ctx, tool)
	logging.LogToolStatus(s.log, "bfconvert", err == nil, version, tool, err)

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("failed to start inbox watcher", "error", err)
			return err
		}
		go s.dispatchWatched(ctx)
	}

	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")

		if s.watcher != nil {
			s.watcher.Stop()
		}

		timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.cfg.Server.Addr)
	err = s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleJobSocket).Methods("GET")
	r.HandleFunc("/stabilize", s.handleStabilize).Methods("POST")
	r.HandleFunc("/convert", s.handleConvert).Methods("POST")
}

// Serve builds a server and runs it until ctx is cancelled.
func Serve(ctx context.Context, cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
	server, err := NewServer(cfg, store, pipe, log)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

// dispatchWatched processes each settled inbox stack. Vendor acquisition
// files are converted first; frame directories go straight to stabilization.
func (s *Server) dispatchWatched(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			go s.processWatched(ctx, ev.Dir)
		}
	}
}

func (s *Server) processWatched(ctx context.Context, dir string) {
	input := dir
	frames, err := fsutil.ListFrames(dir)
	if err != nil {
		s.log.Error("failed to scan watched stack", "dir", dir, "error", err)
		return
	}
	if len(frames) == 0 {
		raw := firstRawStackFile(dir)
		if raw == "" {
			s.log.Warn("watched directory has no frames or vendor files", "dir", dir)
			return
		}
		conv := pipeline.Job{
			ID:        uuid.NewString(),
			Type:      pipeline.JobConvert,
			InputPath: raw,
			Output:    filepath.Join(dir, "converted"),
			Options:   map[string]any{"split": true, "source": "watch"},
		}
		res, err := s.enqueueAndWait(ctx, conv)
		if err != nil || res.Error != nil {
			if err == nil {
				err = res.Error
			}
			s.log.Error("watched conversion failed", "file", raw, "error", err)
			return
		}
		input = conv.Output
	}

	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobStabilize,
		InputPath: input,
		Output:    filepath.Join(s.cfg.Watch.OutputDir, filepath.Base(dir)),
		Options:   map[string]any{"method": s.cfg.Watch.Method, "source": "watch"},
	}
	if err := s.pipeline.Submit(job); err != nil {
		s.log.Error("failed to enqueue watched stack", "dir", dir, "error", err)
	} else {
		s.log.Info("watched stack enqueued", "dir", dir, "job", job.ID)
	}
}

// firstRawStackFile returns a vendor acquisition file directly under dir.
func firstRawStackFile(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() && fsutil.IsRawStackFile(e.Name()) {
			return filepath.Join(dir, e.Name())
		}
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.JobMeta(id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	resp := map[string]any{"id": id, "meta": meta}
	if rec, err := s.store.StackMeta(id); err == nil {
		resp["stack"] = rec
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(streamEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	// Drain reads so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			if err := conn.WriteJSON(streamEvent(res)); err != nil {
				return
			}
		}
	}
}

// streamEvent flattens a pipeline result for client consumption; error values
// do not marshal, so they are rendered as strings.
func streamEvent(res pipeline.Result) map[string]any {
	ev := map[string]any{
		"job_id": res.Job.ID,
		"type":   string(res.Job.Type),
		"meta":   res.Meta,
	}
	if res.Error != nil {
		ev["status"] = "failed"
		ev["error"] = res.Error.Error()
	} else {
		ev["status"] = "completed"
	}
	return ev
}

// enqueueAndWait submits a job and blocks until its result arrives or ctx is
// cancelled.
func (s *Server) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	if err := s.pipeline.Submit(job); err != nil {
		return pipeline.Result{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, errors.New("pipeline stopped")
			}
			if res.Job.ID == job.ID {
				return res, nil
			}
		}
	}
}
