package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"astrosorter/internal/pipeline"
	"astrosorter/internal/storage"
	"astrosorter/internal/tasks"
	"astrosorter/internal/web"
)

// JobQueue is the part of the pipeline the API drives.
type JobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes jobs, positions and project generation over HTTP.
type Server struct {
	addr      string
	store     *storage.Store
	jobs      JobQueue
	log       *slog.Logger
	upgrader  websocket.Upgrader
	server    *http.Server
	dashboard *web.Dashboard
}

// NewServer creates a server; jobs may be nil when only project generation
// is needed.
func NewServer(addr string, store *storage.Store, jobs JobQueue, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:  addr,
		store: store,
		jobs:  jobs,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if store != nil {
		s.dashboard = web.NewDashboard(store, log)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.dashboard != nil {
		go s.dashboard.Run(ctx)
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/stream", s.handleJobStream).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/positions/{list}", s.handleListPositions).Methods(http.MethodGet)
	r.HandleFunc("/positions/{list}", s.handleAddPosition).Methods(http.MethodPost)
	r.HandleFunc("/settings/{key}", s.handleGetSetting).Methods(http.MethodGet)
	r.HandleFunc("/settings/{key}", s.handlePutSetting).Methods(http.MethodPut)
	r.HandleFunc("/projects/sequator", s.handleSequator).Methods(http.MethodPost)
	r.HandleFunc("/projects/dss", s.handleDSS).Methods(http.MethodPost)
	if s.dashboard != nil {
		s.dashboard.Register(r)
	}
}

// Serve runs a server on addr until ctx is done.
func Serve(ctx context.Context, addr string, store *storage.Store, jobs JobQueue, log *slog.Logger) error {
	return NewServer(addr, store, jobs, log).Start(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("job pipeline not running"))
		return
	}
	var job pipeline.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !knownJobType(job.Type) {
		writeError(w, http.StatusBadRequest, errors.New("unknown job type: "+string(job.Type)))
		return
	}
	if job.ID == "" {
		job.ID = pipeline.NewID(string(job.Type))
	}
	if err := s.jobs.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func knownJobType(t pipeline.JobType) bool {
	for _, k := range pipeline.JobTypes {
		if k == t {
			return true
		}
	}
	return false
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("job pipeline not running"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// handleWebSocket pushes every job result to the client as a JSON text
// message until either side closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("job pipeline not running"))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	resCh, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case res, ok := <-resCh:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(res); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.LoadPositions(mux.Vars(r)["list"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleAddPosition(w http.ResponseWriter, r *http.Request) {
	var pos storage.Position
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	added, err := s.store.AddPositionIfNew(pos, mux.Vars(r)["list"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"added": added})
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	v, err := s.store.GetValue(key, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": v})
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key := mux.Vars(r)["key"]
	if err := s.store.SetValue(key, body.Value); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": body.Value})
}

func decodeProject(r *http.Request) (tasks.ProjectRequest, error) {
	var req tasks.ProjectRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	return req, err
}

func projectStatus(err error) int {
	if errors.Is(err, tasks.ErrNoLights) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) handleSequator(w http.ResponseWriter, r *http.Request) {
	req, err := decodeProject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Root == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("root and name are required"))
		return
	}
	res, err := req.GenerateSequator()
	if err != nil {
		writeError(w, projectStatus(err), err)
		return
	}
	s.log.Info("sequator projects written", "stack", res.Stack, "trail", res.Trail)
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDSS(w http.ResponseWriter, r *http.Request) {
	req, err := decodeProject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Output == "" && (req.Root == "" || req.Name == "") {
		writeError(w, http.StatusBadRequest, errors.New("output, or root and name, are required"))
		return
	}
	res, err := req.GenerateDSS()
	if err != nil {
		writeError(w, projectStatus(err), err)
		return
	}
	s.log.Info("dss file list written", "list", res.List)
	writeJSON(w, http.StatusCreated, res)
}
