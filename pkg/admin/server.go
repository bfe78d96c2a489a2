// Package admin exposes the master's registry over HTTP.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fsgrid/pkg/namespace"
	"fsgrid/pkg/protocol"
	"fsgrid/pkg/registry"
	"fsgrid/pkg/types"
)

// AddRequest is the body of POST /slaves.
type AddRequest struct {
	Name  types.SlaveName `json:"name"`
	Masks []string        `json:"masks"`
	Roots []string        `json:"roots,omitempty"`
}

// KickRequest is the optional body of POST /slaves/{name}/kick.
type KickRequest struct {
	By string `json:"by,omitempty"`
}

type VerifyResponse struct {
	Removed int `json:"removed"`
}

type StatusResponse struct {
	Total      types.SlaveStatus                      `json:"total"`
	Reachable  int                                    `json:"reachable"`
	Registered int                                    `json:"registered"`
	Slaves     map[types.SlaveName]*types.SlaveStatus `json:"slaves"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	registry *registry.Registry
	tree     *namespace.Tree
	gatherer prometheus.Gatherer
	metrics  *httpMetrics
	logger   *zap.Logger
}

// New builds the admin API. gatherer backs /metrics; reg receives the HTTP metrics.
// Either may be nil.
func New(r *registry.Registry, tree *namespace.Tree, reg prometheus.Registerer, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		registry: r,
		tree:     tree,
		gatherer: gatherer,
		metrics:  newHTTPMetrics(reg),
		logger:   logger.With(zap.String("component", "admin")),
	}
}

func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.logRequests)
	router.Use(s.metrics.middleware)

	router.Get("/healthz", s.healthz)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	router.Route("/slaves", func(r chi.Router) {
		r.Get("/", s.listSlaves)
		r.Post("/", s.addSlave)
		r.Post("/verify", s.verify)
		r.Get("/{name}", s.getSlave)
		r.Delete("/{name}", s.removeSlave)
		r.Post("/{name}/kick", s.kick)
		r.Post("/{name}/remerge", s.remerge)
	})
	router.Get("/status", s.status)
	router.Get("/select", s.selectSlaves)
	router.Get("/files", s.files)

	return router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.registry.HasAvailable() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) listSlaves(w http.ResponseWriter, _ *http.Request) {
	handles := s.registry.ListAll()
	infos := make([]types.SlaveInfo, len(handles))
	for i, h := range handles {
		infos[i] = h.Info()
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) addSlave(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Masks) == 0 {
		writeError(w, http.StatusBadRequest, "at least one mask is required")
		return
	}

	h, err := s.registry.Add(types.SlaveDescriptor{Name: req.Name, Masks: req.Masks, Roots: req.Roots})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Info())
}

func (s *Server) getSlave(w http.ResponseWriter, r *http.Request) {
	h, err := s.registry.Lookup(slaveName(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if h.IsOnline() {
		// Fills the status cache so Info has something to report.
		_, _ = h.Status(r.Context())
	}
	writeJSON(w, http.StatusOK, h.Info())
}

func (s *Server) removeSlave(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(slaveName(r)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) kick(w http.ResponseWriter, r *http.Request) {
	var req KickRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.By == "" {
		req.By = "admin"
	}

	if err := s.registry.Kick(slaveName(r), "kicked by "+req.By); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) remerge(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remerge(r.Context(), slaveName(r)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	removed, err := s.registry.VerifyAll(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Removed: removed})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	byName := s.registry.StatusByName(r.Context())
	resp := StatusResponse{
		Registered: len(byName),
		Slaves:     byName,
	}
	for _, status := range byName {
		if status != nil {
			resp.Total = resp.Total.Append(*status)
			resp.Reachable++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) selectSlaves(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	count := 1
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}
	ascending := false
	if v := q.Get("ascending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "ascending must be a boolean")
			return
		}
		ascending = b
	}
	var exempt []types.SlaveName
	for _, name := range strings.Split(q.Get("exempt"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			exempt = append(exempt, types.SlaveName(name))
		}
	}

	handles, err := s.registry.SelectByFreeSpace(r.Context(), count, exempt, ascending)
	if err != nil {
		s.fail(w, err)
		return
	}
	infos := make([]types.SlaveInfo, len(handles))
	for i, h := range handles {
		infos[i] = h.Info()
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) files(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.tree.Serialize(w); err != nil {
		s.logger.Warn("Failed to write namespace", zap.Error(err))
	}
}

func slaveName(r *http.Request) types.SlaveName {
	return types.SlaveName(chi.URLParam(r, "name"))
}

// fail maps registry errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyExists), errors.Is(err, registry.ErrAlreadyOnline):
		code = http.StatusConflict
	case errors.Is(err, types.ErrSlaveUnavailable), errors.Is(err, registry.ErrNoAvailableSlaves):
		code = http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrInvalidName):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message})
}
