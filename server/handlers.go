package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gammadia/nimbus/api"
	"github.com/gammadia/nimbus/cloud"
	schedulerpkg "github.com/gammadia/nimbus/scheduler"
	"github.com/gammadia/nimbus/server/log"
	"github.com/gammadia/nimbus/store"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
)

var (
	errUnknownCloud = errors.New("unknown cloud")
	errBadRequest   = errors.New("bad request")
)

type handlers struct {
	clouds    []*cloud.Cloud
	scheduler *schedulerpkg.Scheduler
	registry  *schedulerpkg.Registry
	startedAt time.Time
}

// newRouter returns the admin API. Large responses are gzipped for clients
// that accept it.
func newRouter(h *handlers, gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", h.status).Methods(http.MethodGet)
	v1.HandleFunc("/templates", h.templates).Methods(http.MethodGet)
	v1.HandleFunc("/clouds/{cloud}/templates/{template}/provision", h.provision).Methods(http.MethodPost)
	v1.HandleFunc("/clouds/{cloud}/templates/{template}/reset", h.reset).Methods(http.MethodPost)
	v1.HandleFunc("/demand", h.demand).Methods(http.MethodPut)
	v1.HandleFunc("/agents/{agent}", h.release).Methods(http.MethodDelete)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return gzhttp.GzipHandler(r)
}

func (h *handlers) cloud(name string) (*cloud.Cloud, error) {
	c, ok := lo.Find(h.clouds, func(c *cloud.Cloud) bool { return c.Name() == name })
	if !ok {
		return nil, fmt.Errorf("%w '%s'", errUnknownCloud, name)
	}
	return c, nil
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.buildStatus())
}

func (h *handlers) templates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, lo.Map(h.clouds, func(c *cloud.Cloud, _ int) api.Cloud {
		return cloudStatus(c, h.registry)
	}))
}

// provision creates an agent right away, regardless of the capacity caps.
func (h *handlers) provision(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, err := h.cloud(vars["cloud"])
	if err != nil {
		writeError(w, err)
		return
	}

	// Keeps going when the client disconnects, until the cloud shuts down
	agent, err := c.Provision(context.WithoutCancel(r.Context()), vars["template"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, err := h.cloud(vars["cloud"])
	if err != nil {
		writeError(w, err)
		return
	}

	if err := c.ResetTemplate(vars["template"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) demand(w http.ResponseWriter, r *http.Request) {
	var req api.DemandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	if req.Workload < 0 {
		writeError(w, fmt.Errorf("%w: workload must not be negative", errBadRequest))
		return
	}

	if err := h.scheduler.Demand(req.Label, req.Workload); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) release(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Release(r.Context(), mux.Vars(r)["agent"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorCode(err), api.ErrorResponse{Error: err.Error()})
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errUnknownCloud),
		errors.Is(err, cloud.ErrUnknownTemplate),
		errors.Is(err, schedulerpkg.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, cloud.ErrTemplateDisabled):
		return http.StatusConflict
	case errors.Is(err, schedulerpkg.ErrShutdown), errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(recorder, r)
		log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", recorder.code, "duration", time.Since(start))
	})
}
