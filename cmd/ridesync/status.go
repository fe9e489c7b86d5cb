package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ultraride/ridesync/internal/bgsync"
	"github.com/ultraride/ridesync/internal/client"
	"github.com/ultraride/ridesync/internal/metrics"
)

type statusSource interface {
	Snapshot(ctx context.Context) client.Snapshot
	SyncNow(ctx context.Context) bgsync.Result
}

type syncResponse struct {
	Profile string `json:"profile,omitempty"`
	Events  string `json:"events,omitempty"`
}

// newStatusRouter serves the local status endpoints of a running sync client.
func newStatusRouter(source statusSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/state", func(w http.ResponseWriter, r *http.Request) {
		writeStatusJSON(w, r, http.StatusOK, source.Snapshot(r.Context()))
	})
	r.Post("/v1/sync", func(w http.ResponseWriter, r *http.Request) {
		result := source.SyncNow(r.Context())
		resp := syncResponse{}
		status := http.StatusOK
		if result.Profile != nil {
			resp.Profile = result.Profile.Error()
			status = http.StatusBadGateway
		}
		if result.Events != nil {
			resp.Events = result.Events.Error()
			status = http.StatusBadGateway
		}
		writeStatusJSON(w, r, status, resp)
	})
	return r
}

func writeStatusJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[ERROR] RequestID=%s: encode response: %v", middleware.GetReqID(r.Context()), err)
	}
}
