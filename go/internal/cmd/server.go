package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/snookerhq/livesync/go/internal/livematch"
	"github.com/snookerhq/livesync/go/internal/tabsync"
)

func setupServer(services *Services) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	registerRoutes(mux, services)
	setupHealthCheck(mux, services)

	handler := c.Handler(mux)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", getEnv("PORT", "8080")),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func registerRoutes(mux *http.ServeMux, services *Services) {
	h := &apiHandler{services: services}

	mux.HandleFunc("GET /ws/matches/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := services.Gateway.ServeWS(w, r, r.PathValue("id")); err != nil {
			log.Error().Err(err).Msg("spectator upgrade failed")
		}
	})

	mux.HandleFunc("GET /api/matches/{id}/live", h.getLive)
	mux.HandleFunc("POST /api/matches/{id}/live", h.goLive)
	mux.HandleFunc("POST /api/matches/{id}/score", h.updateScore)
	mux.HandleFunc("POST /api/matches/{id}/frames/{frame}/end", h.endFrame)
	mux.HandleFunc("POST /api/matches/{id}/pause", h.pause)
	mux.HandleFunc("POST /api/matches/{id}/resume", h.resume)
	mux.HandleFunc("POST /api/matches/{id}/break/start", h.startBreak)
	mux.HandleFunc("POST /api/matches/{id}/break/end", h.endBreak)
	mux.HandleFunc("POST /api/matches/{id}/complete", h.complete)
	mux.HandleFunc("GET /api/matches/{id}/timers", h.timers)
	mux.HandleFunc("POST /api/matches/{id}/timers/sync", h.syncTimers)
}

func setupHealthCheck(mux *http.ServeMux, services *Services) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"tab_id":      services.Tabs.ID(),
			"is_leader":   services.Tabs.IsLeader(),
			"active_tabs": services.Tabs.ActiveTabCount(),
			"spectators":  services.Gateway.Stats(),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses and tells the client
// whether a retry is worthwhile.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	retryable := false

	var nf *livematch.NotFoundError
	var fnf *livematch.FrameNotFoundError
	var invalid *livematch.InvalidUpdateError
	var lockErr *tabsync.LockTimeoutError
	var connLost *livematch.ConnectionLostError
	switch {
	case errors.As(err, &nf), errors.As(err, &fnf):
		status = http.StatusNotFound
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.As(err, &lockErr):
		status, retryable = http.StatusConflict, true
	case errors.As(err, &connLost):
		status, retryable = http.StatusServiceUnavailable, true
	}

	writeJSON(w, status, map[string]any{
		"error":     err.Error(),
		"retryable": retryable,
	})
}
