package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kwv/corrnet/prune"
	"github.com/kwv/corrnet/service"
	"github.com/sirupsen/logrus"
)

// maxRequestBytes bounds the body of POST /estimate
const maxRequestBytes = 32 << 20

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *service.StateTracker, estimator *service.Estimator, logger logrus.FieldLogger) http.Handler {
	log := logger.WithField("action", "http")
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		processed, failed := stateTracker.Stats()
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Uptime    string    `json:"uptime"`
			Sources   int       `json:"sources"`
			Processed int       `json:"processed"`
			Failed    int       `json:"failed"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Uptime:    stateTracker.Uptime().Round(time.Second).String(),
			Sources:   len(stateTracker.GetResults()),
			Processed: processed,
			Failed:    failed,
		}
		if err := writeJSON(w, http.StatusOK, status); err != nil {
			log.WithError(err).Warn("encoding health status")
		}
	})

	// Latest estimate per source, or one source with ?source=
	mux.HandleFunc("/estimates", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body interface{} = stateTracker.GetResults()
		if id := r.URL.Query().Get("source"); id != "" {
			result, ok := stateTracker.Latest(id)
			if !ok {
				http.Error(w, "no estimate for source "+id, http.StatusNotFound)
				return
			}
			body = result
		}
		if err := writeJSON(w, http.StatusOK, body); err != nil {
			log.WithError(err).Warn("encoding estimates")
		}
	})

	mux.HandleFunc("/estimate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req service.EstimateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}

		sourceID := r.URL.Query().Get("source")
		if sourceID == "" {
			sourceID = "http"
		}
		result, err := estimator.Handle(sourceID, &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, prune.ErrShape) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		if err := writeJSON(w, http.StatusOK, result); err != nil {
			log.WithError(err).Warn("encoding estimate")
		}
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		}).Debug("request")
		mux.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
