package main

import (
	"encoding/json"
	"net/http"

	"silvenger/internal/constants"
	"silvenger/internal/metrics"
	"silvenger/internal/tracing"

	"github.com/sirupsen/logrus"
)

// handleMetrics returns the global registry, including the queue and
// realtime counters when the client runs in the same process during tests.
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestInfo := tracing.GetRequestInfo(r.Context())

		s.logger.WithFields(logrus.Fields{
			constants.LogFieldRequestID: requestInfo.RequestID,
			constants.LogFieldTraceID:   requestInfo.TraceID,
			constants.LogFieldEndpoint:  "/metrics",
		}).Debug("Serving metrics endpoint")

		snapshot := metrics.GetAllMetrics()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		if err := encoder.Encode(snapshot); err != nil {
			s.logger.WithFields(logrus.Fields{
				constants.LogFieldRequestID: requestInfo.RequestID,
				constants.LogFieldTraceID:   requestInfo.TraceID,
			}).WithError(err).Error("Failed to encode metrics response")

			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}
