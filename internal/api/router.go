package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/taskwell/taskwell/internal/api/middleware"
	"github.com/taskwell/taskwell/internal/api/shared"
)

// HealthSource reports the liveness signals exposed by /health.
type HealthSource interface {
	BrokerConnected(ctx context.Context) bool
	WorkersOnline() int
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	BrokerConnected bool `json:"broker_connected"`
	WorkersOnline   int  `json:"workers_online"`
}

// NewRouter builds the HTTP front door: task submission/status/cancel,
// /health and the Prometheus /metrics exposition.
func NewRouter(tasks *TaskHandler, healthSrc HealthSource, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.TraceID)
	r.Use(chimiddleware.Recoverer)
	// 1 MB body limit; payloads are small JSON documents.
	r.Use(chimiddleware.RequestSize(1 << 20))

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/submit", tasks.SubmitTask)
		r.Get("/{id}/status", tasks.GetTaskStatus)
		r.Post("/{id}/cancel", tasks.CancelTask)
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		resp := HealthResponse{
			BrokerConnected: healthSrc.BrokerConnected(req.Context()),
			WorkersOnline:   healthSrc.WorkersOnline(),
		}
		status := http.StatusOK
		if !resp.BrokerConnected {
			status = http.StatusServiceUnavailable
		}
		shared.RespondWithJSON(w, req, status, resp)
	})

	r.Handle("/metrics", metricsHandler)

	return r
}
