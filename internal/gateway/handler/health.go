package handler

import (
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/gateway/middleware"
	"github.com/relaygate/relaygate/internal/gateway/svc"
)

// HealthResponse reports liveness for load balancer probes.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	WorkerID  string    `json:"worker_id"`
}

// HealthCheckHandler answers liveness probes.
func HealthCheckHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SuccessResponse(w, HealthResponse{
			Status:    "UP",
			Timestamp: time.Now(),
			Service:   svcCtx.Config.Log.ServiceName,
			WorkerID:  svcCtx.WorkerID,
		}, middleware.RequestIDFromContext(r.Context()))
	}
}

// PingHandler answers the simplest possible probe.
func PingHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}
}
