package handler

import (
	"net/http"

	"github.com/relaygate/relaygate/internal/gateway/middleware"
	"github.com/relaygate/relaygate/internal/gateway/svc"
)

// WebSocketHandler upgrades clients into the session pipeline.
func WebSocketHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return svcCtx.WSServer.HandleWebSocket()
}

// StatsResponse is a point-in-time snapshot of this worker's session
// state, for operators and dashboards.
type StatsResponse struct {
	Connections      int `json:"connections"`
	Principals       int `json:"principals"`
	OnlinePrincipals int `json:"online_principals"`
	VolatileQueued   int `json:"volatile_queued"`
}

// WebSocketStatsHandler reports the worker's live session counters.
func WebSocketStatsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SuccessResponse(w, StatsResponse{
			Connections:      svcCtx.Registry.Count(),
			Principals:       svcCtx.Registry.PrincipalCount(),
			OnlinePrincipals: svcCtx.Tracker.OnlineCount(),
			VolatileQueued:   svcCtx.Engine.PendingVolatile(),
		}, middleware.RequestIDFromContext(r.Context()))
	}
}
