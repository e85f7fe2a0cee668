package handler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeromicro/go-zero/rest"

	"github.com/relaygate/relaygate/internal/gateway/svc"
)

// RegisterHandlers wires the gateway's HTTP surface.
func RegisterHandlers(server *rest.Server, svcCtx *svc.ServiceContext) {
	metricsHandler := promhttp.Handler()

	server.AddRoutes(
		[]rest.Route{
			{
				Method:  http.MethodGet,
				Path:    "/health",
				Handler: HealthCheckHandler(svcCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/ping",
				Handler: PingHandler(svcCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/metrics",
				Handler: metricsHandler.ServeHTTP,
			},
			{
				Method:  http.MethodGet,
				Path:    "/ws",
				Handler: WebSocketHandler(svcCtx),
			},
			{
				Method:  http.MethodGet,
				Path:    "/ws/stats",
				Handler: WebSocketStatsHandler(svcCtx),
			},
		},
	)
}
