package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest"

	"github.com/relaygate/relaygate/internal/gateway/config"
	"github.com/relaygate/relaygate/internal/gateway/handler"
	"github.com/relaygate/relaygate/internal/gateway/middleware"
	"github.com/relaygate/relaygate/internal/gateway/svc"
)

var configFile = flag.String("f", "configs/gateway.yaml", "the config file")

func main() {
	flag.Parse()

	var c config.Config
	conf.MustLoad(*configFile, &c)

	logx.MustSetup(logx.LogConf{
		ServiceName:         c.Log.ServiceName,
		Mode:                c.Log.Mode,
		Path:                c.Log.Path,
		Level:               c.Log.Level,
		Compress:            c.Log.Compress,
		KeepDays:            c.Log.KeepDays,
		StackCooldownMillis: c.Log.StackCooldownMillis,
	})

	server := rest.MustNewServer(c.RestConf, rest.WithCors())
	defer server.Stop()

	ctx := svc.NewServiceContext(c)

	server.Use(middleware.RequestIDMiddleware)
	server.Use(middleware.LoggerMiddleware(ctx.Logger))
	server.Use(middleware.MetricsMiddleware(ctx.Metrics))
	if c.Ingress.Enable {
		server.Use(middleware.RateLimitMiddleware(c.Ingress.Rate, c.Ingress.Burst))
	}

	handler.RegisterHandlers(server, ctx)

	bgCtx, cancel := context.WithCancel(context.Background())
	ctx.Start(bgCtx)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logx.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		ctx.Shutdown(shutdownCtx)

		server.Stop()
	}()

	fmt.Printf("Starting gateway at %s:%d...\n", c.Host, c.Port)
	logx.Infof("gateway started at %s:%d", c.Host, c.Port)

	server.Start()
}
