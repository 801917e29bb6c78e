package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/relaybus/relaybus/pkg/bus"
	"github.com/relaybus/relaybus/pkg/config"
	"github.com/relaybus/relaybus/pkg/dispatcher"
	"github.com/relaybus/relaybus/pkg/restapi"
	"github.com/relaybus/relaybus/pkg/transport/grpcstream"
)

func main() {
	cfg, err := config.InitConfig()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("error building logger: %v", err)
	}
	defer logger.Sync()

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Fatal("cannot listen for gRPC", zap.String("addr", cfg.Server.GRPCAddr), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	metrics := bus.NewMetricsRegistry()
	manager := bus.NewManager(cfg.TopicConfig(), metrics)
	d := dispatcher.New(manager, logger,
		dispatcher.WithRateLimit(cfg.Bus.RateLimitRPS, cfg.Bus.RateLimitBurst),
		dispatcher.WithSendDeadline(time.Duration(cfg.Bus.SendDeadlineMs)*time.Millisecond),
	)

	grpcServer := grpc.NewServer()
	grpcstream.RegisterServer(grpcServer, d)

	go func() {
		logger.Info("gRPC listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: restapi.NewRouter(manager, metrics),
	}
	go func() {
		logger.Info("HTTP control plane listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutS)*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := manager.ShutdownAll(shutdownCtx); err != nil {
		logger.Warn("bus shutdown incomplete", zap.Error(err))
	} else {
		logger.Info("bus shutdown complete")
	}
	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	logger.Info("all done, exiting")
}
