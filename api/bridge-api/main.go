// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Command bridge-api runs the device ↔ Vapi audio bridge: a UDP endpoint for
// the embedded device on one side, a provisioned Vapi websocket call on the
// other.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/vapi-bridge/api/bridge-api/config"
	internal_bridge "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/bridge"
	internal_vapi "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/vapi"
	bridge_routers "github.com/rapidaai/vapi-bridge/api/bridge-api/router"
	"github.com/rapidaai/vapi-bridge/pkg/commons"
	"github.com/rapidaai/vapi-bridge/pkg/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	vConfig, err := config.InitConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge-api: %v\n", err)
		return 1
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge-api: %v\n", err)
		return 1
	}

	logger, err := commons.NewApplicationLoggerWithOptions(cfg.LogLevel, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge-api: logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vapiClient := internal_vapi.NewClient(logger, cfg.VapiPrivateAPIKey, "")
	bridge := internal_bridge.New(cfg, logger, vapiClient)
	if err := bridge.Start(ctx); err != nil {
		logger.Errorf("bridge-api: %v", err)
		return 1
	}

	var statusServer *http.Server
	if cfg.HTTPPort > 0 {
		gin.SetMode(gin.ReleaseMode)
		engine := gin.New()
		engine.Use(gin.Recovery())
		bridge_routers.HealthCheckRoutes(cfg, engine, logger, bridge)

		statusServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler: engine,
		}
		utils.Go(ctx, func() {
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("bridge-api: status server: %v", err)
			}
		})
		logger.Infof("bridge-api: status server on :%d", cfg.HTTPPort)
	}

	logger.Infof("bridge-api: ready (assistant=%s)", cfg.VapiAssistantID)
	<-ctx.Done()
	logger.Info("bridge-api: shutting down")

	// Tear down the active session before releasing the UDP endpoint, so the
	// device gets its "end" notice.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bridge.Close(shutdownCtx); err != nil {
		logger.Warnf("bridge-api: close: %v", err)
	}
	if statusServer != nil {
		_ = statusServer.Shutdown(shutdownCtx)
	}

	return 0
}
