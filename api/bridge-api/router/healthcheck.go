// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package bridge_routers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/vapi-bridge/api/bridge-api/config"
	internal_bridge "github.com/rapidaai/vapi-bridge/api/bridge-api/internal/bridge"
	"github.com/rapidaai/vapi-bridge/pkg/commons"
)

// HealthCheckRoutes exposes liveness and the dispatcher's status counters.
func HealthCheckRoutes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger, bridge *internal_bridge.Bridge) {
	logger.Info("Internal HealthCheckRoutes added to engine.")
	apiv1 := engine.Group("")
	{
		apiv1.GET("/healthz/", healthz)
		apiv1.GET("/status/", status(bridge))
	}
}

func healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sessionStatus struct {
	SessionID  uint32 `json:"session_id"`
	State      string `json:"state"`
	DeviceAddr string `json:"device_addr"`
	MicFormat  string `json:"mic_format"`
	QueueLen   int    `json:"queue_len"`
}

type statusResponse struct {
	UptimeSeconds float64               `json:"uptime_seconds"`
	Session       *sessionStatus        `json:"session,omitempty"`
	Stats         internal_bridge.Stats `json:"stats"`
}

func status(bridge *internal_bridge.Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := statusResponse{
			UptimeSeconds: bridge.Uptime().Round(time.Millisecond).Seconds(),
			Stats:         bridge.Stats(),
		}
		if session := bridge.Session(); session != nil {
			response.Session = &sessionStatus{
				SessionID:  session.ID,
				State:      session.State().String(),
				DeviceAddr: session.DeviceAddr.String(),
				MicFormat:  session.MicFormat.String(),
				QueueLen:   session.QueueLen(),
			}
		}
		c.JSON(http.StatusOK, response)
	}
}
