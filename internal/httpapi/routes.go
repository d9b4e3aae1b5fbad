// Package httpapi wires the gateway's HTTP/WS surface: device CRUD,
// control actions, and the three WS endpoints (screen fallback, H.264
// live stream, AI agent logs). Grounded on the teacher's api package
// (CORSMiddleware, SetupRoutes's route grouping, GetDevices/ScanDevices
// handler shape), generalized from the teacher's one multiplexed
// WebSocketHub to per-device Bus subscriptions through the Session
// Supervisor.
package httpapi

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"time"

	"androidcontrol/internal/adbexec"
	"androidcontrol/internal/agentlog"
	"androidcontrol/internal/clientws"
	"androidcontrol/internal/control"
	"androidcontrol/internal/device"
	"androidcontrol/internal/stream"
	"androidcontrol/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Deps bundles every component the HTTP layer calls into.
type Deps struct {
	Registry    *device.Registry
	Dispatcher  *control.Dispatcher
	Supervisor  *stream.Supervisor
	AgentLogs   *agentlog.Broker
	AgentDriver *agentlog.Driver
	ADB         *adbexec.Executor

	DefaultStreamOptions stream.StreamOptions
}

// Register mounts every route from spec.md §6 onto router.
func Register(router *gin.Engine, d Deps) {
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"status": "ok"}))
	})

	router.GET("/devices", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.SuccessResponse(d.Registry.GetAll()))
	})

	router.POST("/devices/scan", func(c *gin.Context) {
		if err := d.Registry.ScanDevices(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(d.Registry.GetAll()))
	})

	router.POST("/devices/:id/connect", func(c *gin.Context) {
		if dev := d.Registry.Get(c.Param("id")); dev != nil {
			c.JSON(http.StatusOK, models.SuccessResponse(dev))
			return
		}
		c.JSON(http.StatusNotFound, models.ErrorResponse("device not found"))
	})

	router.POST("/devices/:id/disconnect", func(c *gin.Context) {
		id := stream.DeviceId(c.Param("id"))
		if d.Supervisor.State(id) != stream.StateIdle {
			c.JSON(http.StatusOK, models.MessageResponse("session will end once its last viewer disconnects"))
			return
		}
		c.JSON(http.StatusOK, models.MessageResponse("no active session"))
	})

	// ai-command is handled here rather than as its own route: gin's
	// router rejects a static segment ("ai-command") registered
	// alongside a wildcard (":action") at the same path depth.
	router.POST("/control/:id/:action", func(c *gin.Context) {
		deviceID := c.Param("id")

		if c.Param("action") == "ai-command" {
			var body struct {
				Command string `json:"command"`
			}
			if err := c.ShouldBindJSON(&body); err != nil || body.Command == "" {
				c.JSON(http.StatusBadRequest, models.ErrorResponse("missing command"))
				return
			}
			go func() {
				if err := d.AgentDriver.Run(context.Background(), deviceID, body.Command); err != nil {
					d.AgentLogs.BroadcastLogLine(deviceID, "agent launch failed: "+err.Error(), nil)
				}
			}()
			c.JSON(http.StatusOK, models.MessageResponse("agent command dispatched"))
			return
		}

		var body map[string]interface{}
		c.ShouldBindJSON(&body)

		action := control.Action{Kind: c.Param("action"), Args: body}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		if err := d.Dispatcher.Dispatch(ctx, deviceID, action); err != nil {
			c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
			return
		}
		c.JSON(http.StatusOK, models.MessageResponse("ok"))
	})

	router.GET("/ws/screen/:id", func(c *gin.Context) {
		serveScreenFallback(d.ADB, c.Param("id"), c.Writer, c.Request)
	})

	router.GET("/ws/h264/:id", func(c *gin.Context) {
		clientws.ServeH264(d.Supervisor, stream.DeviceId(c.Param("id")), d.DefaultStreamOptions, c.Writer, c.Request)
	})

	router.GET("/ws/ai-logs/:id", func(c *gin.Context) {
		serveAgentLogs(d.AgentLogs, c.Param("id"), c.Writer, c.Request)
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

var screenUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1 << 20,
}

// serveScreenFallback periodically captures a PNG screenshot over ADB,
// re-encodes it as JPEG and pushes it as a binary WS frame, grounded on the teacher's
// StreamingService.streamDevice screencap-loop fallback.
func serveScreenFallback(adb *adbexec.Executor, deviceID string, w http.ResponseWriter, r *http.Request) {
	conn, err := screenUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	ctx := r.Context()
	errCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := adb.Execute(ctx, []string{"-s", deviceID, "exec-out", "screencap", "-p"}, adbexec.Options{Wait: true, Timeout: 5 * time.Second})
			var frame bytes.Buffer
			if err == nil && res.ExitCode == 0 {
				var img image.Image
				if img, err = png.Decode(bytes.NewReader(res.Stdout)); err == nil {
					err = jpeg.Encode(&frame, img, nil)
				}
			}
			if err != nil || res.ExitCode != 0 {
				errCount++
				if errCount >= 5 {
					return
				}
				continue
			}
			errCount = 0
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame.Bytes()); err != nil {
				return
			}
		}
	}
}

func serveAgentLogs(broker *agentlog.Broker, deviceID string, w http.ResponseWriter, r *http.Request) {
	conn, err := screenUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := broker.Subscribe(deviceID)
	defer broker.Unsubscribe(deviceID, sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-sub.Receive():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		}
	}
}
