// Command gateway is the entrypoint for the Android control gateway:
// it wires config, logging, the device registry, the control dispatcher,
// the scrcpy-backed session supervisor, and the HTTP/WS/Socket.IO
// surface, then serves. Grounded on the teacher's main.go (file logging
// setup, service wiring order, gin.Default router, final router.Run),
// generalized from package-scope services constructed with no
// persistence to explicitly-constructed components threaded through
// constructors, per spec.md §9's redesign guidance.
package main

import (
	"context"
	"net/http"

	"androidcontrol/internal/adbexec"
	"androidcontrol/internal/agentlog"
	"androidcontrol/internal/clientsio"
	"androidcontrol/internal/config"
	"androidcontrol/internal/control"
	"androidcontrol/internal/device"
	"androidcontrol/internal/httpapi"
	"androidcontrol/internal/logging"
	"androidcontrol/internal/scrcpy"
	"androidcontrol/internal/store"
	"androidcontrol/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	logFile, err := logging.Setup()
	if err != nil {
		logrus.WithError(err).Warn("failed to set up file logging, continuing with stdout only")
	} else {
		defer logFile.Close()
	}

	cfg := config.Load()
	log := logrus.WithField("component", "main")
	log.Info("starting android control gateway")

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	adb := adbexec.New(cfg.ADBPath)
	registry := device.NewRegistry(adb, db)
	dispatcher := control.NewDispatcher(adb)
	agentLogs := agentlog.NewBroker()
	agentDriver := agentlog.NewDriver(cfg.AgentBinaryPath, agentLogs)

	serverPath := cfg.ResolveScrcpyServerPath()
	factory := func(id stream.DeviceId) stream.Controller {
		return scrcpy.NewController(adb, string(id), serverPath, cfg.ScrcpyPortRangeLo, cfg.ScrcpyPortRangeHi)
	}
	supervisor := stream.NewSupervisor(factory, db)

	if err := registry.ScanDevices(context.Background()); err != nil {
		log.WithError(err).Warn("initial device scan failed")
	}

	router := gin.Default()
	httpapi.Register(router, httpapi.Deps{
		Registry:             registry,
		Dispatcher:           dispatcher,
		Supervisor:           supervisor,
		AgentLogs:            agentLogs,
		AgentDriver:          agentDriver,
		ADB:                  adb,
		DefaultStreamOptions: stream.DefaultStreamOptions(),
	})

	sioServer := clientsio.NewServer(supervisor, stream.DefaultStreamOptions())
	go sioServer.Serve()
	defer sioServer.Close()
	router.Any("/socket.io/*any", gin.WrapH(sioServer))

	log.WithField("addr", cfg.HTTPAddr).Info("listening")
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server failed")
	}
}
