package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plexer/internal/broadcast"
	"plexer/internal/config"
	"plexer/internal/host"
	"plexer/internal/link"
	"plexer/internal/logging"
	"plexer/internal/metrics"
	"plexer/internal/relay"
	"plexer/internal/store"
	"plexer/internal/watcher"
)

func main() {
	configPath := flag.String("config", "plexer.toml", "path to the settings file")
	listen := flag.String("listen", "", "listen address, overrides the settings file")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		logging.NewLogger(logging.NewLogBuffer(1), logging.LevelError).Error("config load failed", map[string]string{
			"path":  *configPath,
			"error": err.Error(),
		})
		os.Exit(1)
	}
	if *listen != "" {
		settings.Server.Listen = *listen
	}
	if token := os.Getenv("PLEXER_AUTH_TOKEN"); token != "" {
		settings.Server.AuthToken = token
	}

	logBuffer := logging.NewLogBuffer(settings.Log.Buffer)
	logger := logging.NewLogger(logBuffer, settings.LogLevel())
	registry := metrics.Default

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateStore := store.New(logger, nil)
	manager := link.NewManager(ctx, link.ManagerOptions{
		Versions: link.VersionRange{
			Min: settings.Plugins.APIVersionMin,
			Max: settings.Plugins.APIVersionMax,
		},
		HostVersion:      settings.Host.Version,
		HandshakeTimeout: settings.HandshakeTimeout(),
		Logger:           logger,
		Registry:         registry,
	})
	unsubscribe := stateStore.SubscribeActiveSet(manager.Sync)
	defer unsubscribe()

	shutdown := make(chan struct{}, 1)
	handler := host.NewHandler(host.Options{
		Store:          stateStore,
		Manager:        manager,
		Logger:         logger,
		Registry:       registry,
		AuthToken:      settings.Server.AuthToken,
		AllowedOrigins: settings.Server.AllowedOrigins,
		HostVersion:    settings.Host.Version,
		APIVersion:     settings.Plugins.APIVersionMax,
		OnShutdown: func() {
			select {
			case shutdown <- struct{}{}:
			default:
			}
		},
	})

	hostRelay := relay.New(relay.Options{
		Sink:     handler.Notify,
		Logger:   logger,
		Registry: registry,
	})
	stopRelay := hostRelay.Start(manager.Events())
	defer stopRelay()

	handler.SetBroadcaster(broadcast.New(broadcast.Options{
		Links:    manager.ReadyLinks,
		Report:   hostRelay.Report,
		Logger:   logger,
		Registry: registry,
	}))

	if settings.Plugins.Watch {
		manifestWatcher, err := watcher.New(logger, stateStore.Refresh, 0)
		if err != nil {
			logger.Warn("manifest watcher unavailable", map[string]string{
				"error": err.Error(),
			})
		} else {
			defer manifestWatcher.Close()
			handler.SetWatcher(manifestWatcher)
		}
	}

	mux := http.NewServeMux()
	host.RegisterRoutes(mux, handler)

	server := &http.Server{
		Addr:              settings.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signals:
			logger.Info("signal received", map[string]string{"signal": sig.String()})
			manager.DisposeAll()
		case <-shutdown:
			logger.Info("host requested shutdown", nil)
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("plexer listening", map[string]string{
		"addr": server.Addr,
	})
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server stopped", map[string]string{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}
