package host

import (
	"net/http"
	"time"
)

// RegisterRoutes mounts the host websocket and the REST surface.
func RegisterRoutes(mux *http.ServeMux, handler *Handler) {
	options := handler.options
	rest := &RestHandler{
		Store:       options.Store,
		Manager:     options.Manager,
		Registry:    options.Registry,
		Logger:      options.Logger,
		HostVersion: options.HostVersion,
		StartedAt:   time.Now(),
	}

	mux.Handle("/ws/host", handler)
	mux.Handle("/status", restHandler(options.AuthToken, options.Logger, rest.handleStatus))
	mux.Handle("/metrics", restHandler(options.AuthToken, options.Logger, rest.handleMetrics))
	mux.Handle("/logs", restHandler(options.AuthToken, options.Logger, rest.handleLogs))
	mux.Handle("/schema", restHandler(options.AuthToken, options.Logger, rest.handleSchemaIndex))
	mux.Handle("/schema/", restHandler(options.AuthToken, options.Logger, rest.handleSchema))
}
