package host

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"plexer/internal/link"
	"plexer/internal/logging"
	"plexer/internal/metrics"
	"plexer/internal/schema"
	"plexer/internal/store"
)

// RestHandler serves the read-only surface next to the host websocket:
// status, metrics, and wire schemas.
type RestHandler struct {
	Store       *store.Store
	Manager     *link.Manager
	Registry    *metrics.Registry
	Logger      *logging.Logger
	HostVersion string
	StartedAt   time.Time
}

type pluginSummary struct {
	Identity string   `json:"identity"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Status   string   `json:"status"`
	Roots    []string `json:"roots,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type statusResponse struct {
	Version       string          `json:"version"`
	ServerTime    time.Time       `json:"server_time"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	RootCount     int             `json:"root_count"`
	PluginCount   int             `json:"plugin_count"`
	ReadyCount    int             `json:"ready_count"`
	Plugins       []pluginSummary `json:"plugins"`
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}

	plugins := []pluginSummary{}
	readyCount := 0
	for _, l := range h.Manager.Links() {
		summary := pluginSummary{
			Identity: l.Identity(),
			Name:     l.Plugin().Manifest.Name,
			Version:  l.Plugin().Manifest.Version,
			Status:   string(l.Status()),
			Roots:    l.Plugin().Roots,
		}
		if l.Status() == link.StatusReady {
			readyCount++
		}
		if err, _ := l.Failure(); err != nil {
			summary.Error = err.Error()
		}
		plugins = append(plugins, summary)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Version:       h.HostVersion,
		ServerTime:    time.Now().UTC(),
		UptimeSeconds: int64(time.Since(h.StartedAt).Seconds()),
		RootCount:     len(h.Store.Roots()),
		PluginCount:   len(plugins),
		ReadyCount:    readyCount,
		Plugins:       plugins,
	})
	return nil
}

const defaultLogLimit = 100

// handleLogs serves the newest entries from the shared log buffer, the same
// stream the connected host receives as host.log notifications.
func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}

	limit := defaultLogLimit
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		limit = parsed
	}

	minLevel := logging.LevelDebug
	if rawLevel := r.URL.Query().Get("level"); rawLevel != "" {
		parsed, ok := logging.ParseLevel(rawLevel)
		if !ok {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid level"}
		}
		minLevel = parsed
	}

	entries := h.Logger.Buffer().Last(limit)
	filtered := make([]logging.LogEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Level.AtLeast(minLevel) {
			filtered = append(filtered, entry)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}

	var buf bytes.Buffer
	if err := h.Registry.WritePrometheus(&buf); err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "metrics unavailable"}
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
	return nil
}

func (h *RestHandler) handleSchema(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}

	name := strings.TrimPrefix(r.URL.Path, "/schema/")
	if name == "" || strings.Contains(name, "/") {
		return &apiError{Status: http.StatusNotFound, Message: "unknown schema"}
	}
	s, err := schema.Resolve(name)
	if err != nil {
		return &apiError{Status: http.StatusNotFound, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, s)
	return nil
}

func (h *RestHandler) handleSchemaIndex(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"schemas": schema.Names()})
	return nil
}
