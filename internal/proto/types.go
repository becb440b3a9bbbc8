package proto

import "encoding/json"

// Diagnostic is one reported issue. Its content is opaque to the
// orchestrator beyond the file it belongs to; equality over the whole value
// drives notification diffing.
type Diagnostic struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Severity string `json:"severity"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

// WorkspaceRoot is one directory the host designates for analysis.
type WorkspaceRoot struct {
	Root    string   `json:"root"`
	Exclude []string `json:"exclude,omitempty"`
}

type SetRootsParams struct {
	Roots []WorkspaceRoot `json:"roots"`
}

type SetPriorityFilesParams struct {
	Files []string `json:"files"`
}

// SetSubscriptionsParams maps a subscription service name to the files it
// covers.
type SetSubscriptionsParams struct {
	Subscriptions map[string][]string `json:"subscriptions"`
}

type UpdateContentParams struct {
	// Files maps a path to its new overlay content.
	Files map[string]string `json:"files"`
}

type GetDiagnosticsParams struct {
	File string `json:"file"`
}

type DiagnosticsResult struct {
	// Files maps each reported file to its merged diagnostic list.
	Files map[string][]Diagnostic `json:"files"`
}

type GetFixesParams struct {
	File   string `json:"file"`
	Offset int    `json:"offset"`
}

type GetAssistsParams struct {
	File   string `json:"file"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type GetAvailableRefactoringsParams struct {
	File   string `json:"file"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type GetRefactoringParams struct {
	Kind    string          `json:"kind"`
	File    string          `json:"file"`
	Offset  int             `json:"offset"`
	Length  int             `json:"length"`
	Options json.RawMessage `json:"options,omitempty"`
}

type GetNavigationParams struct {
	File   string `json:"file"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// ArtifactsResult carries pass-through per-plugin artifacts (fixes, assists,
// refactorings, navigation regions) merged by concatenation.
type ArtifactsResult struct {
	Artifacts []json.RawMessage `json:"artifacts"`
}

type VersionCheckParams struct {
	HostVersion     string `json:"hostVersion"`
	ProtocolVersion int    `json:"protocolVersion"`
}

type VersionCheckResult struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	APIVersion string `json:"apiVersion"`
}

type ShutdownParams struct{}

// DiagnosticsNotification is the analysis.diagnostics payload, in both
// directions: plugins report per-file lists, plexer forwards merged ones.
type DiagnosticsNotification struct {
	File        string       `json:"file"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// PluginErrorNotification surfaces one plugin failure to the host.
type PluginErrorNotification struct {
	Plugin  string `json:"plugin"`
	Request string `json:"request,omitempty"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// LogNotification is a plugin print/log line. Upstream it is relabeled with
// the plugin display name and forwarded as host.log.
type LogNotification struct {
	Plugin string `json:"plugin,omitempty"`
	Line   string `json:"line"`
}
