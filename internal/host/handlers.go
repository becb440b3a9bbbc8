package host

import (
	"context"
	"path/filepath"
	"strings"

	"plexer/internal/broadcast"
	"plexer/internal/link"
	"plexer/internal/proto"
)

const (
	errCodeInvalidParams = "invalidParams"
	errCodeUnknownMethod = "unknownMethod"
)

type ack struct{}

// dispatch resolves one host request to its typed handler. The method set is
// closed; anything else gets an unknownMethod error scoped to this request.
func (s *Session) dispatch(ctx context.Context, req proto.Request) (any, *proto.RequestError) {
	switch req.Method {
	case proto.MethodSetRoots:
		return s.handleSetRoots(req.Params)
	case proto.MethodSetPriorityFiles:
		return s.handleSetPriorityFiles(ctx, req.Params)
	case proto.MethodSetSubscriptions:
		return s.handleSetSubscriptions(ctx, req.Params)
	case proto.MethodUpdateContent:
		return s.handleUpdateContent(ctx, req.Params)
	case proto.MethodGetDiagnostics:
		return s.handleGetDiagnostics(ctx, req.Params)
	case proto.MethodGetFixes:
		return s.handleArtifacts(ctx, req.Method, req.Params, &proto.GetFixesParams{})
	case proto.MethodGetAssists:
		return s.handleArtifacts(ctx, req.Method, req.Params, &proto.GetAssistsParams{})
	case proto.MethodGetAvailableRefactorings:
		return s.handleArtifacts(ctx, req.Method, req.Params, &proto.GetAvailableRefactoringsParams{})
	case proto.MethodGetRefactoring:
		return s.handleArtifacts(ctx, req.Method, req.Params, &proto.GetRefactoringParams{})
	case proto.MethodGetNavigation:
		return s.handleArtifacts(ctx, req.Method, req.Params, &proto.GetNavigationParams{})
	case proto.MethodVersionCheck:
		return s.handleVersionCheck(req.Params)
	case proto.MethodShutdown:
		return s.handleShutdown(ctx)
	default:
		return nil, &proto.RequestError{Code: errCodeUnknownMethod, Message: "unknown method " + req.Method}
	}
}

func (s *Session) handleSetRoots(raw []byte) (any, *proto.RequestError) {
	var params proto.SetRootsParams
	if err := proto.UnmarshalParams(raw, &params); err != nil {
		return nil, invalidParams(err)
	}

	options := s.handler.options
	options.Store.SetRoots(params.Roots)
	if options.Watcher != nil {
		options.Watcher.SetRoots(params.Roots)
	}
	return ack{}, nil
}

// handleSetPriorityFiles records the priority list and forwards it trimmed
// per plugin to the files under that plugin's roots. An empty host list
// clears every plugin; otherwise plugins with no matching file are skipped.
func (s *Session) handleSetPriorityFiles(ctx context.Context, raw []byte) (any, *proto.RequestError) {
	var params proto.SetPriorityFilesParams
	if err := proto.UnmarshalParams(raw, &params); err != nil {
		return nil, invalidParams(err)
	}

	options := s.handler.options
	options.Store.SetPriorityFiles(params.Files)
	options.Broadcaster.BroadcastFunc(ctx, proto.MethodSetPriorityFiles, func(l *link.Link) (any, bool) {
		if len(params.Files) == 0 {
			return proto.SetPriorityFilesParams{Files: []string{}}, true
		}
		files := filterPaths(params.Files, l.Plugin().Roots)
		if len(files) == 0 {
			return nil, false
		}
		return proto.SetPriorityFilesParams{Files: files}, true
	})
	return ack{}, nil
}

// handleSetSubscriptions forwards subscriptions with each kind's file list
// trimmed per plugin roots, dropping kinds left empty. An empty host map
// clears every plugin.
func (s *Session) handleSetSubscriptions(ctx context.Context, raw []byte) (any, *proto.RequestError) {
	var params proto.SetSubscriptionsParams
	if err := proto.UnmarshalParams(raw, &params); err != nil {
		return nil, invalidParams(err)
	}

	options := s.handler.options
	options.Store.SetSubscriptions(params.Subscriptions)
	options.Broadcaster.BroadcastFunc(ctx, proto.MethodSetSubscriptions, func(l *link.Link) (any, bool) {
		if len(params.Subscriptions) == 0 {
			return proto.SetSubscriptionsParams{Subscriptions: map[string][]string{}}, true
		}
		kept := make(map[string][]string)
		for kind, files := range params.Subscriptions {
			if scoped := filterPaths(files, l.Plugin().Roots); len(scoped) > 0 {
				kept[kind] = scoped
			}
		}
		if len(kept) == 0 {
			return nil, false
		}
		return proto.SetSubscriptionsParams{Subscriptions: kept}, true
	})
	return ack{}, nil
}

// handleUpdateContent forwards content overlays, trimmed per plugin to the
// files under that plugin's roots. A plugin with no matching file is skipped
// entirely.
func (s *Session) handleUpdateContent(ctx context.Context, raw []byte) (any, *proto.RequestError) {
	var params proto.UpdateContentParams
	if err := proto.UnmarshalParams(raw, &params); err != nil {
		return nil, invalidParams(err)
	}

	s.handler.options.Broadcaster.BroadcastFunc(ctx, proto.MethodUpdateContent, func(l *link.Link) (any, bool) {
		files := filterFiles(params.Files, l.Plugin().Roots)
		if len(files) == 0 {
			return nil, false
		}
		return proto.UpdateContentParams{Files: files}, true
	})
	return ack{}, nil
}

func (s *Session) handleGetDiagnostics(ctx context.Context, raw []byte) (any, *proto.RequestError) {
	var params proto.GetDiagnosticsParams
	if err := proto.UnmarshalParams(raw, &params); err != nil {
		return nil, invalidParams(err)
	}

	outcomes := s.handler.options.Broadcaster.Broadcast(ctx, proto.MethodGetDiagnostics, params)
	return broadcast.MergeDiagnostics(outcomes), nil
}

func (s *Session) handleArtifacts(ctx context.Context, method string, raw []byte, params any) (any, *proto.RequestError) {
	if err := proto.UnmarshalParams(raw, params); err != nil {
		return nil, invalidParams(err)
	}

	outcomes := s.handler.options.Broadcaster.Broadcast(ctx, method, params)
	return broadcast.MergeArtifacts(outcomes), nil
}

// handleVersionCheck records the host's version payload for future
// handshakes and answers with this server's identity.
func (s *Session) handleVersionCheck(raw []byte) (any, *proto.RequestError) {
	var params proto.VersionCheckParams
	if err := proto.UnmarshalParams(raw, &params); err != nil {
		return nil, invalidParams(err)
	}

	options := s.handler.options
	options.Store.SetVersionPayload(params)
	return proto.VersionCheckResult{
		Name:       "plexer",
		Version:    options.HostVersion,
		APIVersion: options.APIVersion,
	}, nil
}

// handleShutdown tells every plugin to stop, best effort, then disposes all
// links. Per-plugin failures are already logged and reported by the
// broadcaster; none of them fail the shutdown.
func (s *Session) handleShutdown(ctx context.Context) (any, *proto.RequestError) {
	options := s.handler.options
	options.Broadcaster.Broadcast(ctx, proto.MethodShutdown, proto.ShutdownParams{})
	options.Manager.DisposeAll()
	if options.OnShutdown != nil {
		go options.OnShutdown()
	}
	return ack{}, nil
}

func invalidParams(err error) *proto.RequestError {
	return &proto.RequestError{Code: errCodeInvalidParams, Message: err.Error()}
}

// filterPaths keeps the paths that fall under one of the plugin's roots,
// preserving order.
func filterPaths(paths []string, roots []string) []string {
	var kept []string
	for _, path := range paths {
		for _, root := range roots {
			if underRoot(path, root) {
				kept = append(kept, path)
				break
			}
		}
	}
	return kept
}

// filterFiles keeps the overlay entries whose path falls under one of the
// plugin's roots.
func filterFiles(files map[string]string, roots []string) map[string]string {
	kept := make(map[string]string)
	for path, content := range files {
		for _, root := range roots {
			if underRoot(path, root) {
				kept[path] = content
				break
			}
		}
	}
	return kept
}

func underRoot(path, root string) bool {
	if root == "" {
		return false
	}
	if path == root {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}
