package broadcast

import (
	"encoding/json"

	"plexer/internal/proto"
)

// MergeDiagnostics combines per-plugin diagnostics results. The key set is
// the union of all reported files; when two plugins report the same file the
// merged list concatenates both in the outcomes' (stable link) order.
// Undecodable legs are ignored: a plugin replying garbage degrades to an
// empty contribution, not a failed merge.
func MergeDiagnostics(outcomes []Outcome) proto.DiagnosticsResult {
	merged := proto.DiagnosticsResult{Files: make(map[string][]proto.Diagnostic)}
	for _, outcome := range outcomes {
		var result proto.DiagnosticsResult
		if !decode(outcome.Result, &result) {
			continue
		}
		for file, diagnostics := range result.Files {
			merged.Files[file] = append(merged.Files[file], diagnostics...)
		}
	}
	return merged
}

// MergeArtifacts concatenates pass-through artifacts (fixes, assists,
// refactorings, navigation regions) in outcome order.
func MergeArtifacts(outcomes []Outcome) proto.ArtifactsResult {
	merged := proto.ArtifactsResult{Artifacts: []json.RawMessage{}}
	for _, outcome := range outcomes {
		var result proto.ArtifactsResult
		if !decode(outcome.Result, &result) {
			continue
		}
		merged.Artifacts = append(merged.Artifacts, result.Artifacts...)
	}
	return merged
}

func decode(raw json.RawMessage, target any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, target) == nil
}
