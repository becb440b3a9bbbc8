package schema

import (
	"github.com/invopop/jsonschema"

	"plexer/internal/manifest"
	"plexer/internal/proto"
)

// reflectFor derives a self-contained schema from the wire type itself, so
// the served document never drifts from what the codec accepts.
func reflectFor[T any]() Builder {
	return func() *jsonschema.Schema {
		reflector := jsonschema.Reflector{DoNotReference: true}
		var zero T
		return reflector.Reflect(&zero)
	}
}

func init() {
	must(Register("manifest", reflectFor[manifest.Manifest]()))
	must(Register("request", reflectFor[proto.Request]()))
	must(Register("response", reflectFor[proto.Response]()))
	must(Register("notification", reflectFor[proto.Notification]()))
	must(Register("diagnostic", reflectFor[proto.Diagnostic]()))
	must(Register("plugin-error", reflectFor[proto.PluginErrorNotification]()))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
