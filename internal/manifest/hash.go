package manifest

import (
	"fmt"
	"hash/fnv"
)

// Hash returns a stable FNV-1a key for a manifest. Two roots referencing the
// same plugin coordinates hash to the same key, so the plugin is started
// once and shared.
func Hash(m Manifest) string {
	checksum := fnv.New64a()
	for _, field := range []string{m.Name, m.Version, m.APIVersion, m.Endpoint} {
		_, _ = checksum.Write([]byte(field))
		_, _ = checksum.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", checksum.Sum64())
}
