// Package manifest loads plugin manifests. A plugin announces itself with a
// plexer-plugin.toml file under a workspace root; the manifest carries the
// coordinates plexer needs to dial and identify it.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file plexer discovers under workspace roots.
const FileName = "plexer-plugin.toml"

type Manifest struct {
	Name        string `toml:"name" json:"name"`
	DisplayName string `toml:"display-name" json:"displayName,omitempty"`
	Version     string `toml:"version" json:"version"`
	APIVersion  string `toml:"api-version" json:"apiVersion"`
	Endpoint    string `toml:"endpoint" json:"endpoint"`
}

// Display returns the name shown in logs and relabeled output.
func (m Manifest) Display() string {
	if strings.TrimSpace(m.DisplayName) != "" {
		return m.DisplayName
	}
	return m.Name
}

func Load(path string) (Manifest, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return Parse(path, payload)
}

func Parse(path string, payload []byte) (Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(string(payload), &m); err != nil {
		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			return Manifest{}, fmt.Errorf("parse manifest %s: %s", path, parseErr.ErrorWithPosition())
		}
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return m, nil
}

func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("manifest requires name")
	}
	if strings.TrimSpace(m.Version) == "" {
		return errors.New("manifest requires version")
	}
	if strings.TrimSpace(m.APIVersion) == "" {
		return errors.New("manifest requires api-version")
	}
	if strings.TrimSpace(m.Endpoint) == "" {
		return errors.New("manifest requires endpoint")
	}
	return nil
}
