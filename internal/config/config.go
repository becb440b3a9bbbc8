// Package config loads the plexer settings file (TOML). A missing file
// yields the defaults; a present file overrides them field by field.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"plexer/internal/logging"
)

const DefaultListen = "127.0.0.1:8320"

type Settings struct {
	Server  ServerSettings  `toml:"server"`
	Host    HostSettings    `toml:"host"`
	Plugins PluginSettings  `toml:"plugins"`
	Log     LoggingSettings `toml:"log"`
}

type ServerSettings struct {
	Listen         string   `toml:"listen"`
	AuthToken      string   `toml:"auth-token"`
	AllowedOrigins []string `toml:"allowed-origins"`
}

type HostSettings struct {
	Version string `toml:"version"`
}

type PluginSettings struct {
	APIVersionMin      string `toml:"api-version-min"`
	APIVersionMax      string `toml:"api-version-max"`
	HandshakeTimeoutMS int64  `toml:"handshake-timeout-ms"`
	Watch              bool   `toml:"watch"`
}

type LoggingSettings struct {
	Level  string `toml:"level"`
	Buffer int    `toml:"buffer"`
}

func Defaults() Settings {
	return Settings{
		Server: ServerSettings{
			Listen: DefaultListen,
		},
		Host: HostSettings{
			Version: "1.0.0",
		},
		Plugins: PluginSettings{
			HandshakeTimeoutMS: 30_000,
			Watch:              true,
		},
		Log: LoggingSettings{
			Level:  string(logging.LevelInfo),
			Buffer: logging.DefaultBufferSize,
		},
	}
}

// Load reads the settings file at path. An empty path or a missing file
// returns the defaults.
func Load(path string) (Settings, error) {
	settings := Defaults()
	if strings.TrimSpace(path) == "" {
		return settings, nil
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return Settings{}, err
	}
	if _, err := toml.Decode(string(payload), &settings); err != nil {
		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			return Settings{}, fmt.Errorf("parse %s: %s", path, parseErr.ErrorWithPosition())
		}
		return Settings{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Server.Listen) == "" {
		return errors.New("server.listen must not be empty")
	}
	if _, ok := logging.ParseLevel(s.Log.Level); !ok {
		return fmt.Errorf("unknown log.level %q", s.Log.Level)
	}
	if s.Log.Buffer <= 0 {
		return errors.New("log.buffer must be positive")
	}
	if s.Plugins.HandshakeTimeoutMS <= 0 {
		return errors.New("plugins.handshake-timeout-ms must be positive")
	}
	return nil
}

func (s Settings) HandshakeTimeout() time.Duration {
	return time.Duration(s.Plugins.HandshakeTimeoutMS) * time.Millisecond
}

func (s Settings) LogLevel() logging.Level {
	level, ok := logging.ParseLevel(s.Log.Level)
	if !ok {
		return logging.LevelInfo
	}
	return level
}
