// Package config loads the daemon configuration from flags, environment,
// an optional config file and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/silviot/meshcall/pkg/mesh"
)

// EnvPrefix prefixes every environment variable, e.g. MESHCALL_SIGNALING_URL
const EnvPrefix = "MESHCALL"

// Media sources
const (
	SourceStatic = "static"
	SourceDevice = "device"
)

var wsURL = regexp.MustCompile(`^wss?://[^\s/]+`)

// Config is the daemon configuration
type Config struct {
	// Signaling relay connection
	Signaling struct {
		// URL websocket URL of the relay (required)
		URL string `mapstructure:"url" yaml:"url"`
		// Token bearer token presented when dialing
		Token string `mapstructure:"token" yaml:"token"`
		// ReconnectAttempts attempts before giving up, negative disables (default: 5)
		ReconnectAttempts int `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
		// ReconnectDelay fixed delay between attempts (default: 2s)
		ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	} `mapstructure:"signaling" yaml:"signaling"`

	// ICE server settings
	ICE struct {
		// STUN server URLs (default: stun:stun.l.google.com:19302)
		STUN []string `mapstructure:"stun" yaml:"stun"`
		// TURN servers as url|username|credential
		TURN []string `mapstructure:"turn" yaml:"turn"`
	} `mapstructure:"ice" yaml:"ice"`

	HTTP struct {
		// Port control surface port (default: 8080)
		Port int `mapstructure:"port" yaml:"port"`
	} `mapstructure:"http" yaml:"http"`

	Log struct {
		// Level debug, info, warn or error (default: info)
		Level string `mapstructure:"level" yaml:"level"`
	} `mapstructure:"log" yaml:"log"`

	Media struct {
		// Source static or device (default: static)
		Source string `mapstructure:"source" yaml:"source"`
	} `mapstructure:"media" yaml:"media"`

	Room struct {
		// AutoMesh connect to every room member without a call (default: false)
		AutoMesh bool `mapstructure:"auto_mesh" yaml:"auto_mesh"`
	} `mapstructure:"room" yaml:"room"`

	Telemetry struct {
		// Endpoint OTLP/HTTP collector, tracing is off when empty
		Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	} `mapstructure:"telemetry" yaml:"telemetry"`
}

// SetDefaults registers every key with its default so that environment
// variables are picked up by Unmarshal
func SetDefaults(v *viper.Viper) {
	v.SetDefault("signaling.url", "")
	v.SetDefault("signaling.token", "")
	v.SetDefault("signaling.reconnect_attempts", 5)
	v.SetDefault("signaling.reconnect_delay", 2*time.Second)
	v.SetDefault("ice.stun", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.turn", []string{})
	v.SetDefault("http.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("media.source", SourceStatic)
	v.SetDefault("room.auto_mesh", false)
	v.SetDefault("telemetry.endpoint", "")
}

// BindFlags binds a flag set to config keys. Flag names use dashes in place
// of dots and underscores: --signaling-url sets signaling.url.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("failed to bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

var flagKeys = map[string]string{
	"signaling-url":                "signaling.url",
	"signaling-token":              "signaling.token",
	"signaling-reconnect-attempts": "signaling.reconnect_attempts",
	"signaling-reconnect-delay":    "signaling.reconnect_delay",
	"ice-stun":                     "ice.stun",
	"ice-turn":                     "ice.turn",
	"http-port":                    "http.port",
	"log-level":                    "log.level",
	"media-source":                 "media.source",
	"room-auto-mesh":               "room.auto_mesh",
	"telemetry-endpoint":           "telemetry.endpoint",
}

// Load reads envFile (if it exists), the environment and configFile (if
// set), then validates the result
func Load(v *viper.Viper, configFile, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
			slog.Debug("no env file found, reading from environment variables", "path", envFile)
		}
	}

	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := validation.Errors{
		"signaling.url": validation.Validate(c.Signaling.URL,
			validation.Required, validation.Match(wsURL).Error("must be a ws:// or wss:// URL")),
		"signaling.reconnect_attempts": validation.Validate(c.Signaling.ReconnectAttempts, validation.Min(-1)),
		"signaling.reconnect_delay":    validation.Validate(c.Signaling.ReconnectDelay, validation.Min(time.Duration(0))),
		"http.port":                    validation.Validate(c.HTTP.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		"log.level":                    validation.Validate(c.Log.Level, validation.In("debug", "info", "warn", "error")),
		"media.source":                 validation.Validate(c.Media.Source, validation.Required, validation.In(SourceStatic, SourceDevice)),
	}.Filter(); err != nil {
		return err
	}

	_, err := c.TURNServers()
	return err
}

// TURNServers parses the url|username|credential TURN entries
func (c Config) TURNServers() ([]mesh.TURNServer, error) {
	out := make([]mesh.TURNServer, 0, len(c.ICE.TURN))
	for _, entry := range c.ICE.TURN {
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) != 3 || parts[0] == "" {
			return nil, fmt.Errorf("ice.turn: %q is not url|username|credential", entry)
		}
		out = append(out, mesh.TURNServer{
			URLs:       []string{parts[0]},
			Username:   parts[1],
			Credential: parts[2],
		})
	}
	return out, nil
}

// SlogLevel converts the configured level
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
