// Package config provides the TOML configuration for the kmnet client.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"kmnet/internal/syncutil"
	"kmnet/pkg/kmnet"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	CfgFile = "kmnet.toml"
	// CfgEnv overrides the config file location.
	CfgEnv = "KMNET_CFG"
)

// Values is the on-disk configuration.
type Values struct {
	Device    Device    `toml:"device"`
	Logging   Logging   `toml:"logging"`
	Transport Transport `toml:"transport"`
	Monitor   Monitor   `toml:"monitor"`
}

// Device identifies the appliance to pair with.
type Device struct {
	// Host is the appliance IP address or hostname.
	Host string `toml:"host" validate:"required,hostname_rfc1123|ip"`

	// Port is the appliance command port.
	Port string `toml:"port" validate:"required,udpport"`

	// Token is the 8 hex digit pairing token shown on the appliance display.
	Token string `toml:"token" validate:"required,len=8,hexadecimal"`
}

type Monitor struct {
	// Port is the local port reports are pushed to; 0 picks a free one.
	Port int `toml:"port" validate:"gte=0,lte=65535"`

	// TimeoutMs is the monitor window armed by the command tool.
	TimeoutMs int `toml:"timeout_ms" validate:"gte=0"`
}

type Transport struct {
	AckTimeoutMs         int     `toml:"ack_timeout_ms" validate:"gte=0"`
	HandshakeAttempts    int     `toml:"handshake_attempts" validate:"gte=0,lte=100"`
	MaxCommandsPerSecond float64 `toml:"max_commands_per_second" validate:"gte=0"`
	ReadBuffer           int     `toml:"read_buffer" validate:"gte=0"`
	WriteBuffer          int     `toml:"write_buffer" validate:"gte=0"`
}

type Logging struct {
	// File enables a rotating log file next to console output.
	File  string `toml:"file,omitempty"`
	Debug bool   `toml:"debug"`
}

// Defaults returns the configuration used for keys missing from the file.
func Defaults() Values {
	return Values{
		Device: Device{
			Host: "192.168.2.188",
			Port: "8320",
		},
		Monitor: Monitor{
			TimeoutMs: 10000,
		},
		Transport: Transport{
			AckTimeoutMs:      200,
			HandshakeAttempts: 3,
			ReadBuffer:        1 << 20,
			WriteBuffer:       1 << 20,
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("udpport", validateUDPPort)
	return v
}

func validateUDPPort(fl validator.FieldLevel) bool {
	n, err := strconv.ParseUint(fl.Field().String(), 10, 16)
	return err == nil && n > 0
}

// Validate checks every field against its constraints.
func (v *Values) Validate() error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q check", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ClientOptions maps the transport and monitor settings onto client options.
func (v *Values) ClientOptions() kmnet.Options {
	return kmnet.Options{
		AckTimeout:        time.Duration(v.Transport.AckTimeoutMs) * time.Millisecond,
		HandshakeAttempts: v.Transport.HandshakeAttempts,
		MonitorPort:       v.Monitor.Port,
		ReadBuffer:        v.Transport.ReadBuffer,
		WriteBuffer:       v.Transport.WriteBuffer,
		MaxCommandRate:    v.Transport.MaxCommandsPerSecond,
	}
}

// Manager loads and saves the configuration file.
type Manager struct {
	fs   afero.Fs
	path string
	vals Values
	mu   syncutil.RWMutex
}

// NewManager returns a manager for the file at path, holding the defaults.
func NewManager(fs afero.Fs, path string) *Manager {
	return &Manager{
		fs:   fs,
		path: path,
		vals: Defaults(),
	}
}

// DefaultPath returns the platform config location, or $KMNET_CFG when set.
func DefaultPath() (string, error) {
	if p := os.Getenv(CfgEnv); p != "" {
		return p, nil
	}

	var configDir string
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "kmnet")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		configDir = filepath.Join(appData, "kmnet")
	default:
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(dir, "kmnet")
	}

	return filepath.Join(configDir, CfgFile), nil
}

// Path returns the managed file path.
func (m *Manager) Path() string {
	return m.path
}

// Load reads the file over the defaults. A missing file keeps the defaults.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := afero.ReadFile(m.fs, m.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", m.path).Msg("no config file, using defaults")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	vals := Defaults()
	if err := toml.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	m.vals = vals
	return nil
}

// Save writes the current values, creating the directory if needed.
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := toml.Marshal(m.vals)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := m.fs.MkdirAll(filepath.Dir(m.path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	log.Debug().Str("path", m.path).Int("bytes", len(data)).Msg("saving config")
	// The file holds the pairing token.
	if err := afero.WriteFile(m.fs, m.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Get returns a copy of the current values.
func (m *Manager) Get() Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vals
}

// Set replaces the current values.
func (m *Manager) Set(vals Values) {
	m.mu.Lock()
	m.vals = vals
	m.mu.Unlock()
}
