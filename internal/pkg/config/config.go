package config

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	micro "github.com/micro/go-config"
	"github.com/micro/go-config/source/env"
	"github.com/micro/go-config/source/file"
)

// Validation modes. Under ModeWarn configuration problems are logged and
// startup continues; under ModeStrict they abort startup.
const (
	ModeWarn   = "warn"
	ModeStrict = "strict"
)

// placeholderIP ships in the sample configuration and must be replaced with
// the real terminal address before the proxy is useful.
const placeholderIP = "192.168.1.100"

// WebserverConfig configuration for the webserver
type WebserverConfig struct {
	Port    string `json:"port"`
	Address string `json:"address"`
}

// DbConnection stores connection information for the transaction history database
type DbConnection struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Name     string `json:"name"`
	Timeout  string `json:"timeout"`
}

// TerminalConfig describes how to reach the physical terminal
type TerminalConfig struct {
	IP             string `json:"ip"`
	Port           int    `json:"port"`
	Timeout        int    `json:"timeout"` // seconds
	ConnectionType string `json:"connectiontype"`
}

// AuthConfig holds the merchant credentials for the payment host
type AuthConfig struct {
	URL         string `json:"url"`
	MerchantID  string `json:"merchantid"`
	TerminalID  string `json:"terminalid"`
	APIKey      string `json:"apikey"`
	Environment string `json:"environment"` // sandbox, production
}

// TransactionConfig holds the transaction processing defaults
type TransactionConfig struct {
	DefaultTenderType     string `json:"defaulttendertype"`
	EnableStatusReporting bool   `json:"enablestatusreporting"`
	MaxRetries            int    `json:"maxretries"`
	RetryDelay            int    `json:"retrydelay"` // milliseconds
}

// SecurityConfig holds the transport security settings
type SecurityConfig struct {
	EnableEncryption bool   `json:"enableencryption"`
	CertificatePath  string `json:"certificatepath"`
	KeyPath          string `json:"keypath"`
}

// HostConfig data structure that represents a valid configuration file
type HostConfig struct {
	Webserver      WebserverConfig   `json:"webserver"`
	Database       DbConnection      `json:"database"`
	Terminal       TerminalConfig    `json:"terminal"`
	Auth           AuthConfig        `json:"auth"`
	Transaction    TransactionConfig `json:"transaction"`
	Security       SecurityConfig    `json:"security"`
	LogLevel       string            `json:"loglevel"`
	ValidationMode string            `json:"validationmode"`
}

// RetryDelayDuration returns the configured fixed delay between gateway
// retry attempts.
func (t TransactionConfig) RetryDelayDuration() time.Duration {
	return time.Duration(t.RetryDelay) * time.Millisecond
}

// TimeoutDuration returns the base terminal timeout.
func (t TerminalConfig) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// ReadApplicationConfig will load the application configuration from known places on the disk or environment
func ReadApplicationConfig(configFile string) (HostConfig, error) {

	conf := micro.NewConfig()
	// Load json file with encoder
	err := conf.Load(
		file.NewSource(file.WithPath(configFile)),
		// allow env overrides,
		// keys can't have _ as this is how it deals with nesting
		env.NewSource(),
	)
	var hostConfiguration HostConfig

	if err != nil {
		return hostConfiguration, err
	}

	err = conf.Scan(&hostConfiguration)
	if err != nil {
		return hostConfiguration, err
	}

	applyDefaults(&hostConfiguration)

	return hostConfiguration, nil
}

func applyDefaults(cfg *HostConfig) {
	if cfg.Terminal.Port == 0 {
		cfg.Terminal.Port = 10009
	}
	if cfg.Terminal.Timeout == 0 {
		cfg.Terminal.Timeout = 90
	}
	if cfg.Terminal.ConnectionType == "" {
		cfg.Terminal.ConnectionType = "WIFI"
	}
	if cfg.Auth.Environment == "" {
		cfg.Auth.Environment = "sandbox"
	}
	if cfg.Transaction.DefaultTenderType == "" {
		cfg.Transaction.DefaultTenderType = "CREDIT"
	}
	if cfg.Transaction.MaxRetries == 0 {
		cfg.Transaction.MaxRetries = 3
	}
	if cfg.Transaction.RetryDelay == 0 {
		cfg.Transaction.RetryDelay = 5000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ValidationMode == "" {
		cfg.ValidationMode = ModeWarn
	}
	if cfg.Webserver.Port == "" {
		cfg.Webserver.Port = "3000"
	}
}

// Validate checks a configuration and returns every problem found. Whether
// the problems are fatal depends on the validation mode.
func Validate(cfg HostConfig) []string {
	var warnings []string

	if cfg.Terminal.IP == "" || cfg.Terminal.IP == placeholderIP {
		warnings = append(warnings, "terminal ip must be configured with your actual terminal IP address")
	}

	if !isValidIPv4(cfg.Terminal.IP) {
		warnings = append(warnings, "terminal ip must be a valid IPv4 address")
	}

	if cfg.Terminal.Port < 1 || cfg.Terminal.Port > 65535 {
		warnings = append(warnings, "terminal port must be between 1 and 65535")
	}

	if cfg.Auth.Environment == "production" {
		if cfg.Auth.URL == "" {
			warnings = append(warnings, "auth url is required for production environment")
		}
		if cfg.Auth.MerchantID == "" {
			warnings = append(warnings, "merchant id is required for production environment")
		}
		if cfg.Auth.TerminalID == "" {
			warnings = append(warnings, "terminal id is required for production environment")
		}
		if cfg.Auth.APIKey == "" {
			warnings = append(warnings, "api key is required for production environment")
		}
	}

	return warnings
}

func isValidIPv4(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.To4() != nil
}

// Manager owns the process configuration. Readers take an immutable snapshot;
// reconfiguration replaces the whole snapshot atomically so no reader ever
// observes a half-updated config.
type Manager struct {
	current atomic.Value // HostConfig
}

// NewManager validates the initial configuration and wraps it in a Manager.
// Under ModeStrict any validation warning is returned as an error instead.
func NewManager(cfg HostConfig) (*Manager, []string, error) {
	warnings := Validate(cfg)

	if cfg.ValidationMode == ModeStrict && len(warnings) > 0 {
		return nil, warnings, fmt.Errorf("configuration invalid in strict mode: %d problem(s) found", len(warnings))
	}

	m := &Manager{}
	m.current.Store(cfg)
	return m, warnings, nil
}

// Snapshot returns the current configuration value.
func (m *Manager) Snapshot() HostConfig {
	return m.current.Load().(HostConfig)
}

// Terminal returns the current terminal connection settings.
func (m *Manager) Terminal() TerminalConfig {
	return m.Snapshot().Terminal
}

// Auth returns the current merchant credentials.
func (m *Manager) Auth() AuthConfig {
	return m.Snapshot().Auth
}

// Transaction returns the current transaction defaults.
func (m *Manager) Transaction() TransactionConfig {
	return m.Snapshot().Transaction
}

// Replace validates and atomically installs a new configuration. Under
// ModeStrict a configuration with warnings is rejected and the previous
// snapshot stays in effect.
func (m *Manager) Replace(cfg HostConfig) ([]string, error) {
	applyDefaults(&cfg)
	warnings := Validate(cfg)

	if cfg.ValidationMode == ModeStrict && len(warnings) > 0 {
		return warnings, fmt.Errorf("reconfiguration rejected in strict mode: %d problem(s) found", len(warnings))
	}

	m.current.Store(cfg)
	return warnings, nil
}
