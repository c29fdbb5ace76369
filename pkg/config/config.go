package config

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global GlobalConfig `yaml:"global" mapstructure:"global"`
	Input  InputConfig  `yaml:"input"  mapstructure:"input"`
	Rules  []string     `yaml:"rules"  mapstructure:"rules"`
	Export ExportConfig `yaml:"export" mapstructure:"export"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// InputConfig names the line-oriented files of a translation pass.
type InputConfig struct {
	RulesFile  string `yaml:"rules_file"  mapstructure:"rules_file"`
	FlowsFile  string `yaml:"flows_file"  mapstructure:"flows_file"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// ExportConfig controls programming concrete rules into IPVS.
type ExportConfig struct {
	Enabled   bool        `yaml:"enabled"   mapstructure:"enabled"`
	Protocol  string      `yaml:"protocol"  mapstructure:"protocol"`
	Scheduler string      `yaml:"scheduler" mapstructure:"scheduler"`
	SNAT      SNATConfig  `yaml:"snat"      mapstructure:"snat"`
	Probe     ProbeConfig `yaml:"probe"     mapstructure:"probe"`
}

// SNATConfig controls source NAT for exported destinations.
type SNATConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	SnatIP  string `yaml:"snat_ip" mapstructure:"snat_ip"`
}

// ProbeConfig controls the reachability probe run before a destination is exported.
type ProbeConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Timeout string `yaml:"timeout" mapstructure:"timeout"`
}

// GetTimeout parses and returns the probe timeout.
// Defaults to 3s if not set or invalid.
func (p ProbeConfig) GetTimeout() time.Duration {
	if p.Timeout == "" {
		return 3 * time.Second
	}
	duration, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 3 * time.Second
	}
	return duration
}

// validSchedulers is the set of supported IPVS scheduling algorithms.
var validSchedulers = map[string]bool{
	"rr":  true,
	"wrr": true,
	"lc":  true,
	"wlc": true,
	"dh":  true,
	"sh":  true,
}

// validProtocols is the set of supported protocols.
var validProtocols = map[string]bool{
	"tcp": true,
	"udp": true,
}

// flagKeys maps command-line flag names to the config keys they override.
var flagKeys = map[string]string{
	"rules":     "input.rules_file",
	"flows":     "input.flows_file",
	"output":    "input.output_file",
	"log-level": "global.log_level",
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
// An empty configPath runs on defaults, environment and flags alone.
// Flags present in flags and listed in flagKeys take precedence over the file.
func NewManager(configPath string, flags *pflag.FlagSet, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	if configPath != "" {
		viperInstance.SetConfigFile(configPath)
	}

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("input.rules_file", "NAT")
	viperInstance.SetDefault("input.flows_file", "FLOW")
	viperInstance.SetDefault("input.output_file", "OUTPUT")
	viperInstance.SetDefault("export.enabled", false)
	viperInstance.SetDefault("export.protocol", "tcp")
	viperInstance.SetDefault("export.scheduler", "rr")

	viperInstance.SetEnvPrefix("EZNAT")
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperInstance.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := viperInstance.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %q: %w", name, err)
			}
		}
	}

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file (when one is set), unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if m.configPath != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
// Inline rules are not checked here; invalid rules are reported when the table is built.
func Validate(cfg *Config) error {
	if _, err := zapcore.ParseLevel(cfg.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
	}

	if cfg.Input.FlowsFile == "" {
		return fmt.Errorf("input.flows_file is required")
	}
	if cfg.Input.OutputFile == "" {
		return fmt.Errorf("input.output_file is required")
	}
	if cfg.Input.OutputFile == cfg.Input.FlowsFile || cfg.Input.OutputFile == cfg.Input.RulesFile {
		return fmt.Errorf("input.output_file %q must differ from the input files", cfg.Input.OutputFile)
	}

	export := &cfg.Export
	if export.Protocol == "" {
		export.Protocol = "tcp"
	}
	if !validProtocols[export.Protocol] {
		return fmt.Errorf("export: unsupported protocol %q (supported: tcp, udp)", export.Protocol)
	}
	if export.Scheduler == "" {
		export.Scheduler = "rr"
	}
	if !validSchedulers[export.Scheduler] {
		return fmt.Errorf("export: unsupported scheduler %q (supported: rr, wrr, lc, wlc, dh, sh)", export.Scheduler)
	}

	if export.SNAT.SnatIP != "" {
		ip := net.ParseIP(export.SNAT.SnatIP)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("export.snat.snat_ip %q is not a valid IPv4 address", export.SNAT.SnatIP)
		}
	}

	if export.Probe.Timeout != "" {
		timeout, err := time.ParseDuration(export.Probe.Timeout)
		if err != nil {
			return fmt.Errorf("invalid export.probe.timeout %q: %w", export.Probe.Timeout, err)
		}
		if timeout <= 0 {
			return fmt.Errorf("export.probe.timeout must be positive")
		}
	}

	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
// Without a config file there is nothing to watch.
func (m *Manager) WatchConfig() {
	if m.configPath == "" {
		return
	}

	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")
		m.Notify()
	})

	m.viper.WatchConfig()
}

// Notify signals listeners of OnChange without blocking.
func (m *Manager) Notify() {
	select {
	case m.onChange <- struct{}{}:
	default:
	}
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ConfigPath returns the config file path, or "" when running without one.
func (m *Manager) ConfigPath() string {
	return m.configPath
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
