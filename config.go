package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

const (
	DefaultMaxPacketSize   = 256 * 1024 // SFTP request payload size
	DefaultBufferSize      = 256 * 1024
	DefaultTransferWorkers = 4
	MinTransferWorkers     = 1
	MaxTransferWorkers     = 32

	DefaultMaxEditSize         = 2 * 1024 * 1024 // 2 MiB ceiling for in-memory editing
	DefaultJobRetentionSeconds = 300
)

// SFTPConfig tunes the SFTP subsystem.
type SFTPConfig struct {
	MaxPacketSize int `yaml:"max_packet_size"`
}

// TransferConfig tunes the transfer coordinator.
type TransferConfig struct {
	Workers             int   `yaml:"workers"`
	BufferSize          int   `yaml:"buffer_size"`
	MaxEditSize         int64 `yaml:"max_edit_size"`
	JobRetentionSeconds int   `yaml:"job_retention_seconds"`
}

// JobRetention returns how long settled jobs stay queryable.
func (c TransferConfig) JobRetention() time.Duration {
	if c.JobRetentionSeconds <= 0 {
		return DefaultJobRetentionSeconds * time.Second
	}
	return time.Duration(c.JobRetentionSeconds) * time.Second
}

// AppConfig holds the application configuration. Credentials are never part
// of it; only non-secret connection defaults are persisted.
type AppConfig struct {
	HostKeyPolicy         HostKeyPolicy  `yaml:"host_key_policy"`
	KnownHostsPath        string         `yaml:"known_hosts_path,omitempty"` // Empty string means the config-dir default
	ConnectTimeoutSeconds int            `yaml:"connect_timeout_seconds"`
	ProfilesPath          string         `yaml:"profiles_path,omitempty"` // Custom path for profiles directory
	SFTP                  SFTPConfig     `yaml:"sftp"`
	Transfer              TransferConfig `yaml:"transfer"`
}

// DefaultConfig returns a new AppConfig with default values
func DefaultConfig() *AppConfig {
	return &AppConfig{
		HostKeyPolicy:         HostKeyRejectUnknown,
		KnownHostsPath:        "", // Resolved against the config directory when empty
		ConnectTimeoutSeconds: int(DefaultConnectTimeout / time.Second),
		ProfilesPath:          "",
		SFTP: SFTPConfig{
			MaxPacketSize: DefaultMaxPacketSize,
		},
		Transfer: TransferConfig{
			Workers:             DefaultTransferWorkers,
			BufferSize:          DefaultBufferSize,
			MaxEditSize:         DefaultMaxEditSize,
			JobRetentionSeconds: DefaultJobRetentionSeconds,
		},
	}
}

// Validate checks the configuration for basic validity.
func (c *AppConfig) Validate() error {
	if err := c.HostKeyPolicy.Validate(); err != nil {
		return err
	}
	if c.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("connect timeout must be positive, got: %d", c.ConnectTimeoutSeconds)
	}
	if c.SFTP.MaxPacketSize <= 0 {
		return fmt.Errorf("sftp max packet size must be positive, got: %d", c.SFTP.MaxPacketSize)
	}
	if c.Transfer.Workers < MinTransferWorkers || c.Transfer.Workers > MaxTransferWorkers {
		return fmt.Errorf("transfer workers %d is out of range (%d-%d)", c.Transfer.Workers, MinTransferWorkers, MaxTransferWorkers)
	}
	if c.Transfer.BufferSize <= 0 {
		return fmt.Errorf("transfer buffer size must be positive, got: %d", c.Transfer.BufferSize)
	}
	if c.Transfer.MaxEditSize <= 0 {
		return fmt.Errorf("max edit size must be positive, got: %d", c.Transfer.MaxEditSize)
	}
	if len(c.ProfilesPath) > 1024 {
		return fmt.Errorf("profiles path is too long (max 1024 characters)")
	}
	return nil
}

// ConnectTimeout returns the configured connect timeout as a duration.
func (c *AppConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutSeconds <= 0 {
		return DefaultConnectTimeout
	}
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ConfigManager loads and saves the YAML config file under the user config
// directory. Missing or unreadable config falls back to defaults rather
// than refusing to start.
type ConfigManager struct {
	mu         sync.RWMutex
	config     *AppConfig
	configPath string // Override for tests; empty means the platform default
	logger     *zap.Logger
}

// NewConfigManager creates a config manager holding default values until
// Load is called.
func NewConfigManager(logger *zap.Logger) *ConfigManager {
	return &ConfigManager{
		config: DefaultConfig(),
		logger: logger,
	}
}

// getConfigPath returns the full path to the config file
func (cm *ConfigManager) getConfigPath() (string, error) {
	if cm.configPath != "" {
		return cm.configPath, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(configDir, ConfigDirName, ConfigFileName), nil
}

// ConfigDir returns the directory holding the config file.
func (cm *ConfigManager) ConfigDir() (string, error) {
	configPath, err := cm.getConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Dir(configPath), nil
}

// ensureConfigDir creates the config directory if it doesn't exist
func (cm *ConfigManager) ensureConfigDir() error {
	configPath, err := cm.getConfigPath()
	if err != nil {
		return err
	}
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, ConfigDirMode); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// Load loads configuration from file or creates the default one.
func (cm *ConfigManager) Load() error {
	configPath, err := cm.getConfigPath()
	if err != nil {
		cm.logger.Warn("using default config", zap.Error(err))
		return nil
	}

	if err := cm.ensureConfigDir(); err != nil {
		cm.logger.Warn("using default config", zap.Error(err))
		return nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cm.logger.Info("config file not found, creating with default values",
			zap.String("path", configPath))
		return cm.Save()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		cm.logger.Warn("failed to read config file, using defaults",
			zap.String("path", configPath), zap.Error(err))
		return nil
	}

	loaded := DefaultConfig()
	if err := yaml.Unmarshal(data, loaded); err != nil {
		cm.logger.Warn("failed to parse config file, using defaults",
			zap.String("path", configPath), zap.Error(err))
		return nil
	}
	normalizeConfig(loaded)

	if err := loaded.Validate(); err != nil {
		cm.logger.Warn("invalid config file, using defaults",
			zap.String("path", configPath), zap.Error(err))
		return nil
	}

	cm.mu.Lock()
	cm.config = loaded
	cm.mu.Unlock()

	cm.logger.Info("config loaded", zap.String("path", configPath))
	return nil
}

// Save writes the current configuration to the config file.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	cfg := *cm.config
	cm.mu.RUnlock()

	configPath, err := cm.getConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := cm.ensureConfigDir(); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, ConfigFileMode); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() AppConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return *cm.config
}

// KnownHostsPath resolves the known_hosts location: the configured override
// when set, otherwise a file next to the config.
func (cm *ConfigManager) KnownHostsPath() (string, error) {
	cm.mu.RLock()
	override := cm.config.KnownHostsPath
	cm.mu.RUnlock()

	if override != "" {
		return override, nil
	}
	configDir, err := cm.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, KnownHostsName), nil
}

// ProfilesDir resolves the profiles directory: the configured override when
// set, otherwise a subdirectory of the config directory.
func (cm *ConfigManager) ProfilesDir() (string, error) {
	cm.mu.RLock()
	override := cm.config.ProfilesPath
	cm.mu.RUnlock()

	if override != "" {
		return override, nil
	}
	configDir, err := cm.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, ProfilesDirName), nil
}

// normalizeConfig backfills zero values left by hand-edited config files.
func normalizeConfig(cfg *AppConfig) {
	if cfg.HostKeyPolicy == "" {
		cfg.HostKeyPolicy = HostKeyRejectUnknown
	}
	if cfg.ConnectTimeoutSeconds == 0 {
		cfg.ConnectTimeoutSeconds = int(DefaultConnectTimeout / time.Second)
	}
	if cfg.SFTP.MaxPacketSize == 0 {
		cfg.SFTP.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.Transfer.Workers == 0 {
		cfg.Transfer.Workers = DefaultTransferWorkers
	}
	if cfg.Transfer.BufferSize == 0 {
		cfg.Transfer.BufferSize = DefaultBufferSize
	}
	if cfg.Transfer.MaxEditSize == 0 {
		cfg.Transfer.MaxEditSize = DefaultMaxEditSize
	}
	if cfg.Transfer.JobRetentionSeconds == 0 {
		cfg.Transfer.JobRetentionSeconds = DefaultJobRetentionSeconds
	}
}
