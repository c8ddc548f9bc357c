package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration for the gateway.
type Config struct {
	General     GeneralConfig     `json:"general"`
	Connection  ConnectionConfig  `json:"connection"`
	Credentials CredentialsConfig `json:"credentials"`
	Store       StoreConfig       `json:"store"`
	Correlation CorrelationConfig `json:"correlation"`
	Storage     StorageConfig     `json:"storage"`
	Admission   AdmissionConfig   `json:"admission"`
	Commands    CommandsConfig    `json:"commands"`
	Health      HealthConfig      `json:"health"`
}

type GeneralConfig struct {
	DataDir             string         `json:"dataDir"`
	LogLevel            string         `json:"logLevel"`
	LogFile             string         `json:"logFile,omitempty"`       // optional, rotated by size
	LogMaxSizeMB        int            `json:"logMaxSizeMB,omitempty"`  // default 20
	LogMaxBackups       int            `json:"logMaxBackups,omitempty"` // default 3
	BotName             string         `json:"botName"`
	Prefix              string         `json:"prefix"`
	Admins              FlexStringList `json:"admins"`
	MaxConcurrentEvents int            `json:"maxConcurrentEvents"`
	SelfListen          bool           `json:"selfListen,omitempty"`      // route the bot's own messages
	RestartSchedule     string         `json:"restartSchedule,omitempty"` // cron spec; exit code 2 on fire
}

type ConnectionConfig struct {
	SidecarURL            string `json:"sidecarUrl"`
	SidecarToken          string `json:"sidecarToken,omitempty"`
	ConnectTimeoutSeconds int    `json:"connectTimeoutSeconds"`
	MaxAttempts           int    `json:"maxAttempts"`
	BackoffUnitSeconds    int    `json:"backoffUnitSeconds"`
	RestartDelaySeconds   int    `json:"restartDelaySeconds"`
	SendRatePerMinute     int    `json:"sendRatePerMinute"`
	SendBurst             int    `json:"sendBurst"`
}

func (c ConnectionConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c ConnectionConfig) BackoffUnit() time.Duration {
	return time.Duration(c.BackoffUnitSeconds) * time.Second
}

func (c ConnectionConfig) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelaySeconds) * time.Second
}

type CredentialsConfig struct {
	Path      string          `json:"path"`
	Bootstrap BootstrapConfig `json:"bootstrap"`
}

// BootstrapConfig selects where fresh credentials come from when none are
// stored or the stored ones are corrupted.
type BootstrapConfig struct {
	Source        string `json:"source"` // "none" | "http" | "ssm"
	URL           string `json:"url,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	SessionPrefix string `json:"sessionPrefix,omitempty"`
	SSMParameter  string `json:"ssmParameter,omitempty"`
	Region        string `json:"region,omitempty"`
}

type StoreConfig struct {
	SnapshotPath         string `json:"snapshotPath"`
	CacheTTLSeconds      int    `json:"cacheTTLSeconds"`
	CacheCapacity        uint64 `json:"cacheCapacity,omitempty"` // 0 = unbounded
	FlushIntervalSeconds int    `json:"flushIntervalSeconds"`
}

func (s StoreConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

type CorrelationConfig struct {
	EntryTTLMinutes      int `json:"entryTTLMinutes"` // 0 disables expiry
	SweepIntervalSeconds int `json:"sweepIntervalSeconds"`
}

func (c CorrelationConfig) EntryTTL() time.Duration {
	return time.Duration(c.EntryTTLMinutes) * time.Minute
}

type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" | "dynamodb"
	DBPath      string `json:"dbPath"`
	DynamoTable string `json:"dynamoTable,omitempty"`
	Region      string `json:"region,omitempty"`
}

type AdmissionConfig struct {
	Private           bool            `json:"private"` // only bot admins may use commands
	Whitelist         WhitelistConfig `json:"whitelist"`
	NotifyBannedUsers bool            `json:"notifyBannedUsers,omitempty"`
}

type WhitelistConfig struct {
	Enabled bool           `json:"enabled"`
	IDs     FlexStringList `json:"ids"`
}

type CommandsConfig struct {
	ManifestPath string `json:"manifestPath,omitempty"` // YAML overrides
}

type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
// Phone numbers are often written unquoted.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err == nil {
			if i, err := n.Int64(); err == nil {
				result = append(result, strconv.FormatInt(i, 10))
				continue
			}
			if f, err := n.Float64(); err == nil {
				result = append(result, strconv.FormatInt(int64(f), 10))
				continue
			}
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// Contains reports whether v is in the list.
func (f FlexStringList) Contains(v string) bool {
	for _, s := range f {
		if s == v {
			return true
		}
	}
	return false
}

// DefaultConfigDir returns the default config directory (~/.laughingfox).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".laughingfox"
	}
	return filepath.Join(home, ".laughingfox")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.ResolvePaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ResolvePaths expands ~/ and fills unset file locations under the data dir.
func (c *Config) ResolvePaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)

	under := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.General.DataDir, name)
			return
		}
		*p = ExpandPath(*p)
	}
	under(&c.Credentials.Path, filepath.Join("session", "creds.json"))
	under(&c.Store.SnapshotPath, "store.json")
	under(&c.Storage.DBPath, "laughingfox.db")
	if c.Commands.ManifestPath != "" {
		c.Commands.ManifestPath = ExpandPath(c.Commands.ManifestPath)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. All problems are
// reported together.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(cfg.General.Prefix) == "" {
		errs = append(errs, "general.prefix must not be empty")
	}
	if cfg.General.MaxConcurrentEvents < 1 || cfg.General.MaxConcurrentEvents > 1000 {
		errs = append(errs, "general.maxConcurrentEvents must be between 1 and 1000")
	}
	if cfg.General.RestartSchedule != "" {
		if _, err := cron.ParseStandard(cfg.General.RestartSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("general.restartSchedule: %v", err))
		}
	}

	if cfg.Connection.SidecarURL == "" {
		errs = append(errs, "connection.sidecarUrl is required")
	}
	if cfg.Connection.ConnectTimeoutSeconds < 1 {
		errs = append(errs, "connection.connectTimeoutSeconds must be >= 1")
	}
	if cfg.Connection.MaxAttempts < 1 {
		errs = append(errs, "connection.maxAttempts must be >= 1")
	}
	if cfg.Connection.BackoffUnitSeconds < 0 || cfg.Connection.RestartDelaySeconds < 0 {
		errs = append(errs, "connection delays must not be negative")
	}

	switch cfg.Credentials.Bootstrap.Source {
	case "", "none":
	case "http":
		if cfg.Credentials.Bootstrap.URL == "" || cfg.Credentials.Bootstrap.SessionID == "" {
			errs = append(errs, "credentials.bootstrap: url and sessionId are required for source http")
		}
	case "ssm":
		if cfg.Credentials.Bootstrap.SSMParameter == "" {
			errs = append(errs, "credentials.bootstrap.ssmParameter is required for source ssm")
		}
	default:
		errs = append(errs, "credentials.bootstrap.source must be one of: none, http, ssm")
	}

	if cfg.Store.CacheTTLSeconds < 1 {
		errs = append(errs, "store.cacheTTLSeconds must be >= 1")
	}
	if cfg.Store.FlushIntervalSeconds < 1 {
		errs = append(errs, "store.flushIntervalSeconds must be >= 1")
	}
	if cfg.Correlation.EntryTTLMinutes < 0 {
		errs = append(errs, "correlation.entryTTLMinutes must be >= 0")
	}
	if cfg.Correlation.SweepIntervalSeconds < 1 {
		errs = append(errs, "correlation.sweepIntervalSeconds must be >= 1")
	}

	switch cfg.Storage.Driver {
	case "sqlite":
	case "dynamodb":
		if cfg.Storage.DynamoTable == "" {
			errs = append(errs, "storage.dynamoTable is required for driver dynamodb")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, dynamodb")
	}

	if cfg.Health.Port < 0 || cfg.Health.Port > 65535 {
		errs = append(errs, "health.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
