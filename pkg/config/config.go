package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration, loaded once at startup.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Log        LogConfig               `yaml:"log"`
	Session    SessionConfig           `yaml:"session_encryption"`
	Bus        BusConfig               `yaml:"message_bus"`
	Scheduler  SchedulerConfig         `yaml:"scheduler"`
	Plugins    map[string]PluginConfig `yaml:"plugins"`
	Transports TransportsConfig        `yaml:"transports"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	Name          string `yaml:"name"`
	DataDir       string `yaml:"data_dir"`
	RuntimeDir    string `yaml:"runtime_dir"`
	MasterKeyFile string `yaml:"master_key_file"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// PluginConfig is the per-plugin configuration subtree.
type PluginConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings"`
}

// TransportsConfig configures the three protocol adapters.
type TransportsConfig struct {
	REST      RESTConfig      `yaml:"rest"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	IPC       IPCConfig       `yaml:"ipc"`
}

// RESTConfig configures the request-reply adapter.
type RESTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// WebSocketConfig configures the bidirectional session adapter.
type WebSocketConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ListenAddr        string        `yaml:"listen_addr"`
	Path              string        `yaml:"path"`
	MaxConnections    int           `yaml:"max_connections"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// IPCConfig configures the local IPC adapter.
type IPCConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SocketPath   string `yaml:"socket_path"`
	FallbackAddr string `yaml:"fallback_addr"`
}

// SessionConfig configures the session-encrypted transport middleware.
type SessionConfig struct {
	Enabled              bool          `yaml:"enabled"`
	RequireEncryption    bool          `yaml:"require_encryption"`
	Timeout              time.Duration `yaml:"timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	MaxSessionsPerClient int           `yaml:"max_sessions_per_client"`
	MaxPayloadSize       int           `yaml:"max_payload_size"`
	CompressionEnabled   bool          `yaml:"compression_enabled"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	HandshakePath        string        `yaml:"handshake_path"`
	PublicPaths          []string      `yaml:"public_paths"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
}

// BusConfig configures the embedded message bus.
type BusConfig struct {
	BindAddr       string        `yaml:"bind_addr"`
	PersistEvents  bool          `yaml:"persist_events"`
	ReplyTimeout   time.Duration `yaml:"reply_timeout"`
	PublishRetries int           `yaml:"publish_retries"`
}

// SchedulerConfig configures the background task scheduler.
type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	TriggerDir    string        `yaml:"trigger_dir"`
	RetentionDays int           `yaml:"retention_days"`
}

// Default returns the built-in configuration. Values mirror what a fresh
// deployment gets before any YAML override.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:          "aico-gateway",
			DataDir:       "data",
			RuntimeDir:    "runtime",
			MasterKeyFile: "master.key",
		},
		Log: LogConfig{Level: "info"},
		Session: SessionConfig{
			Enabled:              true,
			RequireEncryption:    true,
			Timeout:              time.Hour,
			HandshakeTimeout:     30 * time.Second,
			MaxSessionsPerClient: 3,
			MaxPayloadSize:       10 << 20,
			CompressionThreshold: 1024,
			HandshakePath:        "/api/v1/handshake",
			PublicPaths: []string{
				"/api/v1/health",
				"/api/v1/health/detailed",
				"/api/v1/handshake",
				"/metrics",
			},
			SweepInterval: time.Minute,
		},
		Bus: BusConfig{
			BindAddr:       "127.0.0.1:8771",
			PersistEvents:  true,
			ReplyTimeout:   10 * time.Second,
			PublishRetries: 3,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			TickInterval:  10 * time.Second,
			TaskTimeout:   5 * time.Minute,
			LockTTL:       10 * time.Minute,
			TriggerDir:    "scheduler/triggers",
			RetentionDays: 30,
		},
		Plugins: map[string]PluginConfig{
			"message_bus":   {Enabled: true},
			"encryption":    {Enabled: true},
			"security":      {Enabled: true},
			"rate_limiting": {Enabled: true},
			"validation":    {Enabled: true},
			"routing":       {Enabled: true},
			"log_shipper":   {Enabled: true},
		},
		Transports: TransportsConfig{
			REST:      RESTConfig{Enabled: true, ListenAddr: "127.0.0.1:8770"},
			WebSocket: WebSocketConfig{Enabled: true, ListenAddr: "127.0.0.1:8772", Path: "/ws", MaxConnections: 100, HeartbeatInterval: 30 * time.Second},
			IPC:       IPCConfig{Enabled: true, SocketPath: "aico.sock", FallbackAddr: "127.0.0.1:8773"},
		},
	}
}

// Load reads YAML from path on top of the defaults. A missing file is not
// an error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// TriggerPath resolves the scheduler trigger directory under the runtime dir.
func (c *Config) TriggerPath() string {
	if filepath.IsAbs(c.Scheduler.TriggerDir) {
		return c.Scheduler.TriggerDir
	}
	return filepath.Join(c.Server.RuntimeDir, c.Scheduler.TriggerDir)
}

// SocketPath resolves the IPC socket path under the runtime dir.
func (c *Config) SocketPath() string {
	if filepath.IsAbs(c.Transports.IPC.SocketPath) {
		return c.Transports.IPC.SocketPath
	}
	return filepath.Join(c.Server.RuntimeDir, c.Transports.IPC.SocketPath)
}

// MasterKeyPath resolves the master key file under the data dir. The
// AICO_MASTER_KEY_FILE environment variable overrides it.
func (c *Config) MasterKeyPath() string {
	if env := os.Getenv("AICO_MASTER_KEY_FILE"); env != "" {
		return env
	}
	if filepath.IsAbs(c.Server.MasterKeyFile) {
		return c.Server.MasterKeyFile
	}
	return filepath.Join(c.Server.DataDir, c.Server.MasterKeyFile)
}

// PluginEnabled reports whether a plugin is enabled in configuration.
// Unknown plugins default to disabled.
func (c *Config) PluginEnabled(name string) bool {
	pc, ok := c.Plugins[name]
	return ok && pc.Enabled
}
