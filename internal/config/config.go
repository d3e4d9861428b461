package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"sitesync/internal/channel"
	"sitesync/internal/queue"
	"sitesync/pkg/exception"
	"sitesync/pkg/websocket"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// FileConfig mirrors the YAML config layout. JSON files load too.
type FileConfig struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Channels  ChannelsConfig  `yaml:"channels" json:"channels"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Processor ProcessorConfig `yaml:"processor" json:"processor"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// ServerConfig locates the socket server.
type ServerConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	Token   string `yaml:"token" json:"token"`
}

// ChannelsConfig selects which sockets a session opens.
type ChannelsConfig struct {
	Chat          []string `yaml:"chat" json:"chat"`
	Tasks         []string `yaml:"tasks" json:"tasks"`
	Notifications *bool    `yaml:"notifications" json:"notifications"`
	Status        *bool    `yaml:"status" json:"status"`
	TypingTTLMs   int      `yaml:"typing_ttl_ms" json:"typing_ttl_ms"`
	HeartbeatMs   int      `yaml:"heartbeat_ms" json:"heartbeat_ms"`
}

// TransportConfig tunes reconnects.
type TransportConfig struct {
	BackoffMinMs         int     `yaml:"backoff_min_ms" json:"backoff_min_ms"`
	BackoffMaxMs         int     `yaml:"backoff_max_ms" json:"backoff_max_ms"`
	BackoffJitter        float64 `yaml:"backoff_jitter" json:"backoff_jitter"`
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	HandshakeTimeoutMs   int     `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`
}

// QueueConfig tunes the offline queue.
type QueueConfig struct {
	MaxSize        int    `yaml:"max_size" json:"max_size"`
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
	RetentionHours int    `yaml:"retention_hours" json:"retention_hours"`
	TruncateTo     int    `yaml:"truncate_to" json:"truncate_to"`
	Key            string `yaml:"key" json:"key"`
}

// ProcessorConfig tunes replays.
type ProcessorConfig struct {
	SendDelayMs      int `yaml:"send_delay_ms" json:"send_delay_ms"`
	StabilizeDelayMs int `yaml:"stabilize_delay_ms" json:"stabilize_delay_ms"`
}

// StorageConfig selects where the queue is persisted.
type StorageConfig struct {
	Driver   string `yaml:"driver" json:"driver"`
	Path     string `yaml:"path" json:"path"`
	DSN      string `yaml:"dsn" json:"dsn"`
	Table    string `yaml:"table" json:"table"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	MaxBytes int    `yaml:"max_bytes" json:"max_bytes"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	BaseURL       string
	Token         string
	Chat          []string
	Tasks         []string
	Notifications bool
	Status        bool
	TypingTTL     time.Duration
	Heartbeat     time.Duration

	Backoff              websocket.Backoff
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration

	Queue          queue.Options
	SendDelay      time.Duration
	StabilizeDelay time.Duration

	Storage     StorageConfig
	MetricsAddr string
}

// Default returns the configuration used when a file sets nothing.
func Default() Loaded {
	loaded, _ := Resolve(FileConfig{Server: ServerConfig{BaseURL: "ws://localhost:8000"}})
	return loaded
}

// Load reads a YAML or JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config").With("path", path)
	}
	return Parse(data)
}

// Parse decodes YAML or JSON config bytes and resolves them.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "decode config")
	}
	return Resolve(cfg)
}

// Resolve validates cfg and fills defaults.
func Resolve(cfg FileConfig) (Loaded, error) {
	baseURL := strings.TrimRight(cfg.Server.BaseURL, "/")
	if baseURL == "" {
		return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "server.base_url is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "parse server.base_url").With("base_url", baseURL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, fmt.Sprintf("server.base_url scheme %q, want ws or wss", u.Scheme))
	}

	for _, id := range append(append([]string(nil), cfg.Channels.Chat...), cfg.Channels.Tasks...) {
		if id == "" || strings.Contains(id, "/") {
			return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, fmt.Sprintf("channel id %q", id))
		}
	}

	backoff := websocket.DefaultBackoff()
	if cfg.Transport.BackoffMinMs > 0 {
		backoff.Min = ms(cfg.Transport.BackoffMinMs)
	}
	if cfg.Transport.BackoffMaxMs > 0 {
		backoff.Max = ms(cfg.Transport.BackoffMaxMs)
	}
	if backoff.Min > backoff.Max {
		return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "transport.backoff_min_ms exceeds backoff_max_ms")
	}
	if cfg.Transport.BackoffJitter < 0 || cfg.Transport.BackoffJitter > 1 {
		return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "transport.backoff_jitter must be within [0, 1]")
	}
	backoff.Jitter = cfg.Transport.BackoffJitter

	storageCfg := cfg.Storage
	if storageCfg.Driver == "" {
		storageCfg.Driver = DriverMemory
	}
	switch storageCfg.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if storageCfg.Path == "" {
			return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "storage.path is required for "+storageCfg.Driver)
		}
	case DriverPostgres:
		if storageCfg.DSN == "" {
			return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "storage.dsn is required for postgres")
		}
	case DriverRedis:
		if storageCfg.Addr == "" {
			return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "storage.addr is required for redis")
		}
	default:
		return Loaded{}, errors.Wrap(exception.ErrArgumentUnsupported, "storage.driver "+storageCfg.Driver)
	}

	return Loaded{
		BaseURL:       baseURL,
		Token:         cfg.Server.Token,
		Chat:          cfg.Channels.Chat,
		Tasks:         cfg.Channels.Tasks,
		Notifications: boolOr(cfg.Channels.Notifications, true),
		Status:        boolOr(cfg.Channels.Status, true),
		TypingTTL:     msOr(cfg.Channels.TypingTTLMs, 3*time.Second),
		Heartbeat:     msOr(cfg.Channels.HeartbeatMs, 30*time.Second),

		Backoff:              backoff,
		MaxReconnectAttempts: intOr(cfg.Transport.MaxReconnectAttempts, websocket.DefaultMaxReconnectAttempts),
		HandshakeTimeout:     msOr(cfg.Transport.HandshakeTimeoutMs, websocket.DefaultDialerTimeout),

		Queue: queue.Options{
			MaxSize:    intOr(cfg.Queue.MaxSize, queue.DefaultMaxSize),
			MaxRetries: intOr(cfg.Queue.MaxRetries, queue.DefaultMaxRetries),
			Retention:  hoursOr(cfg.Queue.RetentionHours, queue.DefaultRetention),
			TruncateTo: intOr(cfg.Queue.TruncateTo, queue.DefaultTruncateTo),
			Key:        stringOr(cfg.Queue.Key, queue.DefaultKey),
		},
		SendDelay:      msOr(cfg.Processor.SendDelayMs, 100*time.Millisecond),
		StabilizeDelay: msOr(cfg.Processor.StabilizeDelayMs, time.Second),

		Storage:     storageCfg,
		MetricsAddr: cfg.Metrics.Addr,
	}, nil
}

// ChatURL returns the socket URL of a chat channel.
func (l Loaded) ChatURL(channelID string) string {
	return l.BaseURL + fmt.Sprintf(channel.ChatPath, channelID)
}

// TasksURL returns the socket URL of a project's task feed.
func (l Loaded) TasksURL(projectID string) string {
	return l.BaseURL + fmt.Sprintf(channel.TasksPath, projectID)
}

// NotificationsURL returns the notifications socket URL.
func (l Loaded) NotificationsURL() string {
	return l.BaseURL + channel.NotificationsPath
}

// StatusURL returns the presence socket URL.
func (l Loaded) StatusURL() string {
	return l.BaseURL + channel.StatusPath
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func msOr(v int, def time.Duration) time.Duration {
	if v > 0 {
		return ms(v)
	}
	return def
}

func hoursOr(v int, def time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Hour
	}
	return def
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func stringOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}
