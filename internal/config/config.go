package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ttm/internal/domain"
	"ttm/internal/rbac"
)

// FileName is the config file looked up in a workspace.
const FileName = "ttm.yml"

// Config models ttm.yml.
type Config struct {
	Server struct {
		Addr           string        `yaml:"addr"`
		BasePath       string        `yaml:"base_path"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"server"`
	Auth struct {
		JWTSecretEnv string `yaml:"jwt_secret_env"`
		DevLogin     bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	RBAC struct {
		Roles   map[string]RBACRole `yaml:"roles"`
		Aliases struct {
			Version int               `yaml:"version"`
			Entries map[string]string `yaml:"entries"`
		} `yaml:"aliases"`
	} `yaml:"rbac"`
	Dispatch  Dispatch  `yaml:"dispatch"`
	Realtime  Realtime  `yaml:"realtime"`
	Positions Positions `yaml:"positions"`
	Relay     Relay     `yaml:"relay"`
	Log       struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Dispatch holds mission policy knobs.
type Dispatch struct {
	TowingMarker      string  `yaml:"towing_marker"`
	TowingMaxDistance float64 `yaml:"towing_max_distance"`
}

// IsTowing reports whether serviceKind names a towing service.
func (d Dispatch) IsTowing(serviceKind string) bool {
	marker := strings.ToLower(strings.TrimSpace(d.TowingMarker))
	if marker == "" {
		return false
	}
	return strings.Contains(strings.ToLower(serviceKind), marker)
}

type Realtime struct {
	SendBuffer       int           `yaml:"send_buffer"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

type Positions struct {
	Backend  string        `yaml:"backend"`
	RedisURL string        `yaml:"redis_url"`
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

type Relay struct {
	Interval time.Duration `yaml:"interval"`
	Webhooks []Webhook     `yaml:"webhooks"`
	Kafka    struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	AMQP struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"amqp"`
}

type Webhook struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with ttm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("config.server.request_timeout must not be negative")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	if _, err := c.AliasTable(); err != nil {
		return fmt.Errorf("config.rbac.aliases: %w", err)
	}
	if c.Dispatch.TowingMaxDistance < 0 {
		return fmt.Errorf("config.dispatch.towing_max_distance must not be negative")
	}
	if c.Realtime.SendBuffer < 0 {
		return fmt.Errorf("config.realtime.send_buffer must not be negative")
	}
	switch c.Positions.Backend {
	case "", "memory":
	case "redis":
		if c.Positions.RedisURL == "" {
			return fmt.Errorf("config.positions.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.positions.backend must be memory or redis")
	}
	for i, hook := range c.Relay.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.relay.webhooks[%d].url is required", i)
		}
	}
	if len(c.Relay.Kafka.Brokers) > 0 && c.Relay.Kafka.Topic == "" {
		return fmt.Errorf("config.relay.kafka.topic is required when brokers are set")
	}
	if c.Relay.AMQP.URL != "" && c.Relay.AMQP.Exchange == "" {
		return fmt.Errorf("config.relay.amqp.exchange is required when url is set")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// AliasTable builds the validated permission alias table.
func (c *Config) AliasTable() (rbac.AliasTable, error) {
	return rbac.NewAliasTable(c.RBAC.Aliases.Version, c.RBAC.Aliases.Entries)
}

// ApplyDefaults fills zero values with built-in defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 15 * time.Second
	}
	if c.Auth.JWTSecretEnv == "" {
		c.Auth.JWTSecretEnv = "TTM_JWT_SECRET"
	}
	if c.Dispatch.TowingMarker == "" {
		c.Dispatch.TowingMarker = "remorqu"
	}
	if c.Dispatch.TowingMaxDistance == 0 {
		c.Dispatch.TowingMaxDistance = 100
	}
	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = 64
	}
	if c.Realtime.HandshakeTimeout == 0 {
		c.Realtime.HandshakeTimeout = 10 * time.Second
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = 25 * time.Second
	}
	if c.Positions.Backend == "" {
		c.Positions.Backend = "memory"
	}
	if c.Positions.Capacity == 0 {
		c.Positions.Capacity = 4096
	}
	if c.Positions.TTL == 0 {
		c.Positions.TTL = 15 * time.Minute
	}
	if c.Relay.Interval == 0 {
		c.Relay.Interval = 2 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.ApplyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// RolePermissions flattens the role table for seeding.
func (c *Config) RolePermissions() map[string][]string {
	out := make(map[string][]string, len(c.RBAC.Roles))
	for id, role := range c.RBAC.Roles {
		out[id] = append([]string(nil), role.Permissions...)
	}
	return out
}

// KnownPermissions lists the permission keys the server checks.
func KnownPermissions() []string {
	return []string{
		domain.PermRequestsView,
		domain.PermRequestsCreate,
		domain.PermRequestsPublish,
		domain.PermRequestsAssign,
		domain.PermRequestsCancel,
		domain.PermRequestsComplete,
		domain.PermRequestsDelete,
		domain.PermTransactionsView,
		domain.PermTransactionsManage,
		domain.PermWithdrawalsView,
		domain.PermWithdrawalsManage,
		domain.PermEventsView,
		domain.PermDashboardView,
	}
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api
  request_timeout: 15s

auth:
  jwt_secret_env: TTM_JWT_SECRET
  dev_login: false

rbac:
  roles:
    admin:
      description: "Dispatch desk"
      permissions:
        - requests_view
        - requests_create
        - requests_publish
        - requests_assign
        - requests_cancel
        - requests_complete
        - requests_delete
        - transactions_view
        - transactions_manage
        - withdrawals_view
        - withdrawals_manage
        - events_view
        - can_view_dashboard
    dispatcher:
      description: "Publishes and assigns missions"
      permissions: [requests_view, requests_publish, requests_assign, requests_cancel]
    operator:
      description: "Tow truck operator"
      permissions: []
    client:
      description: "Customer"
      permissions: []
  aliases:
    version: 1
    entries:
      missions_view: requests_view
      missions_publish: requests_publish
      missions_assign: requests_assign
      missions_cancel: requests_cancel
      missions_complete: requests_complete
      missions_delete: requests_delete
      dashboard: can_view_dashboard

dispatch:
  towing_marker: remorqu
  towing_max_distance: 100

realtime:
  send_buffer: 64
  handshake_timeout: 10s
  ping_interval: 25s

positions:
  backend: memory
  capacity: 4096
  ttl: 15m

relay:
  interval: 2s
  webhooks: []

log:
  level: info
  format: text
`
