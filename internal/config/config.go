package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/utils"
)

const (
	DefaultPath = "config.json"
	EnvPrefix   = "LSMQ_"
)

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidJSON   = errors.New("the configuration file does not contain valid JSON")
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

type Database struct {
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
}

type Broker struct {
	Listen            string `json:"listen"`
	WebSocketListen   string `json:"websocket_listen"`
	MaxConnections    int64  `json:"max_connections"`
	MaxQoS            byte   `json:"max_qos"`
	OutboxSize        int    `json:"outbox_size"`
	SessionExpiry     string `json:"session_expiry"`      // 空字符串表示永不过期
	SweepInterval     string `json:"sweep_interval"`
	KeepAliveGrace    string `json:"keepalive_grace"`
	ConnectTimeout    string `json:"connect_timeout"`
	MaxPacketSize     int    `json:"max_packet_size"`
	BusPublishTimeout string `json:"bus_publish_timeout"`
}

type ACL struct {
	DefaultPolicy    string `json:"default_policy"`
	RulesFile        string `json:"rules_file"`
	LoadFromDatabase bool   `json:"load_from_database"`
	CacheSize        int    `json:"cache_size"`
	CacheTTL         string `json:"cache_ttl"`
}

type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

type Auth struct {
	Mode             string `json:"mode"`
	Users            []User `json:"users"`
	JWTSecret        string `json:"jwt_secret"`
	TrustClientCerts bool   `json:"trust_client_certs"`
}

type Persistence struct {
	Backend        string `json:"backend"`
	BadgerDir      string `json:"badger_dir"`
	BadgerInMemory bool   `json:"badger_in_memory"`
}

type Metrics struct {
	Listen string `json:"listen"`
}

type InfluxDB struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	Token         string `json:"token"`
	Org           string `json:"org"`
	Bucket        string `json:"bucket"`
	BatchSize     uint   `json:"batch_size"`
	FlushInterval string `json:"flush_interval"`
}

type EventBus struct {
	Capacity int `json:"capacity"`
}

type Logging struct {
	Level  string `json:"level"`
	Path   string `json:"path"`
	MaxAge string `json:"max_age"`
}

type Config struct {
	Broker      Broker      `json:"broker"`
	ACL         ACL         `json:"acl"`
	Auth        Auth        `json:"auth"`
	Persistence Persistence `json:"persistence"`
	Database    Database    `json:"database"`
	Metrics     Metrics     `json:"metrics"`
	InfluxDB    InfluxDB    `json:"influxdb"`
	EventBus    EventBus    `json:"event_bus"`
	Logging     Logging     `json:"logging"`
	DebugMode   bool        `json:"debug_mode"`
	AppName     string      `json:"app_name"`
}

// Default 返回写入新配置文件时使用的默认值。ACL 默认策略故意留空，必须由运维显式填写
func Default() Config {
	return Config{
		Broker: Broker{
			Listen:            ":1883",
			MaxConnections:    10000,
			MaxQoS:            1,
			OutboxSize:        1000,
			SessionExpiry:     "1d",
			SweepInterval:     "10s",
			KeepAliveGrace:    "10s",
			ConnectTimeout:    "10s",
			MaxPacketSize:     256 * 1024,
			BusPublishTimeout: "5s",
		},
		ACL: ACL{
			CacheSize: 4096,
			CacheTTL:  "5m",
		},
		Auth:        Auth{Mode: "none"},
		Persistence: Persistence{Backend: "none", BadgerDir: "data"},
		Database: Database{
			Host:               "localhost",
			Port:               27017,
			Database:           "iot_broker",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        20,
		},
		Metrics:  Metrics{Listen: ":9100"},
		InfluxDB: InfluxDB{BatchSize: 500, FlushInterval: "1s"},
		EventBus: EventBus{Capacity: 4096},
		Logging:  Logging{Level: "info", Path: "logs", MaxAge: "30d"},
		AppName:  "life-stream-iot-broker",
	}
}

var config Config
var initialized = false

// Load 读取配置文件、.env 文件和环境变量覆盖，并做校验
func Load(path string, envFile string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load env file %s: %w", envFile, err)
		}
	}

	cfg := Default()
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		data, _ := json.MarshalIndent(cfg, "", "\t")
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return cfg, fmt.Errorf("config: create %s: %w", path, writeErr)
		}
		return cfg, ErrConfigCreated
	}

	if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	applyEnv(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	config = cfg
	initialized = true
	return cfg, nil
}

func ReadConfig() (Config, error) {
	return Load(DefaultPath, "")
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}

type lookupFunc func(string) (string, bool)

// applyEnv 用 LSMQ_ 前缀的环境变量覆盖常用字段，方便容器部署
func applyEnv(cfg *Config, lookup lookupFunc) {
	str := func(name string, target *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*target = v
		}
	}
	boolean := func(name string, target *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*target = b
			}
		}
	}

	str("BROKER_LISTEN", &cfg.Broker.Listen)
	str("BROKER_WEBSOCKET_LISTEN", &cfg.Broker.WebSocketListen)
	str("BROKER_SESSION_EXPIRY", &cfg.Broker.SessionExpiry)
	if v, ok := lookup(EnvPrefix + "BROKER_MAX_QOS"); ok {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			cfg.Broker.MaxQoS = byte(n)
		}
	}
	str("ACL_DEFAULT_POLICY", &cfg.ACL.DefaultPolicy)
	str("ACL_RULES_FILE", &cfg.ACL.RulesFile)
	str("AUTH_MODE", &cfg.Auth.Mode)
	str("AUTH_JWT_SECRET", &cfg.Auth.JWTSecret)
	str("PERSISTENCE_BACKEND", &cfg.Persistence.Backend)
	str("PERSISTENCE_BADGER_DIR", &cfg.Persistence.BadgerDir)
	str("DATABASE_HOST", &cfg.Database.Host)
	str("DATABASE_USERNAME", &cfg.Database.Username)
	str("DATABASE_PASSWORD", &cfg.Database.Password)
	str("DATABASE_DATABASE", &cfg.Database.Database)
	str("METRICS_LISTEN", &cfg.Metrics.Listen)
	boolean("INFLUXDB_ENABLED", &cfg.InfluxDB.Enabled)
	str("INFLUXDB_URL", &cfg.InfluxDB.URL)
	str("INFLUXDB_TOKEN", &cfg.InfluxDB.Token)
	str("LOGGING_LEVEL", &cfg.Logging.Level)
	boolean("DEBUG_MODE", &cfg.DebugMode)
}

func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.ACL.DefaultPolicy) {
	case "allow", "deny":
	case "":
		problems = append(problems, "acl.default_policy must be set explicitly to \"allow\" or \"deny\"")
	default:
		problems = append(problems, fmt.Sprintf("acl.default_policy %q is not \"allow\" or \"deny\"", c.ACL.DefaultPolicy))
	}
	if c.Broker.MaxQoS > 2 {
		problems = append(problems, fmt.Sprintf("broker.max_qos %d is above 2", c.Broker.MaxQoS))
	}
	if c.Broker.OutboxSize <= 0 {
		problems = append(problems, "broker.outbox_size must be positive")
	}
	switch c.Auth.Mode {
	case "none", "static", "jwt":
	default:
		problems = append(problems, fmt.Sprintf("auth.mode %q is unknown", c.Auth.Mode))
	}
	if c.Auth.Mode == "jwt" && c.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwt_secret is required in jwt mode")
	}
	switch c.Persistence.Backend {
	case "none", "mongo", "badger":
	default:
		problems = append(problems, fmt.Sprintf("persistence.backend %q is unknown", c.Persistence.Backend))
	}
	if c.ACL.LoadFromDatabase && c.Persistence.Backend == "none" {
		problems = append(problems, "acl.load_from_database requires a persistence backend")
	}

	durations := map[string]string{
		"broker.sweep_interval":      c.Broker.SweepInterval,
		"broker.keepalive_grace":     c.Broker.KeepAliveGrace,
		"broker.connect_timeout":     c.Broker.ConnectTimeout,
		"broker.bus_publish_timeout": c.Broker.BusPublishTimeout,
		"acl.cache_ttl":              c.ACL.CacheTTL,
	}
	if c.Broker.SessionExpiry != "" {
		durations["broker.session_expiry"] = c.Broker.SessionExpiry
	}
	for name, value := range durations {
		if _, err := utils.ParseDuration(value); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// SessionExpiryDuration 返回会话过期时长，nil 表示永不过期
func (b Broker) SessionExpiryDuration() *time.Duration {
	if b.SessionExpiry == "" {
		return nil
	}
	d := utils.ParseStringTime(b.SessionExpiry)
	return &d
}

func (b Broker) SweepIntervalDuration() time.Duration {
	return utils.ParseStringTime(b.SweepInterval)
}

func (b Broker) KeepAliveGraceDuration() time.Duration {
	return utils.ParseStringTime(b.KeepAliveGrace)
}

func (b Broker) ConnectTimeoutDuration() time.Duration {
	return utils.ParseStringTime(b.ConnectTimeout)
}

func (b Broker) BusPublishTimeoutDuration() time.Duration {
	return utils.ParseStringTime(b.BusPublishTimeout)
}

func (a ACL) CacheTTLDuration() time.Duration {
	return utils.ParseStringTime(a.CacheTTL)
}

func (i InfluxDB) FlushIntervalDuration() time.Duration {
	return utils.ParseStringTime(i.FlushInterval)
}

func (l Logging) MaxAgeDuration() time.Duration {
	if l.MaxAge == "" {
		return 0
	}
	return utils.ParseStringTime(l.MaxAge)
}
