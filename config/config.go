package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreBackendSQLite = "sqlite"
	StoreBackendBadger = "badger"

	TransportRedis    = "redis"
	TransportLoopback = "loopback"
)

type RelayConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // sqlite | badger
	Path    string `yaml:"path"`    // sqlite DSN or badger directory
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Channel  string `yaml:"channel"`
}

type SessionsConfig struct {
	MaxConnections           int           `yaml:"maxConnections"`
	SendBufferSize           int           `yaml:"sendBufferSize"`
	MaxMessageSize           int64         `yaml:"maxMessageSize"`
	EventChannelSize         int           `yaml:"eventChannelSize"`
	WebSocketReadBufferSize  int           `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int           `yaml:"webSocketWriteBufferSize"`
	WriteWait                time.Duration `yaml:"writeWait"`
	PongWait                 time.Duration `yaml:"pongWait"`
	DuplicateWindow          time.Duration `yaml:"duplicateWindow"`
}

type Config struct {
	Listen    string         `yaml:"listen"`
	Relay     RelayConfig    `yaml:"relay"`
	Store     StoreConfig    `yaml:"store"`
	Transport string         `yaml:"transport"` // redis | loopback
	Redis     RedisConfig    `yaml:"redis"`
	Sessions  SessionsConfig `yaml:"sessions"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrListenMissing            = errors.New("listen is missing in config")
	ErrStoreBackendInvalid      = errors.New("store.backend must be one of: sqlite, badger")
	ErrStorePathMissing         = errors.New("store.path is missing in config")
	ErrTransportInvalid         = errors.New("transport must be one of: redis, loopback")
	ErrRedisAddrMissing         = errors.New("redis.addr is required when transport is redis")
	ErrRedisChannelMissing      = errors.New("redis.channel is required when transport is redis")
)

func Load(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.Listen == "" {
		return nil, ErrListenMissing
	}
	switch cfg.Store.Backend {
	case StoreBackendSQLite, StoreBackendBadger:
	default:
		return nil, ErrStoreBackendInvalid
	}
	if cfg.Store.Path == "" {
		return nil, ErrStorePathMissing
	}
	switch cfg.Transport {
	case TransportRedis:
		if cfg.Redis.Addr == "" {
			return nil, ErrRedisAddrMissing
		}
		if cfg.Redis.Channel == "" {
			return nil, ErrRedisChannelMissing
		}
	case TransportLoopback:
	default:
		return nil, ErrTransportInvalid
	}

	cfg.Sessions.applyDefaults()
	return &cfg, nil
}

func (s *SessionsConfig) applyDefaults() {
	if s.MaxConnections <= 0 {
		s.MaxConnections = 1024
	}
	if s.SendBufferSize <= 0 {
		s.SendBufferSize = 256
	}
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = 512 * 1024
	}
	if s.EventChannelSize <= 0 {
		s.EventChannelSize = 4096
	}
	if s.WebSocketReadBufferSize <= 0 {
		s.WebSocketReadBufferSize = 4096
	}
	if s.WebSocketWriteBufferSize <= 0 {
		s.WebSocketWriteBufferSize = 4096
	}
	if s.WriteWait <= 0 {
		s.WriteWait = 10 * time.Second
	}
	if s.PongWait <= 0 {
		s.PongWait = 60 * time.Second
	}
	if s.DuplicateWindow <= 0 {
		s.DuplicateWindow = 5 * time.Minute
	}
}
