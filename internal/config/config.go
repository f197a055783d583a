package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const EnvPrefix = "LIGHTNING"

const (
	KeyAddr           = "addr"
	KeyStore          = "store"
	KeyDSN            = "dsn"
	KeySigningKey     = "signing-key"
	KeyAllowedOrigins = "allowed-origins"
	KeyRedisAddr      = "redis-addr"
	KeyRedisPassword  = "redis-password"
	KeyRedisDB        = "redis-db"
	KeyRedisTimeout   = "redis-timeout"
	KeyNodeID         = "node-id"
	KeyLockTimeout    = "lock-timeout"
	KeyBrokerChannel  = "broker-channel"
	KeyKeyPrefix      = "key-prefix"
	KeyMigrate        = "migrate"
	KeyLogLevel       = "log-level"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// RandomNodeID asks the id generator to pick its own node id.
const RandomNodeID = -1

type Config struct {
	ServerAddr     string
	Store          string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	NodeID        int64
	LockTimeout   time.Duration
	BrokerChannel string
	KeyPrefix     string

	Migrate  bool
	LogLevel zapcore.Level
}

// SetDefaults installs the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, "localhost:8000")
	v.SetDefault(KeyStore, StorePostgres)
	v.SetDefault(KeyRedisAddr, "localhost:6379")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyRedisTimeout, 3*time.Second)
	v.SetDefault(KeyNodeID, RandomNodeID)
	v.SetDefault(KeyLockTimeout, 2*time.Second)
	v.SetDefault(KeyBrokerChannel, "chat:fanout")
	v.SetDefault(KeyKeyPrefix, "chat:")
	v.SetDefault(KeyMigrate, false)
	v.SetDefault(KeyLogLevel, "info")
}

// BindEnv makes every key settable as LIGHTNING_<KEY>, dashes replaced
// with underscores.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}
	return key, nil
}

// LoadSigningKey decodes the base64 token signing key held by v.
func LoadSigningKey(v *viper.Viper) ([]byte, error) {
	secret := v.GetString(KeySigningKey)
	if secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	signingKey, err := decodeSigningSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	return signingKey, nil
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ServerAddr:     v.GetString(KeyAddr),
		Store:          strings.ToLower(v.GetString(KeyStore)),
		DatabaseDSN:    v.GetString(KeyDSN),
		AllowedOrigins: splitList(v.GetStringSlice(KeyAllowedOrigins)),
		RedisAddr:      v.GetString(KeyRedisAddr),
		RedisPassword:  v.GetString(KeyRedisPassword),
		RedisDB:        v.GetInt(KeyRedisDB),
		RedisTimeout:   v.GetDuration(KeyRedisTimeout),
		NodeID:         v.GetInt64(KeyNodeID),
		LockTimeout:    v.GetDuration(KeyLockTimeout),
		BrokerChannel:  v.GetString(KeyBrokerChannel),
		KeyPrefix:      v.GetString(KeyKeyPrefix),
		Migrate:        v.GetBool(KeyMigrate),
	}

	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty")
		}
	case StoreMemory:
		if cfg.Migrate {
			return nil, fmt.Errorf("migrations require the %s store", StorePostgres)
		}
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	signingKey, err := LoadSigningKey(v)
	if err != nil {
		return nil, err
	}
	cfg.SigningKey = signingKey

	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if cfg.RedisTimeout <= 0 {
		return nil, fmt.Errorf("redis timeout must be positive")
	}
	if cfg.LockTimeout <= 0 {
		return nil, fmt.Errorf("lock timeout must be positive")
	}
	if cfg.NodeID != RandomNodeID && (cfg.NodeID < 0 || cfg.NodeID > 1023) {
		return nil, fmt.Errorf("node id %d out of range [0,1023]", cfg.NodeID)
	}

	level, err := zapcore.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg.LogLevel = level

	return cfg, nil
}

// splitList accepts both repeated values and comma separated ones, which is
// how list values arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
