// Package config holds the configuration surface enumerated in spec §6. It
// intentionally stays thin: configuration file parsing and environment
// loading are themselves out of scope for this core (spec §1), so this
// package only defines the resolved, validated Config value and the minimal
// env-var loader cmd/agentrt uses to build one, the way tarsy's cmd/tarsy
// reads flags/env before handing a typed Config to the rest of the program.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Gateway groups the duplex-connection bind and quota options.
type Gateway struct {
	Host            string
	Port            int
	AuthToken       string // empty disables auth in dev
	MaxConnections  int
	MessageRateLimit int // messages per rolling 60s window, per connection
	MaxPayloadSize  int64
}

// Cluster groups cluster-topology options.
type Cluster struct {
	Enabled              bool
	NodeWSURL            string
	DistributedScheduler bool
	RedisAddr            string // cross-node event fan-out; required when Enabled
	RedisPassword        string
	RedisDB              int
}

// Runtime groups agent lifecycle limits.
type Runtime struct {
	MaxAgents         int
	DefaultMemoryLimit int64
	HeartbeatTimeout   time.Duration
}

// Memory groups persistent-memory-store options.
type Memory struct {
	EncryptionEnabled bool
	MasterKey         string
	RetentionEpisodic   time.Duration
	RetentionSemantic   time.Duration
	RetentionProcedural time.Duration
	ArchiveAfter        time.Duration
	ArchiveTextLimit    int
}

// Egress groups outbound-network policy options.
type Egress struct {
	EnforceProxy bool
	ProxyURL     string
}

// Storage groups persistence backend selection. Backend "bolt" is the
// embedded single-node default; "postgres" is required once Cluster.Enabled
// is set, since bbolt's single-writer-per-file model cannot back a
// multi-node leader election (see pkg/store/boltstore's leaderRow doc).
type Storage struct {
	Backend    string // "bolt" or "postgres"
	BoltPath   string
	Postgres   PostgresDSN
}

// PostgresDSN mirrors tarsy's database.Config shape.
type PostgresDSN struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// Config is the resolved, validated configuration surface from spec §6.
type Config struct {
	Gateway           Gateway
	PermissionSecret  string
	Cluster           Cluster
	Runtime           Runtime
	Memory            Memory
	Egress            Egress
	Storage           Storage
	EnforceHardening  bool
}

// getEnv mirrors tarsy's cmd/tarsy/main.go helper: read an env var, fall back
// to a default.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// FromEnv builds a Config from process environment variables, applying the
// same defaults a fresh dev deployment would want. Call Validate afterward.
func FromEnv() *Config {
	return &Config{
		Gateway: Gateway{
			Host:             getEnv("GATEWAY_HOST", "0.0.0.0"),
			Port:             getEnvInt("GATEWAY_PORT", 8080),
			AuthToken:        os.Getenv("GATEWAY_AUTH_TOKEN"),
			MaxConnections:   getEnvInt("GATEWAY_MAX_CONNECTIONS", 1000),
			MessageRateLimit: getEnvInt("GATEWAY_MESSAGE_RATE_LIMIT", 120),
			MaxPayloadSize:   getEnvInt64("GATEWAY_MAX_PAYLOAD_SIZE", 1<<20),
		},
		PermissionSecret: os.Getenv("PERMISSION_SECRET"),
		Cluster: Cluster{
			Enabled:              getEnvBool("CLUSTER_ENABLED", false),
			NodeWSURL:            os.Getenv("CLUSTER_NODE_WS_URL"),
			DistributedScheduler: getEnvBool("CLUSTER_DISTRIBUTED_SCHEDULER", false),
			RedisAddr:            getEnv("CLUSTER_REDIS_ADDR", "localhost:6379"),
			RedisPassword:        os.Getenv("CLUSTER_REDIS_PASSWORD"),
			RedisDB:              getEnvInt("CLUSTER_REDIS_DB", 0),
		},
		Runtime: Runtime{
			MaxAgents:          getEnvInt("RUNTIME_MAX_AGENTS", 500),
			DefaultMemoryLimit: getEnvInt64("RUNTIME_DEFAULT_MEMORY_LIMIT", 512<<20),
			HeartbeatTimeout:   getEnvDuration("RUNTIME_HEARTBEAT_TIMEOUT", 60*time.Second),
		},
		Memory: Memory{
			EncryptionEnabled:   getEnvBool("MEMORY_ENCRYPTION_ENABLED", false),
			MasterKey:           os.Getenv("MEMORY_MASTER_KEY"),
			RetentionEpisodic:   getEnvDuration("MEMORY_RETENTION_EPISODIC", 90*24*time.Hour),
			RetentionSemantic:   getEnvDuration("MEMORY_RETENTION_SEMANTIC", 365*24*time.Hour),
			RetentionProcedural: getEnvDuration("MEMORY_RETENTION_PROCEDURAL", 365*24*time.Hour),
			ArchiveAfter:        getEnvDuration("MEMORY_ARCHIVE_AFTER", 180*24*time.Hour),
			ArchiveTextLimit:    getEnvInt("MEMORY_ARCHIVE_TEXT_LIMIT", 2048),
		},
		Egress: Egress{
			EnforceProxy: getEnvBool("ENFORCE_EGRESS_PROXY", false),
			ProxyURL:     os.Getenv("EGRESS_PROXY_URL"),
		},
		Storage: Storage{
			Backend:  getEnv("STORAGE_BACKEND", "bolt"),
			BoltPath: getEnv("STORAGE_BOLT_PATH", "./agentrt.db"),
			Postgres: PostgresDSN{
				Host:     getEnv("POSTGRES_HOST", "localhost"),
				Port:     getEnvInt("POSTGRES_PORT", 5432),
				User:     getEnv("POSTGRES_USER", "agentrt"),
				Password: os.Getenv("POSTGRES_PASSWORD"),
				Database: getEnv("POSTGRES_DATABASE", "agentrt"),
				SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConns: int32(getEnvInt("POSTGRES_MAX_CONNS", 10)),
			},
		},
		EnforceHardening: getEnvBool("ENFORCE_PRODUCTION_HARDENING", false),
	}
}

// Validate checks invariants required before startup, returning the first
// failure. A failure here should translate to process exit code 2 per §6.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Gateway.MaxConnections <= 0 {
		return fmt.Errorf("gateway.maxConnections must be positive")
	}
	if len(strings.TrimSpace(c.PermissionSecret)) > 0 && len(c.PermissionSecret) < 32 {
		return fmt.Errorf("permissionSecret must be at least 32 bytes when set")
	}
	if c.Runtime.MaxAgents <= 0 {
		return fmt.Errorf("runtime.maxAgents must be positive")
	}
	if c.Memory.EncryptionEnabled && c.Memory.MasterKey == "" {
		return fmt.Errorf("memoryEncryptionEnabled requires masterKey")
	}
	if c.Storage.Backend != "bolt" && c.Storage.Backend != "postgres" {
		return fmt.Errorf("storage.backend must be \"bolt\" or \"postgres\", got %q", c.Storage.Backend)
	}
	if c.Cluster.Enabled && c.Storage.Backend != "postgres" {
		return fmt.Errorf("cluster.enabled requires storage.backend=postgres")
	}
	if c.Cluster.Enabled && c.Cluster.NodeWSURL == "" {
		return fmt.Errorf("cluster.enabled requires cluster.nodeWSURL")
	}
	if c.EnforceHardening {
		if c.Gateway.AuthToken == "" {
			return fmt.Errorf("production hardening requires gateway.authToken")
		}
		if len(c.PermissionSecret) < 32 {
			return fmt.Errorf("production hardening requires a permissionSecret >= 32 bytes")
		}
		if c.Memory.EncryptionEnabled && len(c.Memory.MasterKey) < 32 {
			return fmt.Errorf("production hardening requires masterKey >= 32 bytes")
		}
	}
	return nil
}
