package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store drivers understood by the server
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	ServerHost string
	ServerPort string

	// Persistence collaborator
	StoreDriver string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	SQLitePath  string

	// Liveness
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	SweepInterval     time.Duration

	// Transport
	SendBufferSize    int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int

	// Write-behind worker pool
	PersistWorkers   int
	PersistQueueSize int

	// Collaborator lookups
	CollaboratorCacheSize int
	CollaboratorCacheTTL  time.Duration
	EnforceMembership     bool

	// Observability
	JaegerEndpoint string
}

var defaults = map[string]any{
	"SERVER_HOST":             "localhost",
	"SERVER_PORT":             "8080",
	"STORE_DRIVER":            DriverPostgres,
	"DB_HOST":                 "localhost",
	"DB_PORT":                 "5432",
	"DB_USER":                 "postgres",
	"DB_PASSWORD":             "postgres",
	"DB_NAME":                 "codecollab",
	"DB_SSLMODE":              "disable",
	"SQLITE_PATH":             "./data/codecollab.db",
	"HEARTBEAT_INTERVAL":      15 * time.Second,
	"INACTIVITY_TIMEOUT":      5 * time.Minute,
	"SWEEP_INTERVAL":          5 * time.Minute,
	"SEND_BUFFER_SIZE":        256,
	"MAX_MESSAGE_BYTES":       1 << 20,
	"MESSAGES_PER_SECOND":     50.0,
	"MESSAGE_BURST":           100,
	"PERSIST_WORKERS":         4,
	"PERSIST_QUEUE_SIZE":      128,
	"COLLABORATOR_CACHE_SIZE": 1024,
	"COLLABORATOR_CACHE_TTL":  30 * time.Second,
	"ENFORCE_MEMBERSHIP":      false,
	"JAEGER_ENDPOINT":         "",
}

// Load reads configuration from .env, the environment and (optionally) command line flags.
// Flags are matched by name after replacing "-" with "_" and upper-casing, so --server-port
// overrides SERVER_PORT.
func Load(flags *pflag.FlagSet) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if _, known := defaults[key]; !known {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	cfg := &Config{
		ServerHost: v.GetString("SERVER_HOST"),
		ServerPort: v.GetString("SERVER_PORT"),

		StoreDriver: strings.ToLower(v.GetString("STORE_DRIVER")),
		DBHost:      v.GetString("DB_HOST"),
		DBPort:      v.GetString("DB_PORT"),
		DBUser:      v.GetString("DB_USER"),
		DBPassword:  v.GetString("DB_PASSWORD"),
		DBName:      v.GetString("DB_NAME"),
		DBSSLMode:   v.GetString("DB_SSLMODE"),
		SQLitePath:  v.GetString("SQLITE_PATH"),

		HeartbeatInterval: v.GetDuration("HEARTBEAT_INTERVAL"),
		InactivityTimeout: v.GetDuration("INACTIVITY_TIMEOUT"),
		SweepInterval:     v.GetDuration("SWEEP_INTERVAL"),

		SendBufferSize:    v.GetInt("SEND_BUFFER_SIZE"),
		MaxMessageBytes:   v.GetInt64("MAX_MESSAGE_BYTES"),
		MessagesPerSecond: v.GetFloat64("MESSAGES_PER_SECOND"),
		MessageBurst:      v.GetInt("MESSAGE_BURST"),

		PersistWorkers:   v.GetInt("PERSIST_WORKERS"),
		PersistQueueSize: v.GetInt("PERSIST_QUEUE_SIZE"),

		CollaboratorCacheSize: v.GetInt("COLLABORATOR_CACHE_SIZE"),
		CollaboratorCacheTTL:  v.GetDuration("COLLABORATOR_CACHE_TTL"),
		EnforceMembership:     v.GetBool("ENFORCE_MEMBERSHIP"),

		JaegerEndpoint: v.GetString("JAEGER_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q (want postgres, sqlite or memory)", c.StoreDriver)
	}

	durations := map[string]time.Duration{
		"HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"INACTIVITY_TIMEOUT": c.InactivityTimeout,
		"SWEEP_INTERVAL":     c.SweepInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.SendBufferSize <= 0 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be positive, got %d", c.SendBufferSize)
	}
	if c.PersistWorkers <= 0 || c.PersistQueueSize <= 0 {
		return fmt.Errorf("PERSIST_WORKERS and PERSIST_QUEUE_SIZE must be positive")
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("MESSAGES_PER_SECOND and MESSAGE_BURST must be positive")
	}

	// Independent knobs; a timeout shorter than two heartbeats evicts healthy clients.
	if c.InactivityTimeout < 2*c.HeartbeatInterval {
		log.Printf("⚠️  INACTIVITY_TIMEOUT (%s) is shorter than two heartbeats (%s); live clients may be evicted",
			c.InactivityTimeout, 2*c.HeartbeatInterval)
	}

	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}
