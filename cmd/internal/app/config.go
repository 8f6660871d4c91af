package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dmrelay/cmd/internal/accounts"
	"dmrelay/cmd/internal/relay"
)

// Store backends selectable with RELAY_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// Store selects the persistence backend. Empty means: postgres when DatabaseURL is
	// set, mongo when MongoURI is set, memory otherwise.
	Store string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	MongoURI      string
	MongoDatabase string

	StaticDir string

	// If true, /readyz returns 503 unless a persistent backend is configured and reachable.
	ReadinessRequireDB bool

	WSOriginRequired bool
	WSAllowedOrigins []string
	WSSendQueue      int
	WSWriteTimeout   time.Duration
	WSRateEvents     int
	WSRateWindow     time.Duration

	TrustProxy       bool
	LoginMaxFailures int
	LoginWindow      time.Duration

	PasswordMinLen   int
	PasswordMaxLen   int
	Argon2MemoryKiB  int
	Argon2Iterations int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	def := relay.DefaultGatewayConfig()
	pw := accounts.DefaultPasswordConfig()

	return Config{
		HTTPAddr:  EnvString("RELAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("RELAY_LOG_LEVEL", "info"),
		LogFormat: EnvString("RELAY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("RELAY_SHUTDOWN_TIMEOUT", 10*time.Second),

		Store: strings.ToLower(EnvString("RELAY_STORE", "")),

		DatabaseURL: EnvString("RELAY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RELAY_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("RELAY_DB_SCHEMA", "dmrelay"),

		MongoURI:      EnvString("RELAY_MONGO_URI", ""),
		MongoDatabase: EnvString("RELAY_MONGO_DATABASE", "dmrelay"),

		StaticDir: EnvString("RELAY_STATIC_DIR", ""),

		ReadinessRequireDB: EnvBool("RELAY_READINESS_REQUIRE_DB", false),

		WSOriginRequired: EnvBool("RELAY_WS_ORIGIN_REQUIRED", def.OriginRequired),
		WSAllowedOrigins: EnvList("RELAY_WS_ALLOWED_ORIGINS", def.AllowedOrigins),
		WSSendQueue:      EnvInt("RELAY_WS_SEND_QUEUE", def.SendQueueSize),
		WSWriteTimeout:   EnvDuration("RELAY_WS_WRITE_TIMEOUT", def.WriteTimeout),
		WSRateEvents:     EnvInt("RELAY_WS_RATE_EVENTS", def.RateEvents),
		WSRateWindow:     EnvDuration("RELAY_WS_RATE_WINDOW", def.RateWindow),

		TrustProxy:       EnvBool("RELAY_TRUST_PROXY", false),
		LoginMaxFailures: EnvInt("RELAY_LOGIN_MAX_FAILURES", 10),
		LoginWindow:      EnvDuration("RELAY_LOGIN_WINDOW", 5*time.Minute),

		PasswordMinLen:   EnvInt("RELAY_PASSWORD_MIN_LEN", pw.MinLength),
		PasswordMaxLen:   EnvInt("RELAY_PASSWORD_MAX_LEN", pw.MaxLength),
		Argon2MemoryKiB:  EnvInt("RELAY_ARGON2_MEMORY_KIB", int(pw.Params.MemoryKiB)),
		Argon2Iterations: EnvInt("RELAY_ARGON2_ITERATIONS", int(pw.Params.Iterations)),
	}
}

// StoreKind resolves the effective backend.
func (c Config) StoreKind() string {
	if c.Store != "" {
		return c.Store
	}
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.MongoURI != "":
		return StoreMongo
	default:
		return StoreMemory
	}
}

// Validate rejects inconsistent backend settings.
func (c Config) Validate() error {
	switch c.StoreKind() {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: RELAY_STORE=postgres requires RELAY_DATABASE_URL")
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return errors.New("config: RELAY_STORE=mongo requires RELAY_MONGO_URI")
		}
	default:
		return fmt.Errorf("config: unknown RELAY_STORE %q", c.Store)
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: empty RELAY_HTTP_ADDR")
	}
	if c.PasswordMaxLen > 0 && c.PasswordMinLen > c.PasswordMaxLen {
		return errors.New("config: RELAY_PASSWORD_MIN_LEN exceeds RELAY_PASSWORD_MAX_LEN")
	}
	return nil
}

// Gateway maps the WS settings onto the relay gateway config.
func (c Config) Gateway() relay.GatewayConfig {
	return relay.GatewayConfig{
		OriginRequired: c.WSOriginRequired,
		AllowedOrigins: c.WSAllowedOrigins,
		SendQueueSize:  c.WSSendQueue,
		WriteTimeout:   c.WSWriteTimeout,
		RateEvents:     c.WSRateEvents,
		RateWindow:     c.WSRateWindow,
	}
}

// Accounts maps the login settings onto the accounts HTTP config.
func (c Config) Accounts() accounts.HandlerConfig {
	return accounts.HandlerConfig{
		LoginMaxFailures: c.LoginMaxFailures,
		LoginWindow:      c.LoginWindow,
		TrustProxy:       c.TrustProxy,
	}
}

// Password overlays the configured policy and cost on the defaults.
func (c Config) Password() accounts.PasswordConfig {
	pw := accounts.DefaultPasswordConfig()
	if c.PasswordMinLen > 0 {
		pw.MinLength = c.PasswordMinLen
	}
	if c.PasswordMaxLen > 0 {
		pw.MaxLength = c.PasswordMaxLen
	}
	if c.Argon2MemoryKiB > 0 && c.Argon2MemoryKiB <= 1<<22 {
		pw.Params.MemoryKiB = uint32(c.Argon2MemoryKiB) // #nosec G115 -- bounded above.
	}
	if c.Argon2Iterations > 0 && c.Argon2Iterations <= 64 {
		pw.Params.Iterations = uint32(c.Argon2Iterations) // #nosec G115 -- bounded above.
	}
	return pw
}
