package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Browser policy for the REST surface. Empty CORSAllowedOrigins disables
	// the CORS middleware entirely; the websocket endpoint applies its own
	// origin checks during the upgrade handshake.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("RELAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("RELAY_LOG_LEVEL", "info"),
		LogFormat: EnvString("RELAY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RELAY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("RELAY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RELAY_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("RELAY_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("RELAY_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("RELAY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("RELAY_CORS_MAX_AGE_SECONDS", 600),
	}
}
