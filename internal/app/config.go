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

	// SpaceConfigPath points at the YAML file internal/spaceconfig loads to
	// build the participant authenticator. Required: the gateway refuses
	// every connection without a space roster.
	SpaceConfigPath string

	// Resource limits enforced per connection/participant (spec §5's "SHOULD
	// cap", made concrete). Zero means "use gateway.Limits' own defaults".
	SendQueueSize            int
	MaxStreamsPerParticipant int
	MaxPendingRequests       int
	MaxCapabilities          int

	// Optional durability layer (internal/auditlog). Empty DatabaseURL keeps
	// the gateway's capability/roster bookkeeping purely in-memory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Strict CORS allowlist for browser clients.
	//
	// Rules:
	// - exact origin: "https://app.example.com"
	// - wildcard port: "http://localhost:*"
	// - wildcard all: "*" (not recommended with credentials)
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, MEW_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and bearer-token
	// hashing must be HMAC-based.
	RequireTokenHMAC bool

	// MetricsAddr, when non-empty, serves Prometheus /metrics on its own
	// listener (kept off the main traffic port so a scraper can't starve
	// request handling, and vice versa).
	MetricsAddr string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	corsDefault := "http://localhost:*,http://127.0.0.1:*"
	corsRaw := EnvString("MEW_HTTP_CORS_ALLOWED_ORIGINS", corsDefault)

	return Config{
		HTTPAddr:  EnvString("MEW_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("MEW_LOG_LEVEL", "info"),
		LogFormat: EnvString("MEW_LOG_FORMAT", "auto"),

		ReadHeaderTimeout: EnvDuration("MEW_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("MEW_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("MEW_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("MEW_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("MEW_HTTP_MAX_HEADER_BYTES", 1<<20),

		SpaceConfigPath: EnvString("MEW_SPACE_CONFIG", "spaces.yaml"),

		SendQueueSize:            EnvInt("MEW_SEND_QUEUE_SIZE", 0),
		MaxStreamsPerParticipant: EnvInt("MEW_MAX_STREAMS_PER_PARTICIPANT", 0),
		MaxPendingRequests:       EnvInt("MEW_MAX_PENDING_REQUESTS", 0),
		MaxCapabilities:          EnvInt("MEW_MAX_CAPABILITIES", 0),

		DatabaseURL: EnvString("MEW_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("MEW_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("MEW_DB_MIN_CONNS", 0),

		CORSAllowedOrigins:   parseCSV(corsRaw),
		CORSAllowCredentials: EnvBool("MEW_HTTP_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("MEW_HTTP_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("MEW_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("MEW_REQUIRE_TOKEN_HMAC", false),

		MetricsAddr: EnvString("MEW_METRICS_ADDR", ""),
	}
}
