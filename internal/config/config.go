package config

import (
	"log"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"
)

var Config = struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Port        int    `env:"PORT" envDefault:"8081"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9103"`
	Bus         string `env:"BUS" envDefault:"memory"` // memory, valkey or postgres

	// PostgreSQL related settings
	PostgresURI               string `env:"POSTGRES_URI"`
	PostgresMaxConns          int32  `env:"POSTGRES_MAX_CONNS" envDefault:"25"`
	PostgresMinConns          int32  `env:"POSTGRES_MIN_CONNS" envDefault:"0"`
	PostgresMaxConnLifetime   string `env:"POSTGRES_MAX_CONN_LIFETIME" envDefault:"1h"`
	PostgresMaxConnIdleTime   string `env:"POSTGRES_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	PostgresHealthCheckPeriod string `env:"POSTGRES_HEALTH_CHECK_PERIOD" envDefault:"1m"`
	PostgresLazyConnect       bool   `env:"POSTGRES_LAZY_CONNECT" envDefault:"false"`
	JournalTTL                int64  `env:"JOURNAL_TTL" envDefault:"3600"`

	// Redis related settings
	ValkeyURI          string `env:"VALKEY_URI"`
	ValkeyDialTimeout  string `env:"VALKEY_DIAL_TIMEOUT" envDefault:"10s"`
	ValkeyReadTimeout  string `env:"VALKEY_READ_TIMEOUT" envDefault:"30s"`
	ValkeyWriteTimeout string `env:"VALKEY_WRITE_TIMEOUT" envDefault:"30s"`
	ValkeyPoolTimeout  string `env:"VALKEY_POOL_TIMEOUT" envDefault:"30s"`

	// Bridge settings
	BridgePrefix            string   `env:"BRIDGE_PREFIX" envDefault:"/eventbus"`
	BridgeRulesFile         string   `env:"BRIDGE_RULES_FILE"`
	BridgeInboundPermitted  []string `env:"BRIDGE_INBOUND_PERMITTED"`
	BridgeOutboundPermitted []string `env:"BRIDGE_OUTBOUND_PERMITTED"`
	BridgeAuthTokenHashes   []string `env:"BRIDGE_AUTH_TOKEN_HASHES"`
	BridgeReplyTimeout      int      `env:"BRIDGE_REPLY_TIMEOUT" envDefault:"30"`

	// Other settings
	AppsFile              string   `env:"APPS_FILE"`
	InstallTestApps       bool     `env:"INSTALL_TEST_APPS" envDefault:"false"`
	WebhookURL            string   `env:"WEBHOOK_URL"`
	CorsEnable            bool     `env:"CORS_ENABLE"`
	AllowedOrigins        []string `env:"ALLOWED_ORIGINS"`
	HeartbeatInterval     int      `env:"HEARTBEAT_INTERVAL" envDefault:"25"`
	WriteQueueMaxSize     int      `env:"WRITE_QUEUE_MAX_SIZE" envDefault:"65536"`
	MaxBufferedMessages   int      `env:"MAX_BUFFERED_MESSAGES" envDefault:"1024"`
	RPSLimit              int      `env:"RPS_LIMIT" envDefault:"10"`
	RateLimitsByPassToken []string `env:"RATE_LIMITS_BY_PASS_TOKEN"`
	ConnectionsLimit      int      `env:"CONNECTIONS_LIMIT" envDefault:"50"`
	SelfSignedTLS         bool     `env:"SELF_SIGNED_TLS" envDefault:"false"`
	TrustedProxyRanges    []string `env:"TRUSTED_PROXY_RANGES" envDefault:"0.0.0.0/0"`
	MaxBodySize           int64    `env:"MAX_BODY_SIZE" envDefault:"1048576"` // 1 MB
	PprofEnabled          bool     `env:"PPROF_ENABLED" envDefault:"true"`
	ShutdownTimeout       int      `env:"SHUTDOWN_TIMEOUT" envDefault:"10"`
}{}

func LoadConfig() {
	if err := env.Parse(&Config); err != nil {
		log.Fatalf("config parsing failed: %v\n", err)
	}

	level, err := logrus.ParseLevel(strings.ToLower(Config.LogLevel))
	if err != nil {
		log.Printf("Invalid LOG_LEVEL '%s', using default 'info'. Valid levels: panic, fatal, error, warn, info, debug, trace", Config.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
