package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"trendnet/cmd/internal/realtime"

	"github.com/joho/godotenv"
)

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
	DBSchema    string

	// CORS for the HTTP read API. Patterns may end in ":*" to allow any port.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Identity: a PASETO public key selects token verification; otherwise
	// DevTokens and DevLogin feed an in-memory registry.
	PasetoPublicKeyHex string
	PasetoIssuer       string
	DevTokens          string
	DevLogin           bool

	// TokenHMACKey keys the at-rest hashing of in-memory tokens.
	// RequireTokenHMAC refuses to start without it.
	TokenHMACKey     string
	RequireTokenHMAC bool

	Seed               bool
	RoomGlobalFallback bool

	AMQPURL      string
	AMQPExchange string
	Environment  string

	OTLPEndpoint string
	OTLPInsecure bool

	WS realtime.GatewayConfig
}

// LoadConfig loads .env when present, then reads Config from the environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return configFromEnv(), nil
}

func configFromEnv() Config {
	ws := realtime.DefaultGatewayConfig()
	ws.OriginRequired = EnvBool("TRENDNET_WS_ORIGIN_REQUIRED", ws.OriginRequired)
	ws.AllowedOrigins = EnvCSV("TRENDNET_WS_ALLOWED_ORIGINS", ws.AllowedOrigins)
	ws.InsecureSkipVerify = EnvBool("TRENDNET_WS_INSECURE_SKIP_VERIFY", false)
	ws.SendQueueSize = EnvInt("TRENDNET_WS_SEND_QUEUE", ws.SendQueueSize)
	ws.WriteTimeout = EnvDuration("TRENDNET_WS_WRITE_TIMEOUT", ws.WriteTimeout)
	ws.ReadIdleTimeout = EnvDuration("TRENDNET_WS_READ_IDLE_TIMEOUT", ws.ReadIdleTimeout)
	ws.HeartbeatInterval = EnvDuration("TRENDNET_WS_HEARTBEAT_INTERVAL", ws.HeartbeatInterval)
	ws.HeartbeatTimeout = EnvDuration("TRENDNET_WS_HEARTBEAT_TIMEOUT", ws.HeartbeatTimeout)
	ws.RateEvents = EnvInt("TRENDNET_WS_RATE_EVENTS", ws.RateEvents)
	ws.RateWindow = EnvDuration("TRENDNET_WS_RATE_WINDOW", ws.RateWindow)

	paseto := EnvString("TRENDNET_PASETO_PUBLIC_KEY_HEX", "")

	return Config{
		HTTPAddr:  EnvString("TRENDNET_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TRENDNET_LOG_LEVEL", "info"),
		LogFormat: EnvString("TRENDNET_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("TRENDNET_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TRENDNET_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TRENDNET_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TRENDNET_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("TRENDNET_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("TRENDNET_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("TRENDNET_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("TRENDNET_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("TRENDNET_DB_SCHEMA", "trendnet"),

		CORSAllowedOrigins:   EnvCSV("TRENDNET_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("TRENDNET_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("TRENDNET_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("TRENDNET_READINESS_REQUIRE_DB", false),

		PasetoPublicKeyHex: paseto,
		PasetoIssuer:       EnvString("TRENDNET_PASETO_ISSUER", ""),
		DevTokens:          EnvString("TRENDNET_DEV_TOKENS", ""),
		DevLogin:           EnvBool("TRENDNET_DEV_LOGIN", paseto == ""),

		TokenHMACKey:     EnvString("TRENDNET_TOKEN_HMAC_KEY", ""),
		RequireTokenHMAC: EnvBool("TRENDNET_REQUIRE_TOKEN_HMAC", false),

		Seed:               EnvBool("TRENDNET_SEED", true),
		RoomGlobalFallback: EnvBool("TRENDNET_ROOM_GLOBAL_FALLBACK", false),

		AMQPURL:      EnvString("TRENDNET_AMQP_URL", ""),
		AMQPExchange: EnvString("TRENDNET_AMQP_EXCHANGE", "trendnet.audit"),
		Environment:  EnvString("TRENDNET_ENV", "dev"),

		OTLPEndpoint: EnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure: EnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		WS: ws,
	}
}
