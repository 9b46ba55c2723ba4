package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RTC       RTCConfig
	Agent     AgentConfig
	AWS       AWSConfig
	Recording RecordingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/fancall?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings for user auth.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// RTCConfig holds settings for the media path: room token issuing, the
// signaling relay URL handed to clients, and STUN/TURN ICE server URLs.
type RTCConfig struct {
	TokenSecret    string
	TokenTTLMin    int
	RelayURL       string   // ws URL clients connect to for room signaling
	ICEUrls        []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	LegacyFallback bool     // permit the legacy queue-id-addressed signaling channel
}

// Transport selects how the agent carries media. Exactly one is active;
// the SFU path and the manual signaling path are never authoritative together.
const (
	TransportSFU = "sfu" // managed relay via the platform SFU
	TransportP2P = "p2p" // manual negotiation over the signaling channel
)

// AgentConfig holds creator-side call agent settings.
type AgentConfig struct {
	CreatorID string
	Identity  string
	APIBase   string // platform server base URL for token/queue endpoints
	APIToken  string // creator JWT presented to the platform API
	Transport string // TransportSFU or TransportP2P
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// RecordingConfig holds call recording settings.
type RecordingConfig struct {
	OutputDir string // directory for temp recording files; empty = os.TempDir()
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	transport := getEnv("AGENT_TRANSPORT", TransportSFU)
	if transport != TransportSFU && transport != TransportP2P {
		return nil, fmt.Errorf("config: AGENT_TRANSPORT must be %q or %q, got %q", TransportSFU, TransportP2P, transport)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/fancall?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "fancall"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		RTC: RTCConfig{
			TokenSecret:    getEnv("RTC_TOKEN_SECRET", "change-me-in-production"),
			TokenTTLMin:    getEnvInt("RTC_TOKEN_TTL_MIN", 15),
			RelayURL:       getEnv("RTC_RELAY_URL", "ws://localhost:8080/ws"),
			ICEUrls:        splitTrim(getEnv("RTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			LegacyFallback: getEnv("RTC_LEGACY_FALLBACK", "false") == "true",
		},
		Agent: AgentConfig{
			CreatorID: getEnv("AGENT_CREATOR_ID", ""),
			Identity:  getEnv("AGENT_IDENTITY", ""),
			APIBase:   getEnv("AGENT_API_BASE", "http://localhost:8080"),
			APIToken:  getEnv("AGENT_API_TOKEN", ""),
			Transport: transport,
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "fancall-recordings"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Recording: RecordingConfig{
			OutputDir: getEnv("RECORDING_OUTPUT_DIR", ""),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
