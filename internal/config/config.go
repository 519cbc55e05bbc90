package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port             string
	Environment      string
	AllowedOrigins   []string
	AllowCredentials bool

	BackendWSURL    string
	BackendAPIURL   string
	BackendAPIToken string
	TenantID        string
	AgentID         string

	PageSize            int
	TypingTTL           time.Duration
	TypingSweepInterval time.Duration
	AckTimeout          time.Duration
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration
}

func LoadConfig() *Config {
	allowedOrigins := []string{"*"}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = strings.Split(origins, ",")
		for i, origin := range allowedOrigins {
			allowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	return &Config{
		Port:             getEnv("PORT", "8083"),
		Environment:      getEnv("ENVIRONMENT", "development"),
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: getEnv("ALLOW_CREDENTIALS", "false") == "true",

		BackendWSURL:    getEnv("BACKEND_WS_URL", "ws://localhost:8082/ws/agent"),
		BackendAPIURL:   getEnv("BACKEND_API_URL", "http://localhost:8082/api"),
		BackendAPIToken: getEnv("BACKEND_API_TOKEN", ""),
		TenantID:        getEnv("TENANT_ID", ""),
		AgentID:         getEnv("AGENT_ID", ""),

		PageSize:            getEnvInt("PAGE_SIZE", 50),
		TypingTTL:           getEnvSeconds("TYPING_TTL_SEC", 10),
		TypingSweepInterval: getEnvSeconds("TYPING_SWEEP_SEC", 5),
		AckTimeout:          getEnvSeconds("SEND_ACK_TIMEOUT_SEC", 10),
		ReconnectBase:       getEnvMillis("RECONNECT_BASE_MS", 500),
		ReconnectMax:        getEnvMillis("RECONNECT_MAX_MS", 30000),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}

// GetCORSOrigins returns CORS origins as a comma-separated string.
func (c *Config) GetCORSOrigins() string {
	if c.IsProduction() && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
