package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportStomp    = "stomp"
	TransportAMQP     = "amqp"
	TransportLoopback = "loopback"
)

// Config holds the gateway settings. Values come from an optional YAML file
// and are overridden by environment variables.
type Config struct {
	Port string `yaml:"port"`

	ViewerID   string `yaml:"viewer_id"`
	ViewerRole string `yaml:"viewer_role"`

	APIURL     string        `yaml:"api_url"`
	APIToken   string        `yaml:"api_token"`
	APITimeout time.Duration `yaml:"api_timeout"`

	Transport       string `yaml:"transport"`
	BrokerURL       string `yaml:"broker_url"`
	SubscribePrefix string `yaml:"subscribe_prefix"`
	SendPrefix      string `yaml:"send_prefix"`
	AMQPURL         string `yaml:"amqp_url"`
	AMQPExchange    string `yaml:"amqp_exchange"`

	ReconnectRetries int           `yaml:"reconnect_retries"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`

	TypingWindow    time.Duration `yaml:"typing_window"`
	TypingThrottle  time.Duration `yaml:"typing_throttle"`
	HistoryPageSize int           `yaml:"history_page_size"`
	HistoryRetries  int           `yaml:"history_retries"`

	DBDSN string `yaml:"db_dsn"`

	AuditAMQPURL    string `yaml:"audit_amqp_url"`
	AuditExchange   string `yaml:"audit_exchange"`
	AuditRoutingKey string `yaml:"audit_routing_key"`
	Environment     string `yaml:"environment"`

	LogLevel     string   `yaml:"log_level"`
	CORSOrigins  []string `yaml:"cors_origins"`
	OTLPEndpoint string   `yaml:"otlp_endpoint"`
	DebugRoutes  bool     `yaml:"debug_routes"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Port:             "8090",
		ViewerRole:       "CITIZEN",
		APIURL:           "http://localhost:8080/api",
		APITimeout:       10 * time.Second,
		Transport:        TransportStomp,
		BrokerURL:        "ws://localhost:8080/ws",
		SubscribePrefix:  "/",
		SendPrefix:       "/app/",
		AMQPExchange:     "chat.topic",
		ReconnectRetries: 10,
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		TypingWindow:     3 * time.Second,
		TypingThrottle:   time.Second,
		HistoryPageSize:  50,
		HistoryRetries:   2,
		AuditExchange:    "audit",
		AuditRoutingKey:  "audit.chat-client",
		Environment:      "local",
		LogLevel:         "info",
		CORSOrigins:      []string{"*"},
	}
}

// Load reads .env, the optional CHAT_CONFIG_FILE and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CHAT_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.ViewerID = getEnv("CHAT_VIEWER_ID", c.ViewerID)
	c.ViewerRole = strings.ToUpper(getEnv("CHAT_VIEWER_ROLE", c.ViewerRole))
	c.APIURL = strings.TrimRight(getEnv("CHAT_API_URL", c.APIURL), "/")
	c.APIToken = getEnv("CHAT_API_TOKEN", c.APIToken)
	c.APITimeout = getDuration("CHAT_API_TIMEOUT", c.APITimeout)
	c.Transport = strings.ToLower(getEnv("CHAT_TRANSPORT", c.Transport))
	c.BrokerURL = getEnv("CHAT_BROKER_URL", c.BrokerURL)
	c.SubscribePrefix = getEnv("CHAT_SUBSCRIBE_PREFIX", c.SubscribePrefix)
	c.SendPrefix = getEnv("CHAT_SEND_PREFIX", c.SendPrefix)
	c.AMQPURL = getEnv("AMQP_URL", c.AMQPURL)
	c.AMQPExchange = getEnv("AMQP_EXCHANGE", c.AMQPExchange)
	c.ReconnectRetries = getInt("CHAT_RECONNECT_RETRIES", c.ReconnectRetries)
	c.ReconnectInitial = getDuration("CHAT_RECONNECT_INITIAL", c.ReconnectInitial)
	c.ReconnectMax = getDuration("CHAT_RECONNECT_MAX", c.ReconnectMax)
	c.TypingWindow = getDuration("CHAT_TYPING_WINDOW", c.TypingWindow)
	c.TypingThrottle = getDuration("CHAT_TYPING_THROTTLE", c.TypingThrottle)
	c.HistoryPageSize = getInt("CHAT_HISTORY_PAGE_SIZE", c.HistoryPageSize)
	c.HistoryRetries = getInt("CHAT_HISTORY_RETRIES", c.HistoryRetries)
	c.DBDSN = getEnv("DB_DSN", c.DBDSN)
	c.AuditAMQPURL = getEnv("AUDIT_AMQP_URL", c.AuditAMQPURL)
	c.AuditExchange = getEnv("AUDIT_EXCHANGE", c.AuditExchange)
	c.AuditRoutingKey = getEnv("AUDIT_ROUTING_KEY", c.AuditRoutingKey)
	c.Environment = getEnv("APP_ENV", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.CORSOrigins = splitList(origins)
	}
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.DebugRoutes = getBool("DEBUG_ROUTES", c.DebugRoutes)
}

// Validate checks the settings the gateway cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.ViewerID == "" {
		errs = append(errs, errors.New("CHAT_VIEWER_ID must be set"))
	}
	switch c.Transport {
	case TransportStomp:
		if c.BrokerURL == "" {
			errs = append(errs, errors.New("CHAT_BROKER_URL must be set for the stomp transport"))
		}
	case TransportAMQP:
		if c.AMQPURL == "" {
			errs = append(errs, errors.New("AMQP_URL must be set for the amqp transport"))
		}
	case TransportLoopback:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.TypingWindow <= 0 {
		errs = append(errs, errors.New("typing window must be positive"))
	}
	if c.HistoryPageSize <= 0 {
		errs = append(errs, errors.New("history page size must be positive"))
	}
	if c.ReconnectRetries < 0 || c.HistoryRetries < 0 {
		errs = append(errs, errors.New("retry budgets must not be negative"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
