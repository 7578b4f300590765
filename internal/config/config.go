// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	APIName        string `env:"MDG_API_APP_NAME" default:"Market Fanout Gateway"`
	APIVersion     string `env:"MDG_API_APP_VERSION" default:"1.0.0"`
	ServerPort     string `env:"MDG_SERVER_PORT" default:"3008"`
	ServerLogLevel string `env:"MDG_SERVER_LOG_LEVEL" default:"info"`
	AdminToken     string `env:"MDG_ADMIN_TOKEN" default:""`

	PostgresDsn      string `env:"MDG_PG_DSN"`
	PostgresLogLevel string `env:"MDG_PG_LOG_LEVEL" default:"warn"`
	RedisHost        string `env:"MDG_REDIS_HOST"`
	RedisPort        string `env:"MDG_REDIS_PORT"`
	RedisPassword    string `env:"MDG_REDIS_PASSWORD" default:""`

	DataProvider    string `env:"DATA_PROVIDER" default:"flattrade"`
	StreamAutostart bool   `env:"STREAM_AUTOSTART" default:"false"`

	FlattradeAPIURL      string `env:"FLATTRADE_API_URL" default:""`
	FlattradeWSURL       string `env:"FLATTRADE_WS_URL" default:""`
	FlattradeAccessToken string `env:"FLATTRADE_ACCESS_TOKEN" default:""`
	VortexAPIURL         string `env:"VORTEX_API_URL" default:""`
	VortexWSURL          string `env:"VORTEX_WS_URL" default:""`
	VortexAccessToken    string `env:"VORTEX_ACCESS_TOKEN" default:""`

	WsSubscribeRPS     int `env:"WS_SUBSCRIBE_RPS" default:"5"`
	WsUnsubscribeRPS   int `env:"WS_UNSUBSCRIBE_RPS" default:"5"`
	WsModeRPS          int `env:"WS_MODE_RPS" default:"5"`
	WsMaxSubscriptions int `env:"WS_MAX_SUBSCRIPTIONS" default:"1000"`

	AbuseWindowMinutes       int `env:"ABUSE_WINDOW_MINUTES" default:"10"`
	AbuseUniqueIPThreshold   int `env:"ABUSE_UNIQUE_IP_THRESHOLD" default:"20"`
	AbuseTotalReqThreshold   int `env:"ABUSE_TOTAL_REQ_THRESHOLD" default:"5000"`
	AbuseBlockScoreThreshold int `env:"ABUSE_BLOCK_SCORE_THRESHOLD" default:"100"`

	AuditHTTPSampleRate      float64 `env:"AUDIT_HTTP_SAMPLE_RATE" default:"0.01"`
	AuditHTTPAlwaysLogErrors bool    `env:"AUDIT_HTTP_ALWAYS_LOG_ERRORS" default:"true"`
	AuditWsSubSampleRate     float64 `env:"AUDIT_WS_SUB_SAMPLE_RATE" default:"0"`
	AuditLogRetentionDays    int     `env:"AUDIT_LOG_RETENTION_DAYS" default:"90"`
}

var (
	SingleLine string = "--------------------------------------------------"
)

var (
	instance *Config
	once     sync.Once
	err      error
)

// Get returns the application configuration
func Get() (*Config, error) {
	once.Do(func() {
		instance, err = loadConfig()
	})
	return instance, err
}

// loadConfig loads configuration from environment variables
func loadConfig() (*Config, error) {
	// .env is optional, real deployments set the environment directly
	_ = godotenv.Load()

	cfg := &Config{}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	t := reflect.TypeOf(*c)
	v := reflect.ValueOf(c).Elem()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		envTag := field.Tag.Get("env")
		if envTag == "" {
			return fmt.Errorf("missing env tag for field %s", field.Name)
		}

		value, ok := os.LookupEnv(envTag)
		if !ok {
			defaultValue, hasDefault := field.Tag.Lookup("default")
			if !hasDefault {
				return fmt.Errorf("env variable %s is required but not set", envTag)
			}
			value = defaultValue
		}

		if err := setField(v.Field(i), field.Name, value); err != nil {
			return err
		}
	}

	return nil
}

// setField assigns an env string value to a struct field by kind
func setField(f reflect.Value, name, value string) error {
	switch f.Kind() {
	case reflect.String:
		f.SetString(value)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %q", name, value)
		}
		f.SetInt(int64(n))
	case reflect.Float64:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float for %s: %q", name, value)
		}
		f.SetFloat(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool for %s: %q", name, value)
		}
		f.SetBool(b)
	default:
		return fmt.Errorf("unsupported config field kind %s for %s", f.Kind(), name)
	}
	return nil
}

// String returns the configuration as a string
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n--------------------------------------\n")
	sb.WriteString("Configuration:\n")
	sb.WriteString("--------------------------------------\n")

	t := reflect.TypeOf(*c)
	v := reflect.ValueOf(*c)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := fmt.Sprintf("%v", v.Field(i).Interface())

		// Mask sensitive fields
		value = maskSensitiveField(field.Name, value)
		sb.WriteString(fmt.Sprintf("  %s:  %s\n", field.Name, value))
	}

	sb.WriteString("--------------------------------------\n")

	return sb.String()
}

func maskSensitiveField(fieldName, value string) string {
	sensitiveFields := []string{"token", "dsn", "secret", "password"}

	fieldNameLower := strings.ToLower(fieldName)
	for _, sensitive := range sensitiveFields {
		if strings.Contains(fieldNameLower, sensitive) {
			return maskValue(value)
		}
	}

	return value
}

func maskValue(value string) string {
	if len(value) <= 3 {
		return strings.Repeat("*", 7)
	}
	return value[:3] + strings.Repeat("*", 7)
}
