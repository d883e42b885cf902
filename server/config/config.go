package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Model    ModelConfig    `json:"model" yaml:"model"`
	Security SecurityConfig `json:"security" yaml:"security"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	Environment  string        `json:"environment" yaml:"environment"`
}

type ModelConfig struct {
	BundlePath  string `json:"bundle_path" yaml:"bundle_path"`
	ONNXLibrary string `json:"onnx_library" yaml:"onnx_library"`
}

type SecurityConfig struct {
	AllowedOrigins []string      `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size" yaml:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https" yaml:"enable_https"`
	CertFile       string        `json:"cert_file" yaml:"cert_file"`
	KeyFile        string        `json:"key_file" yaml:"key_file"`
	// ExposeErrorTrace defaults to on outside production when unset.
	ExposeErrorTrace *bool `json:"expose_error_trace" yaml:"expose_error_trace"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			Environment:  "development",
		},
		Model: ModelConfig{
			BundlePath: "model/crash_severity_bundle.json",
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			MaxRequestSize: 1024 * 1024, // 1MB
			RequestTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadConfig layers configuration: built-in defaults, then the YAML file
// named by CONFIG_FILE, then environment variables. A .env file in the
// working directory is loaded into the environment first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	config := defaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server = ServerConfig{
		Host:         getEnv("SERVER_HOST", c.Server.Host),
		Port:         getEnvAsInt("SERVER_PORT", c.Server.Port),
		ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout),
		WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout),
		IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout),
		Environment:  getEnv("ENVIRONMENT", c.Server.Environment),
	}
	c.Model = ModelConfig{
		BundlePath:  getEnv("MODEL_BUNDLE_PATH", c.Model.BundlePath),
		ONNXLibrary: getEnv("MODEL_ONNX_LIBRARY", c.Model.ONNXLibrary),
	}
	c.Security = SecurityConfig{
		AllowedOrigins:   getEnvAsStringSlice("ALLOWED_ORIGINS", c.Security.AllowedOrigins),
		RateLimitRPS:     getEnvAsInt("RATE_LIMIT_RPS", c.Security.RateLimitRPS),
		RateLimitBurst:   getEnvAsInt("RATE_LIMIT_BURST", c.Security.RateLimitBurst),
		MaxRequestSize:   getEnvAsInt64("MAX_REQUEST_SIZE", c.Security.MaxRequestSize),
		RequestTimeout:   getEnvAsDuration("REQUEST_TIMEOUT", c.Security.RequestTimeout),
		EnableHTTPS:      getEnvAsBool("ENABLE_HTTPS", c.Security.EnableHTTPS),
		CertFile:         getEnv("CERT_FILE", c.Security.CertFile),
		KeyFile:          getEnv("KEY_FILE", c.Security.KeyFile),
		ExposeErrorTrace: getEnvAsBoolPtr("SECURITY_EXPOSE_ERROR_TRACE", c.Security.ExposeErrorTrace),
	}
	c.Logging = LoggingConfig{
		Level:  getEnv("LOG_LEVEL", c.Logging.Level),
		Format: getEnv("LOG_FORMAT", c.Logging.Format),
	}
	c.Metrics = MetricsConfig{
		Enabled: getEnvAsBool("METRICS_ENABLED", c.Metrics.Enabled),
		Path:    getEnv("METRICS_PATH", c.Metrics.Path),
	}
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// TraceEnabled reports whether error responses carry the stack trace.
func (c *Config) TraceEnabled() bool {
	if c.Security.ExposeErrorTrace != nil {
		return *c.Security.ExposeErrorTrace
	}
	return !c.IsProduction()
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.Model.BundlePath == "" {
		errors = append(errors, "model bundle path is required")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Security.RateLimitRPS <= 0 || c.Security.RateLimitBurst <= 0 {
		errors = append(errors, "rate limit rps and burst must be positive")
	}

	if c.Security.RequestTimeout <= 0 {
		errors = append(errors, "request timeout must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errors = append(errors, "HTTPS requires cert file and key file")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errors = append(errors, "metrics path must start with /")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errors = append(errors, fmt.Sprintf("unknown log format %q", c.Logging.Format))
	}

	if c.IsProduction() && c.TraceEnabled() {
		logger.Warn("Error traces are exposed to clients in production")
	}

	if len(c.Security.AllowedOrigins) == 1 && c.Security.AllowedOrigins[0] == "*" && c.IsProduction() {
		logger.Warn("CORS allows any origin in production")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsBoolPtr(key string, defaultValue *bool) *bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return &boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
