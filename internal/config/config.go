package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Security       SecurityConfig       `mapstructure:"security"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Storage        StorageConfig        `mapstructure:"storage"`
	AWS            AWSConfig            `mapstructure:"aws"`
	Events         EventsConfig         `mapstructure:"events"`
	Negotiation    NegotiationConfig    `mapstructure:"negotiation"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig represents database configuration. Driver "memory" runs
// every store in process.
type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"db_name"`
	SSLMode        string        `mapstructure:"ssl_mode"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
}

type SecurityConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// DevTokens enables POST /auth/token for local testing
	DevTokens bool `mapstructure:"dev_tokens"`
}

// LoggingConfig selects level and output; output "file" rotates File
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Output     string `mapstructure:"output"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// StorageConfig selects the blob store: s3, cloudinary or memory
type StorageConfig struct {
	Provider      string           `mapstructure:"provider"`
	MaxUploadSize int64            `mapstructure:"max_upload_size"`
	PublicBaseURL string           `mapstructure:"public_base_url"`
	S3            S3Config         `mapstructure:"s3"`
	Cloudinary    CloudinaryConfig `mapstructure:"cloudinary"`
}

type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Endpoint string `mapstructure:"endpoint"`
}

type CloudinaryConfig struct {
	CloudName string `mapstructure:"cloud_name"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Folder    string `mapstructure:"folder"`
}

// AWSConfig is shared by the S3 store and the SNS forwarder. Empty keys
// fall back to the default credential chain.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type EventsConfig struct {
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
}

type NegotiationConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type ReconciliationConfig struct {
	Schedule string `mapstructure:"schedule"`
	Workers  int    `mapstructure:"workers"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.db_name", "agrilink_contracts")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.password", "")

	// keys without a useful default are registered so AGRI_* variables bind
	for _, key := range []string{
		"security.jwt_secret",
		"storage.public_base_url",
		"storage.s3.bucket", "storage.s3.prefix", "storage.s3.endpoint",
		"storage.cloudinary.cloud_name", "storage.cloudinary.api_key", "storage.cloudinary.api_secret",
		"aws.access_key_id", "aws.secret_access_key",
		"events.sns_topic_arn",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("security.token_ttl", 24*time.Hour)
	v.SetDefault("security.dev_tokens", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file", "logs/contract-portal.log")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.max_upload_size", 10<<20)
	v.SetDefault("storage.cloudinary.folder", "agrilink")
	v.SetDefault("aws.region", "us-east-1")

	v.SetDefault("negotiation.buffer_size", 64)
	v.SetDefault("reconciliation.schedule", "@every 15m")
	v.SetDefault("reconciliation.workers", 4)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// LoadConfig reads .env, then an optional config file, then AGRI_* environment
// variables, in increasing precedence.
func LoadConfig(configPath string) (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGRI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the settings every deployment needs
func (c *Config) Validate() error {
	var problems []string
	if c.Security.JWTSecret == "" {
		problems = append(problems, "security.jwt_secret is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.DBName == "" {
			problems = append(problems, "database.host and database.db_name are required for postgres")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.Storage.Provider {
	case "s3":
		if c.Storage.S3.Bucket == "" {
			problems = append(problems, "storage.s3.bucket is required for s3")
		}
	case "cloudinary":
		cld := c.Storage.Cloudinary
		if cld.CloudName == "" || cld.APIKey == "" || cld.APISecret == "" {
			problems = append(problems, "storage.cloudinary credentials are required for cloudinary")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("storage.provider %q is not supported", c.Storage.Provider))
	}
	if c.Negotiation.BufferSize <= 0 {
		problems = append(problems, "negotiation.buffer_size must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
