package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/linkflow-ai/migrator/internal/platform/validation"
)

// Config holds all configuration for a service
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Migration MigrationConfig `mapstructure:"migration"`
	Version   string          `mapstructure:"version"`
}

// ServiceConfig holds service-specific configuration
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"15m"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
}

// DatabaseConfig holds the connection settings of the migration history store
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" envconfig:"DB_DRIVER" default:"postgres"`
	Host            string        `mapstructure:"host" envconfig:"DB_HOST" default:"localhost"`
	Port            int           `mapstructure:"port" envconfig:"DB_PORT" default:"5432"`
	User            string        `mapstructure:"user" envconfig:"DB_USER" default:"postgres"`
	Password        string        `mapstructure:"password" envconfig:"DB_PASSWORD" default:"postgres"`
	Database        string        `mapstructure:"database" envconfig:"DB_NAME" default:"migrator"`
	SSLMode         string        `mapstructure:"ssl_mode" envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" envconfig:"DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled" envconfig:"REDIS_ENABLED" default:"false"`
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic   string   `mapstructure:"topic" envconfig:"KAFKA_TOPIC" default:"migration-events"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled    bool     `mapstructure:"enabled" envconfig:"AUTH_ENABLED" default:"true"`
	JWTSecret  string   `mapstructure:"jwt_secret" envconfig:"JWT_SECRET" default:"super-secret-key"`
	Issuer     string   `mapstructure:"issuer" envconfig:"JWT_ISSUER"`
	// WriteRoles may apply, roll back or edit dependencies
	WriteRoles []string `mapstructure:"write_roles" envconfig:"AUTH_WRITE_ROLES" default:"admin,migrator"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// MigrationConfig holds the migration engine settings
type MigrationConfig struct {
	Path                   string        `mapstructure:"path" envconfig:"MIGRATIONS_PATH" default:"./migrations"`
	ApplyTimeout           time.Duration `mapstructure:"apply_timeout" envconfig:"MIGRATION_APPLY_TIMEOUT" default:"5m"`
	RollbackTimeout        time.Duration `mapstructure:"rollback_timeout" envconfig:"MIGRATION_ROLLBACK_TIMEOUT" default:"10m"`
	StopOnError            bool          `mapstructure:"stop_on_error" envconfig:"MIGRATION_STOP_ON_ERROR" default:"true"`
	BackupOnApply          bool          `mapstructure:"backup_on_apply" envconfig:"MIGRATION_BACKUP_ON_APPLY" default:"false"`
	BackupOnRollback       bool          `mapstructure:"backup_on_rollback" envconfig:"MIGRATION_BACKUP_ON_ROLLBACK" default:"true"`
	CheckDependencies      bool          `mapstructure:"check_dependencies" envconfig:"MIGRATION_CHECK_DEPENDENCIES" default:"true"`
	LockTTL                time.Duration `mapstructure:"lock_ttl" envconfig:"MIGRATION_LOCK_TTL" default:"15m"`
	AuditBackend           string        `mapstructure:"audit_backend" envconfig:"MIGRATION_AUDIT_BACKEND" default:"sql"`
	MongoURI               string        `mapstructure:"mongo_uri" envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase          string        `mapstructure:"mongo_database" envconfig:"MONGO_DATABASE" default:"migrator"`
	Backup                 BackupConfig  `mapstructure:"backup"`
	ProductionConfirmation bool          `mapstructure:"production_requires_confirmation" envconfig:"MIGRATION_PRODUCTION_REQUIRES_CONFIRMATION" default:"true"`
	BlockDestructive       bool          `mapstructure:"production_block_destructive" envconfig:"MIGRATION_PRODUCTION_BLOCK_DESTRUCTIVE" default:"false"`

	Environments []EnvironmentConfig `mapstructure:"environments" ignored:"true"`
}

// BackupConfig holds the S3 backup target
type BackupConfig struct {
	Enabled   bool   `mapstructure:"enabled" envconfig:"BACKUP_ENABLED" default:"false"`
	Bucket    string `mapstructure:"bucket" envconfig:"BACKUP_S3_BUCKET"`
	Region    string `mapstructure:"region" envconfig:"BACKUP_S3_REGION" default:"us-east-1"`
	Prefix    string `mapstructure:"prefix" envconfig:"BACKUP_S3_PREFIX" default:"migration-backups"`
	Endpoint  string `mapstructure:"endpoint" envconfig:"BACKUP_S3_ENDPOINT"`
	AccessKey string `mapstructure:"access_key" envconfig:"BACKUP_S3_ACCESS_KEY"`
	SecretKey string `mapstructure:"secret_key" envconfig:"BACKUP_S3_SECRET_KEY"`
	RowLimit  int    `mapstructure:"row_limit" envconfig:"BACKUP_ROW_LIMIT" default:"100000"`
}

// EnvironmentConfig describes one target database
type EnvironmentConfig struct {
	ID           string `mapstructure:"id"`
	Name         string `mapstructure:"name"`
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	Production   bool   `mapstructure:"production"`
	AutoApply    string `mapstructure:"auto_apply"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// Load loads configuration from files and environment.
//
// Precedence, lowest first: struct defaults and plain environment variables,
// the config file, then <SERVICE>_-prefixed environment variables such as
// MIGRATION_HTTP_PORT. A .env file in the working directory is loaded first.
func Load(serviceName string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("./configs/services/" + serviceName)
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(toEnvPrefix(serviceName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; continue with env vars
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Service.Name == "" {
		cfg.Service.Name = serviceName
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = serviceName
	}

	// Set version
	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else if cfg.Version == "" {
		cfg.Version = "dev"
	}

	if err := cfg.Migration.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the environment list
func (c *MigrationConfig) Validate() error {
	switch c.AuditBackend {
	case "", "sql", "mongo", "none":
	default:
		return fmt.Errorf("migration.audit_backend: unsupported backend %q", c.AuditBackend)
	}

	seen := make(map[string]struct{}, len(c.Environments))
	for i, env := range c.Environments {
		if env.ID == "" {
			return fmt.Errorf("migration.environments[%d]: id is required", i)
		}
		if _, ok := seen[env.ID]; ok {
			return fmt.Errorf("migration.environments[%d]: duplicate id %q", i, env.ID)
		}
		seen[env.ID] = struct{}{}

		switch env.Driver {
		case "", "postgres", "mysql":
		default:
			return fmt.Errorf("migration.environments[%d]: unsupported driver %q", i, env.Driver)
		}
		if env.Production && env.AutoApply != "" {
			return fmt.Errorf("migration.environments[%d]: auto_apply is not allowed for production environment %q", i, env.ID)
		}
		if env.AutoApply != "" {
			if _, err := validation.CronParser.Parse(env.AutoApply); err != nil {
				return fmt.Errorf("migration.environments[%d]: invalid auto_apply schedule: %w", i, err)
			}
		}
	}
	return nil
}

// Environment returns the environment with the given id
func (c *MigrationConfig) Environment(id string) (EnvironmentConfig, bool) {
	for _, env := range c.Environments {
		if env.ID == id {
			return env, true
		}
	}
	return EnvironmentConfig{}, false
}

// ResolveDSN returns the configured DSN or, when empty, DATABASE_URL from a
// .env.<id> file in dir
func (e EnvironmentConfig) ResolveDSN(dir string) (string, error) {
	if e.DSN != "" {
		return e.DSN, nil
	}

	path := filepath.Join(dir, ".env."+e.ID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("environment %s has no dsn and %s does not exist", e.ID, path)
		}
		return "", fmt.Errorf("failed to access %s: %w", path, err)
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if dsn := values["DATABASE_URL"]; dsn != "" {
		return dsn, nil
	}
	return "", fmt.Errorf("%s does not define DATABASE_URL", path)
}

// DriverName defaults to postgres
func (e EnvironmentConfig) DriverName() string {
	if e.Driver == "" {
		return "postgres"
	}
	return e.Driver
}

// DSN returns the database connection string for the configured driver
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "sqlite":
		// Database is a file path, or ":memory:"
		return c.Database
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// toEnvPrefix converts service name to environment variable prefix
func toEnvPrefix(name string) string {
	result := ""
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result += "_"
		}
		if r >= 'a' && r <= 'z' {
			result += string(r - 32) // Convert to uppercase
		} else if r == '-' {
			result += "_"
		} else {
			result += string(r)
		}
	}
	return result
}
