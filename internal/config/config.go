package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jorgepascosoto/resumable-db-dump/internal/errors"
)

type DatabaseType string

const (
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

type ProgressBackend string

const (
	ProgressBackendFile ProgressBackend = "file"
	ProgressBackendR2   ProgressBackend = "r2"
)

const (
	DefaultChunkSize   = 10000
	DefaultTimeBudget  = 29 * time.Second
	DefaultOutputDir   = "storage"
	DefaultListenAddr  = ":8080"
	DefaultProgressKey = "backup.txt"
)

// DatabaseConfig holds settings for the database being dumped
type DatabaseConfig struct {
	Type             DatabaseType
	Host             string
	Port             int
	Name             string
	User             string
	Password         string
	ConnectionString string
	// Path is the database file for SQLite
	Path         string
	BackupPrefix string
}

// Config holds the application configuration
type Config struct {
	Database DatabaseConfig

	// Dump settings
	OutputDir       string
	ProgressBackend ProgressBackend
	ProgressKey     string
	ChunkSize       int
	TimeBudget      time.Duration

	// Runtime settings
	ListenAddr string
	LogLevel   string

	// R2 settings (optional unless the r2 progress backend is used)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2Endpoint        string

	// Retention settings
	RetentionDays  int
	RetentionCount int

	// Notification settings
	WebhookURL      string
	NotifyOnSuccess bool
	NotifyOnFailure bool
}

// Load reads the configuration from the environment. Variables from a .env
// file in the working directory are used when not already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	dbType, err := parseDatabaseType(getInput("database_type"))
	if err != nil {
		return nil, err
	}

	db, err := loadDatabaseConfig(dbType)
	if err != nil {
		return nil, err
	}
	cfg.Database = *db

	// Dump settings
	cfg.OutputDir = getInputDefault("output_dir", DefaultOutputDir)
	cfg.ProgressBackend = ProgressBackend(strings.ToLower(getInputDefault("progress_backend", string(ProgressBackendFile))))
	cfg.ProgressKey = getInputDefault("progress_key", DefaultProgressKey)
	cfg.ChunkSize = getInputInt("chunk_size", DefaultChunkSize)

	budget, err := getInputDuration("time_budget", DefaultTimeBudget)
	if err != nil {
		return nil, err
	}
	cfg.TimeBudget = budget

	cfg.ListenAddr = getInputDefault("listen_addr", DefaultListenAddr)
	cfg.LogLevel = getInputDefault("log_level", "info")

	// R2 settings
	cfg.R2AccountID = getInput("r2_account_id")
	cfg.R2AccessKeyID = getInput("r2_access_key_id")
	cfg.R2SecretAccessKey = getInput("r2_secret_access_key")
	cfg.R2BucketName = getInput("r2_bucket_name")
	cfg.R2Endpoint = getInput("r2_endpoint")

	// Retention settings
	cfg.RetentionDays = getInputInt("retention_days", 0)
	cfg.RetentionCount = getInputInt("retention_count", 0)

	// Notification settings
	cfg.WebhookURL = getInput("webhook_url")
	cfg.NotifyOnSuccess = getInputBool("notify_on_success", true)
	cfg.NotifyOnFailure = getInputBool("notify_on_failure", true)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseDatabaseType(value string) (DatabaseType, error) {
	switch strings.ToLower(value) {
	case "mysql", "mariadb", "":
		return DatabaseTypeMySQL, nil // Default to mysql
	case "postgres", "postgresql":
		return DatabaseTypePostgres, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", errors.NewConfigError("database_type", fmt.Sprintf("unsupported database type: %s", value))
	}
}

// loadDatabaseConfig builds the database settings from DATABASE_URL
func loadDatabaseConfig(dbType DatabaseType) (*DatabaseConfig, error) {
	connStr := getInput("database_url")
	if connStr == "" {
		return nil, errors.NewConfigError("database_url", "is required")
	}

	db := &DatabaseConfig{
		Type:             dbType,
		ConnectionString: connStr,
	}

	if dbType == DatabaseTypeSQLite {
		db.Path = strings.TrimPrefix(strings.TrimPrefix(connStr, "sqlite://"), "file:")
		db.Name = strings.TrimSuffix(filepath.Base(db.Path), filepath.Ext(db.Path))
	} else {
		parsed, err := parseConnectionString(connStr, dbType)
		if err != nil {
			return nil, err
		}
		db.Host = parsed.Host
		db.Port = parsed.Port
		db.Name = parsed.Name
		db.User = parsed.User
		db.Password = parsed.Password
	}

	// Custom name overrides the parsed one
	if name := getInput("database_name"); name != "" {
		db.Name = name
	}

	prefix := getInput("backup_prefix")
	if prefix == "" {
		prefix = fmt.Sprintf("backups/%s/", db.Name)
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	db.BackupPrefix = prefix

	return db, nil
}

// parsedConnection holds components extracted from a connection string
type parsedConnection struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// parseConnectionString extracts host, port, user, password, and database name from a connection URL
func parseConnectionString(connStr string, dbType DatabaseType) (*parsedConnection, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return nil, errors.NewConfigError("database_url", fmt.Sprintf("invalid connection string: %v", err))
	}

	parsed := &parsedConnection{
		Port: defaultPort(dbType),
	}

	// Extract host and port
	parsed.Host = u.Hostname()
	if portStr := u.Port(); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			parsed.Port = port
		}
	}

	// Extract user and password
	if u.User != nil {
		parsed.User = u.User.Username()
		if pwd, ok := u.User.Password(); ok {
			parsed.Password = pwd
		}
	}

	// Extract database name from path
	parsed.Name = strings.TrimPrefix(u.Path, "/")

	return parsed, nil
}

func (c *Config) Validate() error {
	db := c.Database
	if db.Name == "" {
		return errors.NewConfigError("database_url", "database name could not be determined from connection string")
	}
	if db.Type != DatabaseTypeSQLite && db.Host == "" {
		return errors.NewConfigError("database_url", "host could not be parsed from connection string")
	}
	if db.Type == DatabaseTypeSQLite && db.Path == "" {
		return errors.NewConfigError("database_url", "sqlite database path is empty")
	}

	if c.ChunkSize <= 0 {
		return errors.NewConfigError("chunk_size", "must be positive")
	}
	if c.TimeBudget < 0 {
		return errors.NewConfigError("time_budget", "must not be negative")
	}
	if c.ProgressKey == "" {
		return errors.NewConfigError("progress_key", "must not be empty")
	}

	switch c.ProgressBackend {
	case ProgressBackendFile:
	case ProgressBackendR2:
		if !c.HasR2() {
			return errors.NewConfigError("progress_backend", "r2 backend requires R2 settings")
		}
	default:
		return errors.NewConfigError("progress_backend", fmt.Sprintf("unsupported backend: %s", c.ProgressBackend))
	}

	// R2 settings are all-or-nothing
	if c.HasR2() || c.R2AccountID != "" || c.R2AccessKeyID != "" || c.R2SecretAccessKey != "" || c.R2BucketName != "" {
		if c.R2AccountID == "" && c.R2Endpoint == "" {
			return errors.NewConfigError("r2_account_id", "is required")
		}
		if c.R2AccessKeyID == "" {
			return errors.NewConfigError("r2_access_key_id", "is required")
		}
		if c.R2SecretAccessKey == "" {
			return errors.NewConfigError("r2_secret_access_key", "is required")
		}
		if c.R2BucketName == "" {
			return errors.NewConfigError("r2_bucket_name", "is required")
		}
	}

	return nil
}

// HasR2 reports whether enough R2 settings are present to reach a bucket.
func (c *Config) HasR2() bool {
	return (c.R2AccountID != "" || c.R2Endpoint != "") &&
		c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2BucketName != ""
}

func (c *Config) HasRetention() bool {
	return c.RetentionDays > 0 || c.RetentionCount > 0
}

func getInput(name string) string {
	// First try regular env var (for local development)
	envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if val := os.Getenv(envName); val != "" {
		return strings.TrimSpace(val)
	}
	// Fall back to INPUT_ prefixed (GitHub Actions convention)
	return strings.TrimSpace(os.Getenv("INPUT_" + envName))
}

func getInputDefault(name, defaultVal string) string {
	if val := getInput(name); val != "" {
		return val
	}
	return defaultVal
}

func getInputInt(name string, defaultVal int) int {
	val := getInput(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func getInputBool(name string, defaultVal bool) bool {
	val := strings.ToLower(getInput(name))
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "yes" || val == "1"
}

// getInputDuration accepts Go durations ("45s", "2m") or plain seconds ("30")
func getInputDuration(name string, defaultVal time.Duration) (time.Duration, error) {
	val := getInput(name)
	if val == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.NewConfigError(name, fmt.Sprintf("invalid duration: %s", val))
	}
	return d, nil
}

func defaultPort(dbType DatabaseType) int {
	switch dbType {
	case DatabaseTypePostgres:
		return 5432
	case DatabaseTypeMySQL:
		return 3306
	default:
		return 0
	}
}

// ProgressPrefix is the R2 prefix of the progress record. It lies outside
// BackupPrefix so retention never sees it.
func (c *Config) ProgressPrefix() string {
	return fmt.Sprintf("progress/%s/", c.Database.Name)
}
