package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	defaultBackoff = []time.Duration{10 * time.Second, 60 * time.Second, 120 * time.Second}

	defaultDisallowedDomains = []string{
		"example.com", "example.net", "example.org",
		"test.com", "localhost.com", "invalid.com",
	}
	defaultDisallowedSubstrings = []string{"example", "test"}
)

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // optional per-environment overlay

	return decode(v)
}

func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			if expanded := os.ExpandEnv(strVal); expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills secrets from their conventional env names when the
// YAML left them blank.
func overrideEmptyConfig(cfg *Config) {
	envFallbacks := []struct {
		target *string
		env    string
	}{
		{&cfg.Database.Postgres.User, "DB_USER"},
		{&cfg.Database.Postgres.Password, "DB_PASSWORD"},
		{&cfg.Database.Redis.Password, "REDIS_PASSWORD"},
		{&cfg.Integrations.Postmark.ServerToken, "POSTMARK_SERVER_TOKEN"},
		{&cfg.Integrations.Postmark.AccountToken, "POSTMARK_ACCOUNT_TOKEN"},
		{&cfg.Integrations.SMTP.Password, "SMTP_PASSWORD"},
		{&cfg.Integrations.AWS.Region, "AWS_REGION"},
	}

	for _, f := range envFallbacks {
		if *f.target != "" {
			continue
		}
		if val := os.Getenv(f.env); val != "" {
			*f.target = val
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "publish-dispatch"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":9090"
	}

	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 10
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 30000
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 30000
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	if cfg.Database.Redis.PoolSize == 0 {
		cfg.Database.Redis.PoolSize = 10
	}
	if cfg.Database.Redis.MinIdleConns == 0 {
		cfg.Database.Redis.MinIdleConns = 5
	}
	if cfg.Database.Redis.DialTimeout == 0 {
		cfg.Database.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Database.Redis.ReadTimeout == 0 {
		cfg.Database.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Database.Redis.WriteTimeout == 0 {
		cfg.Database.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.QueueSize == 0 {
		cfg.Dispatch.QueueSize = 256
	}
	if cfg.Dispatch.Fanout == 0 {
		cfg.Dispatch.Fanout = 8
	}
	if cfg.Dispatch.ShutdownTimeout == 0 {
		cfg.Dispatch.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Dispatch.SweepInterval == 0 {
		cfg.Dispatch.SweepInterval = time.Minute
	}
	if cfg.Dispatch.Retry.MaxAttempts == 0 {
		cfg.Dispatch.Retry.MaxAttempts = 3
	}
	if len(cfg.Dispatch.Retry.Backoff) == 0 {
		cfg.Dispatch.Retry.Backoff = append([]time.Duration(nil), defaultBackoff...)
	}

	if cfg.Push.Provider == "" {
		cfg.Push.Provider = "log"
	}
	if cfg.Push.Cooldown == 0 {
		cfg.Push.Cooldown = 15 * time.Second
	}
	if cfg.Push.SendTimeout == 0 {
		cfg.Push.SendTimeout = 10 * time.Second
	}
	if cfg.Push.BodyLimit == 0 {
		cfg.Push.BodyLimit = 150
	}

	if cfg.Email.Provider == "" {
		cfg.Email.Provider = "log"
	}
	if cfg.Email.BatchSize == 0 {
		cfg.Email.BatchSize = 10
	}
	if cfg.Email.SendTimeout == 0 {
		cfg.Email.SendTimeout = 30 * time.Second
	}
	if cfg.Email.DisallowedDomains == nil {
		cfg.Email.DisallowedDomains = append([]string(nil), defaultDisallowedDomains...)
	}
	if cfg.Email.DisallowedSubstrings == nil {
		cfg.Email.DisallowedSubstrings = append([]string(nil), defaultDisallowedSubstrings...)
	}

	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = "postgres"
	}
	if cfg.Audit.Index == "" {
		cfg.Audit.Index = "delivery-attempts"
	}
	if cfg.Audit.BodyLimit == 0 {
		cfg.Audit.BodyLimit = 100
	}
	if cfg.Audit.TokenPrefix == 0 {
		cfg.Audit.TokenPrefix = 15
	}
	if cfg.Audit.WriteTimeout == 0 {
		cfg.Audit.WriteTimeout = 5 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = cfg.App.Name
	}

	for key, worker := range cfg.Workers {
		if worker.MaxJobsActive == 0 {
			worker.MaxJobsActive = 5
		}
		if worker.Timeout == 0 {
			worker.Timeout = 30000
		}
		if worker.MaxRetries == 0 {
			worker.MaxRetries = 3
		}
		cfg.Workers[key] = worker
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Camunda.BrokerAddress == "" {
		return fmt.Errorf("camunda.broker_address is required")
	}

	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}

	if cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}

	switch cfg.Audit.Backend {
	case "postgres":
	case "elasticsearch", "both":
		if len(cfg.Database.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("database.elasticsearch.addresses is required for audit backend %q", cfg.Audit.Backend)
		}
	default:
		return fmt.Errorf("audit.backend %q is not supported", cfg.Audit.Backend)
	}

	switch cfg.Push.Provider {
	case "sns", "log":
	default:
		return fmt.Errorf("push.provider %q is not supported", cfg.Push.Provider)
	}

	switch cfg.Email.Provider {
	case "ses":
		if cfg.Integrations.AWS.SES.FromEmail == "" {
			return fmt.Errorf("integrations.aws.ses.from_email is required")
		}
	case "postmark":
		if cfg.Integrations.Postmark.ServerToken == "" || cfg.Integrations.Postmark.FromEmail == "" {
			return fmt.Errorf("integrations.postmark.server_token and from_email are required")
		}
	case "smtp":
		if cfg.Integrations.SMTP.Host == "" {
			return fmt.Errorf("integrations.smtp.host is required")
		}
	case "log":
	default:
		return fmt.Errorf("email.provider %q is not supported", cfg.Email.Provider)
	}

	if cfg.Dispatch.Retry.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.retry.max_attempts must be at least 1")
	}
	if cfg.Email.BatchSize < 1 {
		return fmt.Errorf("email.batch_size must be at least 1")
	}
	if cfg.Audit.TokenPrefix < 1 {
		return fmt.Errorf("audit.token_prefix must be at least 1")
	}

	return nil
}

func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker
	}

	return WorkerConfig{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}
