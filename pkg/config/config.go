package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cratery/registry/pkg/observability"
)

// Config holds all application configuration, assembled once at process
// startup from REGISTRY_* environment variables.
type Config struct {
	Web           WebConfig
	Index         IndexConfig
	Storage       StorageConfig
	OAuth         OAuthConfig
	External      []ExternalRegistry
	Deps          DepsConfig
	Email         EmailConfig
	Observability ObservabilityConfig
}

// WebConfig holds HTTP server configuration.
type WebConfig struct {
	PublicURI    string
	CookieSecret string
	ListenIP     string
	ListenPort   string
	BodyLimit    int64
	DataDir      string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// HealthPort serves /healthz, /readyz and /metrics on a separate
	// listener so probes and scrapes never contend with API traffic.
	HealthPort string
}

// IndexConfig configures the git-backed index store and its optional mirror.
type IndexConfig struct {
	ProtocolGit    bool
	ProtocolSparse bool

	GitRemote           string
	GitRemoteSSHKeyFile string
	GitRemotePush       bool
	GitUserName         string
	GitUserEmail        string

	SelfLocalName string
}

// StorageConfig selects and configures the blob store adapter (C1).
type StorageConfig struct {
	Type    string // "fs" or "s3"
	Timeout time.Duration

	FilesystemRoot string

	S3Endpoint       string
	S3Region         string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3ForcePathStyle bool
}

// OAuthConfig configures the authorization-code flow used by the login
// endpoint (C3).
type OAuthConfig struct {
	ClientID      string
	ClientSecret  string
	AuthURL       string
	TokenURL      string
	UserInfoURL   string
	RedirectURL   string
	Scopes        []string
	EmailJSONPath string
	NameJSONPath  string
}

// ExternalRegistry is one mirrored upstream index/docs source, parsed from
// the REGISTRY_EXTERNAL_{n}_* family of variables.
type ExternalRegistry struct {
	Name     string
	Index    string
	Docs     string
	Login    string
	Token    string
}

// DepsConfig configures the dependency analyzer (C8). Enabled turns the
// in-process analyzer off for deployments running registry-analyzer as a
// separate process.
type DepsConfig struct {
	Enabled       bool
	CheckPeriod   string // cron expression, e.g. "@every 15m"
	StaleRegistry time.Duration
	StaleAnalysis time.Duration
	NotifyOutdated bool
	NotifyCVEs     bool
	VulnFeedURL    string
}

// EmailConfig configures the SMTP notifier (C9).
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	Sender       string
	CC           string
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel  observability.LogLevel
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelInsecure       bool

	CacheEnabled  bool
	CacheRedisURL string
	CacheL1Size   int
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Web:           loadWebConfig(),
		Index:         loadIndexConfig(),
		Storage:       loadStorageConfig(),
		OAuth:         loadOAuthConfig(),
		External:      loadExternalRegistries(),
		Deps:          loadDepsConfig(),
		Email:         loadEmailConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadWebConfig() WebConfig {
	return WebConfig{
		PublicURI:       getEnv("REGISTRY_WEB_PUBLIC_URI", "http://localhost:8080"),
		CookieSecret:    getEnv("REGISTRY_WEB_COOKIE_SECRET", ""),
		ListenIP:        getEnv("REGISTRY_WEB_LISTENON_IP", "0.0.0.0"),
		ListenPort:      getEnv("REGISTRY_WEB_LISTENON_PORT", "8080"),
		BodyLimit:       getEnvInt64("REGISTRY_WEB_BODY_LIMIT", 10<<20),
		DataDir:         getEnv("REGISTRY_DATA_DIR", "./data"),
		ReadTimeout:     getEnvDuration("REGISTRY_WEB_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("REGISTRY_WEB_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("REGISTRY_WEB_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("REGISTRY_WEB_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("REGISTRY_HEALTH_PORT", "9090"),
	}
}

func loadIndexConfig() IndexConfig {
	return IndexConfig{
		ProtocolGit:         getEnvBool("REGISTRY_INDEX_PROTOCOL_GIT", true),
		ProtocolSparse:      getEnvBool("REGISTRY_INDEX_PROTOCOL_SPARSE", true),
		GitRemote:           getEnv("REGISTRY_GIT_REMOTE", ""),
		GitRemoteSSHKeyFile: getEnv("REGISTRY_GIT_REMOTE_SSH_KEY_FILENAME", ""),
		GitRemotePush:       getEnvBool("REGISTRY_GIT_REMOTE_PUSH_CHANGES", false),
		GitUserName:         getEnv("REGISTRY_GIT_USER_NAME", "registry"),
		GitUserEmail:        getEnv("REGISTRY_GIT_USER_EMAIL", "registry@localhost"),
		SelfLocalName:       getEnv("REGISTRY_SELF_LOCAL_NAME", "local"),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Type:             getEnv("REGISTRY_STORAGE", "fs"),
		Timeout:          getEnvDuration("REGISTRY_STORAGE_TIMEOUT", 3*time.Second),
		FilesystemRoot:   getEnv("REGISTRY_STORAGE_FS_ROOT", "./data/blobs"),
		S3Endpoint:       getEnv("REGISTRY_S3_ENDPOINT", ""),
		S3Region:         getEnv("REGISTRY_S3_REGION", ""),
		S3Bucket:         getEnv("REGISTRY_S3_BUCKET", ""),
		S3AccessKey:      getEnv("REGISTRY_S3_ACCESS_KEY", ""),
		S3SecretKey:      getEnv("REGISTRY_S3_SECRET_KEY", ""),
		S3ForcePathStyle: getEnvBool("REGISTRY_S3_FORCE_PATH_STYLE", false),
	}
}

func loadOAuthConfig() OAuthConfig {
	scopes := getEnv("REGISTRY_OAUTH_SCOPES", "openid,email,profile")
	return OAuthConfig{
		ClientID:      getEnv("REGISTRY_OAUTH_CLIENT_ID", ""),
		ClientSecret:  getEnv("REGISTRY_OAUTH_CLIENT_SECRET", ""),
		AuthURL:       getEnv("REGISTRY_OAUTH_AUTH_URL", ""),
		TokenURL:      getEnv("REGISTRY_OAUTH_TOKEN_URL", ""),
		UserInfoURL:   getEnv("REGISTRY_OAUTH_USERINFO_URL", ""),
		RedirectURL:   getEnv("REGISTRY_OAUTH_REDIRECT_URL", ""),
		Scopes:        strings.Split(scopes, ","),
		EmailJSONPath: getEnv("REGISTRY_OAUTH_EMAIL_JSON_PATH", "email"),
		NameJSONPath:  getEnv("REGISTRY_OAUTH_NAME_JSON_PATH", "name"),
	}
}

// loadExternalRegistries parses REGISTRY_EXTERNAL_{n}_{NAME,INDEX,DOCS,LOGIN,TOKEN}
// for n = 1, 2, ... stopping at the first gap.
func loadExternalRegistries() []ExternalRegistry {
	var out []ExternalRegistry
	for n := 1; ; n++ {
		prefix := fmt.Sprintf("REGISTRY_EXTERNAL_%d_", n)
		name := getEnv(prefix+"NAME", "")
		if name == "" {
			break
		}
		out = append(out, ExternalRegistry{
			Name:  name,
			Index: getEnv(prefix+"INDEX", ""),
			Docs:  getEnv(prefix+"DOCS", ""),
			Login: getEnv(prefix+"LOGIN", ""),
			Token: getEnv(prefix+"TOKEN", ""),
		})
	}
	return out
}

func loadDepsConfig() DepsConfig {
	return DepsConfig{
		Enabled:        getEnvBool("REGISTRY_DEPS_ENABLED", true),
		CheckPeriod:    getEnv("REGISTRY_DEPS_CHECK_PERIOD", "@every 15m"),
		StaleRegistry:  getEnvDuration("REGISTRY_DEPS_STALE_REGISTRY", time.Hour),
		StaleAnalysis:  getEnvDuration("REGISTRY_DEPS_STALE_ANALYSIS", 24*time.Hour),
		NotifyOutdated: getEnvBool("REGISTRY_DEPS_NOTIFY_OUTDATED", true),
		NotifyCVEs:     getEnvBool("REGISTRY_DEPS_NOTIFY_CVES", true),
		VulnFeedURL:    getEnv("REGISTRY_DEPS_VULN_FEED_URL", ""),
	}
}

func loadEmailConfig() EmailConfig {
	return EmailConfig{
		SMTPHost:     getEnv("REGISTRY_EMAIL_SMTP_HOST", ""),
		SMTPPort:     getEnvInt("REGISTRY_EMAIL_SMTP_PORT", 587),
		SMTPUsername: getEnv("REGISTRY_EMAIL_SMTP_USERNAME", ""),
		SMTPPassword: getEnv("REGISTRY_EMAIL_SMTP_PASSWORD", ""),
		Sender:       getEnv("REGISTRY_EMAIL_SENDER", ""),
		CC:           getEnv("REGISTRY_EMAIL_CC", ""),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("REGISTRY_LOG_LEVEL", "info")),
		LogFormat:      getEnv("REGISTRY_LOG_FORMAT", "json"),
		MetricsEnabled: getEnvBool("REGISTRY_METRICS_ENABLED", true),
		OTelEnabled:    getEnvBool("REGISTRY_OTEL_ENABLED", false),
		OTelEndpoint:   getEnv("REGISTRY_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName: getEnv("REGISTRY_OTEL_SERVICE_NAME", "registry"),
		OTelInsecure:    getEnvBool("REGISTRY_OTEL_INSECURE", true),
		CacheEnabled:    getEnvBool("REGISTRY_CACHE_ENABLED", false),
		CacheRedisURL:   getEnv("REGISTRY_CACHE_REDIS_URL", ""),
		CacheL1Size:     getEnvInt("REGISTRY_CACHE_L1_SIZE", 4096),
	}
}

// Validate checks the loaded configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Web.ListenPort == "" {
		return fmt.Errorf("web listen port is required")
	}
	if c.Web.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Web.ListenPort == c.Web.HealthPort {
		return fmt.Errorf("web listen port and health port must be different")
	}
	if len(c.Web.CookieSecret) < 64 {
		return fmt.Errorf("REGISTRY_WEB_COOKIE_SECRET must be at least 64 bytes")
	}

	switch c.Storage.Type {
	case "fs":
		if c.Storage.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for fs storage")
		}
	case "s3":
		if c.Storage.S3Endpoint == "" || c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 endpoint and bucket are required for s3 storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be fs or s3)", c.Storage.Type)
	}

	if c.Index.GitRemotePush && c.Index.GitRemote == "" {
		return fmt.Errorf("REGISTRY_GIT_REMOTE is required when REGISTRY_GIT_REMOTE_PUSH_CHANGES is set")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
