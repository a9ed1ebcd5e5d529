// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Web server settings:
//
//	REGISTRY_WEB_LISTENON_IP="0.0.0.0"
//	REGISTRY_WEB_LISTENON_PORT="8080"
//	REGISTRY_HEALTH_PORT="9090"
//	REGISTRY_WEB_COOKIE_SECRET="..." # >= 64 bytes
//	REGISTRY_WEB_BODY_LIMIT="10485760"
//
// Storage settings:
//
//	REGISTRY_STORAGE="fs"  # fs, s3
//	REGISTRY_STORAGE_FS_ROOT="/var/registry/blobs"
//	REGISTRY_S3_BUCKET="registry-artifacts"
//	REGISTRY_S3_REGION="us-east-1"
//
// Index settings:
//
//	REGISTRY_GIT_REMOTE="git@github.com:org/index.git"
//	REGISTRY_GIT_REMOTE_PUSH_CHANGES="true"
//
// Observability settings:
//
//	REGISTRY_LOG_LEVEL="info"  # debug, info, warn, error
//	REGISTRY_METRICS_ENABLED="true"
//	REGISTRY_OTEL_ENABLED="true"
//	REGISTRY_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Web: %s\n", cfg.Web.ListenPort)
//	fmt.Printf("Storage: %s\n", cfg.Storage.Type)
//	fmt.Printf("Log level: %v\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/blobstore: uses StorageConfig
//   - pkg/observability: uses ObservabilityConfig
package config
