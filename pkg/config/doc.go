// Package config loads tokenmeter configuration from TOKENMETER_* environment
// variables once at startup.
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.ValidateServer(); err != nil {
//		log.Fatal(err)
//	}
//
// Main variables:
//
//	TOKENMETER_PORT                    API port (8080)
//	TOKENMETER_HEALTH_PORT             jobs health/metrics port (9090)
//	TOKENMETER_POSTGRES_URL            required
//	TOKENMETER_POSTGRES_REPLICA_URLS   comma-separated read replicas
//	TOKENMETER_REDIS_URL               enables the distributed rate limiter
//	TOKENMETER_STRIPE_SECRET_KEY       processor API key
//	TOKENMETER_STRIPE_WEBHOOK_SECRET   required by the API server
//	TOKENMETER_CATALOG_PATH            optional YAML plan catalog
//	TOKENMETER_ARCHIVE_BUCKET          enables the monthly S3 usage archive
//	TOKENMETER_LOG_LEVEL               debug, info, warn or error
//	TOKENMETER_OTEL_ENABLED            export traces and metrics over OTLP
//
// The resulting *Config is passed explicitly to constructors; nothing reads
// the environment after startup.
package config
