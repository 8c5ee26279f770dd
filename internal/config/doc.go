// Package config provides centralized configuration management for fauxnetd.
// It handles loading configuration from multiple sources, validation, and provides
// a type-safe API for accessing configuration values throughout the application.
//
// # Configuration Sources
//
// Configuration is assembled in this order, later sources overriding earlier ones:
//
//  1. Default values (Default)
//  2. A YAML file: $FAUXNET_CONFIG, config.yaml, configs/config.yaml or /etc/fauxnet/fauxnetd.yaml
//  3. Environment variables
//
// # Environment Variables
//
// All environment variables follow the pattern FAUXNET_<SECTION>_<FIELD>:
//
//	FAUXNET_SERVER_PORT=8080
//	FAUXNET_SECURITY_CREDENTIALS=operator:s3cret,viewer:$2a$10$...
//	FAUXNET_OPERATIONS_RETENTION_TTL=10m
//	FAUXNET_OPERATIONS_STREAM_MAX_IDLE=5m
//	FAUXNET_ARCHIVE_DB_PATH=/var/lib/fauxnet/operations.db
//	FAUXNET_EMULATOR_CLI_PATH=/usr/local/bin/core-cli
//	FAUXNET_VHOSTS_BASE_DIR=/opt/fauxnet/vhosts
//
// # Validation
//
// Load rejects out-of-range ports, non-positive timeouts, malformed credentials and
// a stream heartbeat that is not shorter than the stream idle limit.
//
// # Testing
//
// Use Default() for a configuration that needs no environment or files.
package config
