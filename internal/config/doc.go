// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML (or, for files ending in .toml, TOML)
// with environment variable expansion, then defaulted and validated.
//
// # Configuration File
//
// Default location (see DefaultPath):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"
//	database:
//	  path: "~/.local/share/coven/relay.db"
//	realtime:
//	  backend: "redis"
//	  redis:
//	    addr: "localhost:6379"
//	media:
//	  region: "us-east-1"
//	  bucket: "relay-media"
//	idempotency:
//	  ttl: "10m"
package config
