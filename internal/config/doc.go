// Package config handles configuration loading for barley-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults for the lifecycle and
// delivery timers.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	transport:
//	  url: "${BARLEY_TRANSPORT_URL}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  connect_timeout: "30s"
//	  reconnect_delay: "5s"
//	  relink_delay: "2s"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # health endpoints
//
// Database:
//
//	database:
//	  path: "/var/lib/barley/gateway.db"
//
// Transport daemon:
//
//	transport:
//	  url: "ws://localhost:3002"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
