// Package config loads the MetaCortex runtime configuration from JSON, YAML
// or TOML files, merges mcp_config.json style tool server definitions and
// agent profiles, and resolves secrets from .env files.
package config
