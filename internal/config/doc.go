// Package config loads and watches the alertpipe configuration file.
//
// Top-level sections:
//   - store: per-series buffer, default retention/resolution, compaction
//     interval, query cache TTL/size, retention_overrides by metric-name glob
//   - collection: autostart flag and the collectors registered at startup
//   - alerting: evaluation interval, external_url, history_size, rules, routes
//   - notifications: delivery timeout, retries, channels
//   - http: listen address and websocket stream interval
//
// Secrets never live in the file. Source credentials use key_env, token_env
// and password_env; channel settings use settings_env, a map from setting
// name to the environment variable that holds its value.
//
// Load(path) reads the YAML file, applies defaults, then validates
// structural constraints and enums. Domain rules such as the minimum
// collection interval are enforced by the owning package at registration.
//
// Watch(ctx, path, onChange) reloads the file on write or create and keeps
// the previous config when a reload fails.
package config
