// Package config loads engine tuning parameters — worker pool size,
// MAX_INNER_UPPERS, default min_delay/max_timeout for the update barrier,
// the flush and cookie directory paths — from a config file plus
// environment overrides, replacing ad-hoc flag-only
// CLIInvocation parsing (internal/cli/input.go) with a durable config
// layer above it via github.com/spf13/viper.
package config
