// Package config loads the accumulator configuration from an optional JSON
// file, applies environment overrides compatible with a plain .env file,
// fills protocol addresses from the built-in chain presets and validates the
// result before any pipeline run starts.
package config
