// Package config loads application configuration from environment variables
// into typed structs.
//
// It wraps github.com/joho/godotenv and github.com/caarlos0/env/v11:
//
//   - LoadEnv reads explicit dotenv files; otherwise the default .env in the
//     working directory is read once on first Load.
//   - Load parses the environment into any struct using env tags and caches
//     the result per type for the lifetime of the process.
//   - MustLoad panics on failure for configuration the process cannot start
//     without.
//   - ResetCache drops cached values, which tests use between cases.
//
// # Usage
//
//	var cfg queue.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
package config
