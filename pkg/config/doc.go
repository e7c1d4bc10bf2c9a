// Package config loads typed configuration structs from environment variables.
//
// It wraps github.com/caarlos0/env/v11 for struct-tag parsing and
// github.com/joho/godotenv for optional .env files. Every package of the
// delivery engine declares its own Config struct with `env` and `envDefault`
// tags; the binary loads them with Load and hands them to constructors.
//
//	var qcfg queue.Config
//	config.MustLoad(&qcfg)
//
// Parsed values are cached per type for the lifetime of the process. Tests that
// mutate the environment call Reset between cases.
package config
