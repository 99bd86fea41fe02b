package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envDefaults supplies flag defaults from the environment, so the password
// does not have to appear on the command line.
// Priority: flags > environment > .env file > envDefault.
type envDefaults struct {
	ListenAddr           string        `env:"DBPOOL_LISTEN" envDefault:":5499"`
	Username             string        `env:"DBPOOL_USERNAME" envDefault:"dbpool"`
	Password             string        `env:"DBPOOL_PASSWORD"`
	Databases            string        `env:"DBPOOL_DATABASES" envDefault:"default"`
	MaxClients           int           `env:"DBPOOL_MAX_CLIENTS" envDefault:"100"`
	MaxAuthFailures      int           `env:"DBPOOL_MAX_AUTH_FAILURES" envDefault:"5"`
	AuthBlockDuration    time.Duration `env:"DBPOOL_AUTH_BLOCK_DURATION" envDefault:"5m"`
	MaxStreamsPerSession int           `env:"DBPOOL_MAX_STREAMS_PER_SESSION" envDefault:"256"`
	LogLevel             string        `env:"DBPOOL_LOG_LEVEL" envDefault:"info"`
}

func loadEnvDefaults() (*envDefaults, error) {
	// A missing .env file is fine
	_ = godotenv.Load()

	defaults := &envDefaults{}
	if err := env.Parse(defaults); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return defaults, nil
}
