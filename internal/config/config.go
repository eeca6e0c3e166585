// Package config loads relay configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable the relay reads at startup.
type Config struct {
	// MongoURI is required; the relay refuses to start without a store.
	MongoURI string `env:"MONGODB_URI,required"`
	// Database is the Mongo database holding the chat collections.
	Database string `env:"MONGODB_DATABASE" envDefault:"learning_platform"`
	// Port serves both the WebSocket relay and the synchronous API.
	Port string `env:"PORT" envDefault:"3001"`
	// TokenSecret, when set, makes bearer tokens HS256 JWTs. When empty
	// the bearer value itself is trusted as the caller identity (identity
	// issuance is an external collaborator).
	TokenSecret string `env:"TOKEN_SECRET"`
	// AllowedOrigin is handed to the CORS middleware for the browser client.
	AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
	// SendRatePerMinute limits message sends per identity per minute.
	SendRatePerMinute int `env:"SEND_RATE_PER_MINUTE" envDefault:"120"`
}

// Load reads an optional .env file, then parses the environment.
func Load() (*Config, error) {
	// Missing .env is fine; containers set real environment variables.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}
