package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	APIBaseURL     string
	WSURL          string
	StateFile      string
	RequestTimeout time.Duration
}

func Load() (*Config, error) {
	requestTimeout, err := time.ParseDuration(getEnv("REQUEST_TIMEOUT", "15s"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIBaseURL:     getEnv("API_BASE_URL", "http://127.0.0.1:8000"),
		WSURL:          getEnv("WS_URL", "ws://127.0.0.1:8000/ws/hub"),
		StateFile:      getEnv("BOLTALKA_STATE", "boltalka.db"),
		RequestTimeout: requestTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	if c.WSURL == "" {
		return fmt.Errorf("WS_URL is required")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
