package server

import (
	"encoding/json"
	"fmt"

	"github.com/caarlos0/env/v11"
)

type serverConfig struct {
	HostName        string `json:"host" env:"ACTIVITYPRESS_HOST"`
	Certificate     string `json:"certificate" env:"ACTIVITYPRESS_CERTIFICATE"`
	PrivateKey      string `json:"privatekey" env:"ACTIVITYPRESS_PRIVATE_KEY"`
	Port            int    `json:"port" env:"ACTIVITYPRESS_PORT"`
	AcceptAll       bool   `json:"accept_all" env:"ACTIVITYPRESS_ACCEPT_ALL"` // for debugging
	SendUnsigned    bool   `json:"send_unsigned" env:"ACTIVITYPRESS_SEND_UNSIGNED"`
	MaxFollowers    int    `json:"max_followers" env:"ACTIVITYPRESS_MAX_FOLLOWERS"`
	SecureMode      bool   `json:"secure_mode" env:"ACTIVITYPRESS_SECURE_MODE"`
	Database        string `json:"database" env:"ACTIVITYPRESS_DATABASE"`
	Driver          string `json:"driver" env:"ACTIVITYPRESS_DRIVER"` // sqlite or sqlite3
	DeliveryWorkers int    `json:"delivery_workers" env:"ACTIVITYPRESS_DELIVERY_WORKERS"`
	SendAttempts    uint   `json:"send_attempts" env:"ACTIVITYPRESS_SEND_ATTEMPTS"`
	ForwardAttempts uint   `json:"forward_attempts" env:"ACTIVITYPRESS_FORWARD_ATTEMPTS"`
	QueueSize       int    `json:"queue_size" env:"ACTIVITYPRESS_QUEUE_SIZE"`
	FeedMinutes     int    `json:"feed_minutes" env:"ACTIVITYPRESS_FEED_MINUTES"`
}

func (s serverConfig) useTLS() bool {
	return s.Certificate != "" && s.PrivateKey != ""
}

type userConfig struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	DisplayName string `json:"displayName"`
	Summary     string `json:"summary,omitempty"`
	SourceURL   string `json:"outboxSource"`
	PubKeyFile  string `json:"pubKey,omitempty"`
	PrivKeyFile string `json:"privKey,omitempty"`
}

type Config struct {
	URL    string       `json:"url" env:"ACTIVITYPRESS_URL"` // public-facing URL
	Server serverConfig `json:"server"`
	Users  []userConfig `json:"users"`
}

// withDefaults fills in settings that were left empty.
func (c Config) withDefaults() Config {
	if c.Server.Database == "" {
		c.Server.Database = "activitypress.db"
	}
	if c.Server.DeliveryWorkers <= 0 {
		c.Server.DeliveryWorkers = 4
	}
	if c.Server.SendAttempts == 0 {
		c.Server.SendAttempts = 5
	}
	if c.Server.ForwardAttempts == 0 {
		c.Server.ForwardAttempts = 2
	}
	if c.Server.QueueSize <= 0 {
		c.Server.QueueSize = 100
	}
	if c.Server.FeedMinutes <= 0 {
		c.Server.FeedMinutes = 5
	}
	return c
}

// ReadConfig parses a JSON config, then applies ACTIVITYPRESS_* environment overrides.
func ReadConfig(b []byte) (config Config, err error) {
	if uErr := json.Unmarshal(b, &config); uErr != nil {
		return config, uErr
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}
