// Package config loads the runtime configuration from a YAML file with
// environment variable expansion. Missing fields keep their defaults so a
// minimal config file only needs the server URL.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables for the conversation runtime.
type Config struct {
	Server struct {
		URL        string `yaml:"url"`         // backend base URL, e.g. http://localhost:5000
		HealthPath string `yaml:"health_path"` // readiness endpoint
		WSPath     string `yaml:"ws_path"`     // websocket endpoint
	} `yaml:"server"`

	Link struct {
		ReconnectAttempts int `yaml:"reconnect_attempts"`
		ReconnectDelayMS  int `yaml:"reconnect_delay_ms"`
		PingIntervalS     int `yaml:"ping_interval_s"`
	} `yaml:"link"`

	Activate struct {
		Attempts int `yaml:"attempts"`
		DelayMS  int `yaml:"delay_ms"`
	} `yaml:"activate"`

	Capture struct {
		SampleRate         int     `yaml:"sample_rate"`
		SilenceEnabled     bool    `yaml:"silence_enabled"`
		SilenceThresholdDB float64 `yaml:"silence_threshold_db"`
		MinSilenceMS       int     `yaml:"min_silence_ms"`
		MaxDurationS       int     `yaml:"max_duration_s"`
	} `yaml:"capture"`

	Fallback struct {
		MaxMessageBytes int `yaml:"max_message_bytes"`
		ChunkDelayMS    int `yaml:"chunk_delay_ms"`
	} `yaml:"fallback"`

	Playback struct {
		CacheCapacity int     `yaml:"cache_capacity"`
		SafetyFloorS  int     `yaml:"safety_floor_s"`
		SafetyFactor  float64 `yaml:"safety_factor"`
	} `yaml:"playback"`

	Store struct {
		Path string `yaml:"path"` // sqlite database path
	} `yaml:"store"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.Server.URL = "http://localhost:5000"
	c.Server.HealthPath = "/health"
	c.Server.WSPath = "/ws"
	c.Link.ReconnectAttempts = 5
	c.Link.ReconnectDelayMS = 1500
	c.Link.PingIntervalS = 20
	c.Activate.Attempts = 10
	c.Activate.DelayMS = 1000
	c.Capture.SampleRate = 16000
	c.Capture.SilenceEnabled = true
	c.Capture.SilenceThresholdDB = -30
	c.Capture.MinSilenceMS = 2000
	c.Capture.MaxDurationS = 60
	c.Fallback.MaxMessageBytes = 500 * 1024
	c.Fallback.ChunkDelayMS = 50
	c.Playback.CacheCapacity = 16
	c.Playback.SafetyFloorS = 5
	c.Playback.SafetyFactor = 1.5
	c.Store.Path = "./data/aura.db"
	return c
}

// Load reads a YAML config file on top of the defaults. Environment
// variables in the file are expanded before parsing.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}
