package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/snookerhq/livesync/go/internal/livematch"
)

// Config is the YAML file holding default match settings. Individual matches
// snapshot these at go-live; editing the file never affects running matches.
type Config struct {
	MatchDefaults struct {
		ShotClockDuration    int  `yaml:"shot_clock_duration"`
		ShotClockWarningTime int  `yaml:"shot_clock_warning_time"`
		BreakDuration        int  `yaml:"break_duration"`
		MaxFramesToWin       int  `yaml:"max_frames_to_win"`
		ShotClockEnabled     bool `yaml:"shot_clock_enabled"`
		BreakTimerEnabled    bool `yaml:"break_timer_enabled"`
	} `yaml:"match_defaults"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// defaultSettings converts the config section into the settings snapshot a
// match captures when it goes live. A missing config file yields standard
// snooker defaults.
func defaultSettings(config *Config) livematch.LiveMatchSettings {
	if config == nil {
		return livematch.LiveMatchSettings{
			ShotClockDuration:    60,
			ShotClockWarningTime: 15,
			BreakDuration:        300,
			MaxFramesToWin:       5,
			ShotClockEnabled:     true,
			BreakTimerEnabled:    true,
		}
	}
	d := config.MatchDefaults
	return livematch.LiveMatchSettings{
		ShotClockDuration:    d.ShotClockDuration,
		ShotClockWarningTime: d.ShotClockWarningTime,
		BreakDuration:        d.BreakDuration,
		MaxFramesToWin:       d.MaxFramesToWin,
		ShotClockEnabled:     d.ShotClockEnabled,
		BreakTimerEnabled:    d.BreakTimerEnabled,
	}
}
