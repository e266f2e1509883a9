// Package config loads process settings from the environment.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Settings is the full runtime configuration. Every field has an
// environment variable of the same name in upper case.
type Settings struct {
	DBPath string

	MaxConcurrent      int
	SchedTickMS        int
	LeaseMS            int
	MaxAttempts        int
	RecoveryIntervalMS int
	ClaimBatchSize     int

	Host     string
	Port     int
	LogLevel string
}

// Load reads settings from the environment with defaults, and validates
// the numeric bounds the scheduler depends on.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetDefault("db_path", "./var/tasks.db")
	v.SetDefault("max_concurrent", 3)
	v.SetDefault("sched_tick_ms", 200)
	v.SetDefault("lease_ms", 60_000)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("recovery_interval_ms", 5_000)
	v.SetDefault("claim_batch_size", 50)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.AutomaticEnv()

	s := &Settings{
		DBPath:             v.GetString("db_path"),
		MaxConcurrent:      v.GetInt("max_concurrent"),
		SchedTickMS:        v.GetInt("sched_tick_ms"),
		LeaseMS:            v.GetInt("lease_ms"),
		MaxAttempts:        v.GetInt("max_attempts"),
		RecoveryIntervalMS: v.GetInt("recovery_interval_ms"),
		ClaimBatchSize:     v.GetInt("claim_batch_size"),
		Host:               v.GetString("host"),
		Port:               v.GetInt("port"),
		LogLevel:           v.GetString("log_level"),
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	for name, value := range map[string]int{
		"MAX_CONCURRENT":       s.MaxConcurrent,
		"SCHED_TICK_MS":        s.SchedTickMS,
		"LEASE_MS":             s.LeaseMS,
		"MAX_ATTEMPTS":         s.MaxAttempts,
		"RECOVERY_INTERVAL_MS": s.RecoveryIntervalMS,
		"CLAIM_BATCH_SIZE":     s.ClaimBatchSize,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", name, value)
		}
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", s.Port)
	}
	if s.DBPath == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
