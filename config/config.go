// Package config loads runtime configuration from environment variables
// (os.Getenv + fmt.Sscanf + defaults), rather than a flags/config-file
// library, appropriate for a single-binary service like this one.
package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	// Storage
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Tick Driver
	TickDelay               time.Duration
	DefaultProgressDeadline time.Duration

	// Drift Reconciler
	DriftCheckInterval time.Duration
	DriftAlertPercent  float64
	DriftAlertAbsolute int

	// Schedule Gate
	ScheduleGateInterval time.Duration

	// Approval Gate
	ApprovalsNeededDefault int

	// Job Runner concurrency overrides (0 means "use jobs.DefaultQueueConfigs()")
	MaxRolloutWorkersDefault     int
	MaxRolloutWorkersRollouts    int
	MaxRolloutWorkersMaintenance int

	// HA
	HAMode bool
	NodeID string

	// HTTP
	ListenAddr string

	// External collaborators
	BundleServiceURL string

	// Auth
	JWTSecret string
}

// Load reads configuration from the environment, applying defaults for
// every tunable left unset.
func Load() *Config {
	c := &Config{
		PostgresDSN:                  getenv("POSTGRES_DSN", "postgres://localhost:5432/sentinelcp?sslmode=disable"),
		RedisAddr:                    getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:                os.Getenv("REDIS_PASSWORD"),
		RedisDB:                      getInt("REDIS_DB", 0),
		TickDelay:                    getDuration("TICK_DELAY_SECONDS", 5*time.Second),
		DefaultProgressDeadline:      getDuration("DEFAULT_PROGRESS_DEADLINE_SECONDS", 15*time.Minute),
		DriftCheckInterval:           getDuration("DRIFT_CHECK_INTERVAL_SECONDS", 30*time.Second),
		DriftAlertPercent:            getFloat("DRIFT_ALERT_PERCENT", 0.1),
		DriftAlertAbsolute:           getInt("DRIFT_ALERT_ABSOLUTE", 0),
		ScheduleGateInterval:         getDuration("SCHEDULE_GATE_INTERVAL_SECONDS", time.Minute),
		ApprovalsNeededDefault:       getInt("APPROVALS_NEEDED_DEFAULT", 0),
		MaxRolloutWorkersDefault:     getInt("MAX_ROLLOUT_WORKERS_DEFAULT", 10),
		MaxRolloutWorkersRollouts:    getInt("MAX_ROLLOUT_WORKERS_ROLLOUTS", 5),
		MaxRolloutWorkersMaintenance: getInt("MAX_ROLLOUT_WORKERS_MAINTENANCE", 2),
		HAMode:                       os.Getenv("HA_MODE") == "true",
		NodeID:                       getenv("NODE_ID", hostnameOrDefault()),
		ListenAddr:                   getenv("LISTEN_ADDR", ":8080"),
		BundleServiceURL:             getenv("BUNDLE_SERVICE_URL", "http://localhost:9001"),
		JWTSecret:                    os.Getenv("JWT_SECRET"),
	}
	return c
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
		return def
	}
	return parsed
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var parsed float64
	if _, err := fmt.Sscanf(v, "%g", &parsed); err != nil {
		return def
	}
	return parsed
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var seconds int
	if _, err := fmt.Sscanf(v, "%d", &seconds); err != nil {
		return def
	}
	return time.Duration(seconds) * time.Second
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "sentinelcp-0"
	}
	return h
}
