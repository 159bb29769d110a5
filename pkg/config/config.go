// Package config loads runtime configuration from environment variables
// with the documented defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServiceName string
	Port        int

	DatabaseURL string
	RedisAddr   string

	// Decision gate
	AnomalyThreshold float64
	WatchBandLower   float64
	MLEnabled        bool

	// Training
	MinTrainingSamples int
	ForestTrees        int
	ForestSampleSize   int

	// Rule suggestion
	MinSuggestionEvents int
	SuggestionWindow    time.Duration

	// Lifecycle and feedback
	AutoApproveThreshold float64
	MinRetainConfidence  float64
	RetrainFeedbackCount int

	// Traffic drift
	DriftWindowSize int
	DriftThreshold  float64

	LogLevel string
}

// Load reads the environment. Unset variables fall back to defaults;
// malformed numeric values also fall back rather than failing startup.
func Load() Config {
	return Config{
		ServiceName: getEnv("WAF_SERVICE_NAME", "wafguard"),
		Port:        getEnvInt("WAF_PORT", 8090),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),

		AnomalyThreshold: getEnvFloat("WAF_ANOMALY_THRESHOLD", 0.7),
		WatchBandLower:   getEnvFloat("WAF_WATCH_BAND_LOWER", 0.5),
		MLEnabled:        getEnvBool("WAF_ML_ENABLED", true),

		MinTrainingSamples: getEnvInt("WAF_MIN_TRAINING_SAMPLES", 100),
		ForestTrees:        getEnvInt("WAF_FOREST_TREES", 100),
		ForestSampleSize:   getEnvInt("WAF_FOREST_SAMPLE_SIZE", 256),

		MinSuggestionEvents: getEnvInt("WAF_MIN_SUGGESTION_EVENTS", 5),
		SuggestionWindow:    getEnvDuration("WAF_SUGGESTION_WINDOW", 24*time.Hour),

		AutoApproveThreshold: getEnvFloat("WAF_AUTO_APPROVE_THRESHOLD", 0.98),
		MinRetainConfidence:  getEnvFloat("WAF_MIN_RETAIN_CONFIDENCE", 0.5),
		RetrainFeedbackCount: getEnvInt("WAF_RETRAIN_FEEDBACK_COUNT", 10),

		DriftWindowSize: getEnvInt("WAF_DRIFT_WINDOW_SIZE", 1000),
		DriftThreshold:  getEnvFloat("WAF_DRIFT_THRESHOLD", 0.05),

		LogLevel: getEnv("WAF_LOG_LEVEL", "info"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
