// Package config loads the automatic-message pipeline's configuration
// from environment variables into a typed, validated struct, following
// the direct os.Getenv-with-fallback pattern used elsewhere in this
// codebase's supporting services rather than a flags or config-file
// library.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-tunable knob the pipeline recognizes.
type Config struct {
	MongoURI      string
	MongoDatabase string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PlannerCron    string
	DispatcherCron string
	Timezone       string

	QueueName            string
	ConsumerPrefetch     int
	DispatcherBatchSize  int
	ConsumerMaxRetries   int
	ConsumerRetryDelay   time.Duration
	PresenceTTL          time.Duration
	MessageContentMax    int
	DispatcherRateLimit  float64
	PoisonThreshold      int
	PoisonQuarantine     time.Duration
	HTTPAddr             string
	LogLevel             string
}

// Load reads Config from the process environment, applying the
// defaults documented in SPEC_FULL.md's configuration table for any
// variable that is unset or empty.
func Load() Config {
	return Config{
		MongoURI:      getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getenv("MONGO_DATABASE", "automessage"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		PlannerCron:    getenv("PLANNER_CRON", "0 2 * * *"),
		DispatcherCron: getenv("DISPATCHER_CRON", "* * * * *"),
		Timezone:       getenv("SCHEDULER_TIMEZONE", "Europe/Istanbul"),

		QueueName:           getenv("QUEUE_NAME", "message_sending_queue"),
		ConsumerPrefetch:    getenvInt("CONSUMER_PREFETCH", 10),
		DispatcherBatchSize: getenvInt("DISPATCHER_BATCH_SIZE", 50),
		ConsumerMaxRetries:  getenvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerRetryDelay:  getenvMillis("CONSUMER_RETRY_DELAY_MS", 5000*time.Millisecond),
		PresenceTTL:         getenvSeconds("PRESENCE_TTL_SECONDS", 3600*time.Second),
		MessageContentMax:   getenvInt("MESSAGE_CONTENT_MAX", 1000),
		DispatcherRateLimit: getenvFloat("DISPATCHER_RATE_LIMIT", 0),
		PoisonThreshold:     getenvInt("POISON_THRESHOLD", 5),
		PoisonQuarantine:    getenvDuration("POISON_QUARANTINE", time.Hour),
		HTTPAddr:            getenv("HTTP_ADDR", ":8080"),
		LogLevel:            getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func getenvSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
