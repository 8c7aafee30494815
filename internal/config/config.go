package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS fan-out for lifecycle events
	SQSRegion   string
	SQSQueueURL string

	// AWS delivery channels
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// Webhook channel
	WebhookTimeout int // seconds

	// Sweep cadences, in minutes
	ScheduleSweepMinutes int
	DueStepSweepMinutes  int
	ExpirySweepMinutes   int

	// Admin API rate limit: requests per minute per client
	APIRateLimit int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "pulse",
		DBPassword: "",
		DBName:     "pulse",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@pulse.local",

		WebhookTimeout: 30,

		ScheduleSweepMinutes: 60,
		DueStepSweepMinutes:  30,
		ExpirySweepMinutes:   24 * 60,

		APIRateLimit: 120,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// AWS delivery config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	}
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	}

	// Sweep cadences
	if m := os.Getenv("SCHEDULE_SWEEP_MINUTES"); m != "" {
		v, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULE_SWEEP_MINUTES: %w", err)
		}
		cfg.ScheduleSweepMinutes = v
	}

	if m := os.Getenv("DUE_STEP_SWEEP_MINUTES"); m != "" {
		v, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("invalid DUE_STEP_SWEEP_MINUTES: %w", err)
		}
		cfg.DueStepSweepMinutes = v
	}

	if m := os.Getenv("EXPIRY_SWEEP_MINUTES"); m != "" {
		v, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("invalid EXPIRY_SWEEP_MINUTES: %w", err)
		}
		cfg.ExpirySweepMinutes = v
	}

	if limit := os.Getenv("API_RATE_LIMIT"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_LIMIT: %w", err)
		}
		cfg.APIRateLimit = v
	}

	return cfg, nil
}
