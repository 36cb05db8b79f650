package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Values are primarily loaded from environment variables with defaults that
// let the binary run locally with in-memory storage.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string

	PGDSN string

	DispatchInterval    time.Duration
	DispatchMaxAttempts int
	ZoneRadiusKm        float64
	EligibilityRadiusKm float64

	PickupCodeTTL            time.Duration
	PickupRadiusM            float64
	PickupMaxAttempts        int
	PickupAttemptWindow      time.Duration
	RedispatchOnDriverCancel bool

	OSRMURL     string
	ETASpeedMps float64

	PushEndpoint string
	PushKey      string

	StripeAPIKey    string
	PaymentCurrency string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                 ":8080",
		ReadTimeout:              5 * time.Second,
		WriteTimeout:             10 * time.Second,
		IdleTimeout:              120 * time.Second,
		ShutdownTimeout:          15 * time.Second,
		RedisGeoKey:              "drivers_geo",
		KafkaLocationTopic:       "driver-locations",
		KafkaEventTopic:          "ride-events",
		DispatchInterval:         10 * time.Second,
		DispatchMaxAttempts:      20,
		ZoneRadiusKm:             60,
		EligibilityRadiusKm:      10,
		PickupCodeTTL:            10 * time.Minute,
		PickupRadiusM:            100,
		PickupMaxAttempts:        5,
		PickupAttemptWindow:      10 * time.Minute,
		RedispatchOnDriverCancel: true,
		ETASpeedMps:              10,
		PaymentCurrency:          "inr",
		LogLevel:                 "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.DispatchInterval, "DISPATCH_INTERVAL", &errs)
	setIntFromEnv(&cfg.DispatchMaxAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)
	setFloatFromEnv(&cfg.ZoneRadiusKm, "ZONE_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.EligibilityRadiusKm, "ELIGIBILITY_RADIUS_KM", &errs)

	setDurationFromEnv(&cfg.PickupCodeTTL, "PICKUP_CODE_TTL", &errs)
	setFloatFromEnv(&cfg.PickupRadiusM, "PICKUP_RADIUS_M", &errs)
	setIntFromEnv(&cfg.PickupMaxAttempts, "PICKUP_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.PickupAttemptWindow, "PICKUP_ATTEMPT_WINDOW", &errs)
	setBoolFromEnv(&cfg.RedispatchOnDriverCancel, "REDISPATCH_ON_DRIVER_CANCEL", &errs)

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setFloatFromEnv(&cfg.ETASpeedMps, "ETA_SPEED_MPS", &errs)

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	return cfg, errors.Join(append(errs, cfg.Validate())...)
}

// Validate checks values that would make the dispatch loop misbehave.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.DispatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_INTERVAL must be > 0"))
	}
	if c.DispatchMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if c.EligibilityRadiusKm <= 0 || c.ZoneRadiusKm < c.EligibilityRadiusKm {
		errs = append(errs, fmt.Errorf("radii must satisfy 0 < ELIGIBILITY_RADIUS_KM <= ZONE_RADIUS_KM"))
	}
	if c.PickupMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("PICKUP_MAX_ATTEMPTS must be > 0"))
	}
	if c.ETASpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ETA_SPEED_MPS must be > 0"))
	}
	return errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
