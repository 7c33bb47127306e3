package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/clinicdesk/libs/config"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/events"
)

const (
	driverMongo    = "mongo"
	driverPostgres = "postgres"
	driverMemory   = "memory"
)

type settings struct {
	Service  string
	Port     string
	LogLevel string

	Driver        string
	MongoURI      string
	MongoDatabase string
	DatabaseURL   string
	AutoMigrate   bool

	RedisAddr          string
	RedisPassword      string
	RateLimitPerMinute int

	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret       string
	CORSOrigins     []string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

func loadSettings() (settings, error) {
	s := settings{
		Service:       config.String("SERVICE_NAME", "clinic-service"),
		LogLevel:      config.String("LOG_LEVEL", "info"),
		Driver:        strings.ToLower(config.String("STORE_DRIVER", driverMongo)),
		MongoURI:      config.String("MONGO_URI", ""),
		MongoDatabase: config.String("MONGO_DATABASE", ""),
		DatabaseURL:   config.String("DATABASE_URL", ""),
		AutoMigrate:   config.Bool("DB_AUTO_MIGRATE", true),
		RedisAddr:     config.String("REDIS_ADDR", ""),
		RedisPassword: config.String("REDIS_PASSWORD", ""),
		KafkaBrokers:  config.List("KAFKA_BROKERS"),
		KafkaTopic:    config.String("KAFKA_TOPIC", events.DefaultTopic),
		JWTSecret:     config.String("JWT_SECRET", ""),
		CORSOrigins:   config.List("CORS_ALLOWED_ORIGINS"),
	}
	var err error
	if s.Port, err = config.Port("PORT", "8080"); err != nil {
		return settings{}, err
	}
	if s.RateLimitPerMinute, err = config.Int("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return settings{}, err
	}
	if s.RequestTimeout, err = config.Duration("REQUEST_TIMEOUT", 15*time.Second); err != nil {
		return settings{}, err
	}
	if s.ShutdownTimeout, err = config.Duration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return settings{}, err
	}
	switch s.Driver {
	case driverMongo, driverPostgres, driverMemory:
	default:
		return settings{}, fmt.Errorf("STORE_DRIVER must be one of mongo, postgres, memory (got %q)", s.Driver)
	}
	return s, nil
}
