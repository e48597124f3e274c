package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Billing     BillingConfig
	Anomaly     AnomalyConfig
	Tenant      TenantConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL             string
	JobsExchange    string
	JobsQueue       string
	JobsRoutingKey  string
	EventsExchange  string
	EventsRouteBase string
	DLQQueue        string
	PrefetchCount   int
}

// BillingConfig holds invoice and calculation settings
type BillingConfig struct {
	InvoiceDueDays int
	SummerMonths   []int
}

// AnomalyConfig holds consumption spike detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
	HistoryWindow             int
}

// TenantConfig holds the roles allowed to bypass tenant scoping
type TenantConfig struct {
	BypassRoles []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "utility-billing-engine"),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:             getEnv("RABBITMQ_URL", ""),
			JobsExchange:    getEnv("RABBITMQ_JOBS_EXCHANGE", "billing.jobs.exchange"),
			JobsQueue:       getEnv("RABBITMQ_JOBS_QUEUE", "billing.jobs.queue"),
			JobsRoutingKey:  getEnv("RABBITMQ_JOBS_ROUTING_KEY", "billing.job.#"),
			EventsExchange:  getEnv("RABBITMQ_EVENTS_EXCHANGE", "billing.activity.exchange"),
			EventsRouteBase: getEnv("RABBITMQ_EVENTS_ROUTE_BASE", "activity"),
			DLQQueue:        getEnv("RABBITMQ_DLQ_QUEUE", "billing.jobs.dlq"),
			PrefetchCount:   getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Billing: BillingConfig{
			InvoiceDueDays: getEnvAsInt("INVOICE_DUE_DAYS", 14),
			SummerMonths:   getEnvAsIntSlice("BILLING_SUMMER_MONTHS", []int{5, 6, 7, 8, 9}),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
			HistoryWindow:             getEnvAsInt("ANOMALY_HISTORY_WINDOW", 10),
		},
		Tenant: TenantConfig{
			BypassRoles: getEnvAsStringSlice("TENANT_BYPASS_ROLES", []string{"superadmin"}),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	for _, m := range cfg.Billing.SummerMonths {
		if m < 1 || m > 12 {
			return nil, fmt.Errorf("BILLING_SUMMER_MONTHS contains invalid month %d", m)
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsIntSlice(key string, defaultValue []int) []int {
	parts := getEnvAsStringSlice(key, nil)
	if len(parts) == 0 {
		return defaultValue
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return defaultValue
		}
		out = append(out, v)
	}
	return out
}
