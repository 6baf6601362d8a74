/**
 * @description
 * This package handles the configuration management for the billing-service. It
 * uses the Viper library to read configuration from environment variables (or a
 * local .env file), including the externally supplied business tables: the
 * price-id to plan mapping and the credit-pack classification rules. Those live
 * in configuration, not code, so plan changes do not require a deployment.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the billing-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	BillingWebhookSecret      string `mapstructure:"BILLING_WEBHOOK_SECRET"`
	SignatureToleranceSeconds int    `mapstructure:"SIGNATURE_TOLERANCE_SECONDS"`
	RequestTimeoutSeconds     int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	PlanPriceMap              string `mapstructure:"PLAN_PRICE_MAP"`
	CreditPackPriceMap        string `mapstructure:"CREDIT_PACK_PRICE_MAP"`
	OneTimePlanPriceMap       string `mapstructure:"ONE_TIME_PLAN_PRICE_MAP"`
	OneTimePlanDays           int    `mapstructure:"ONE_TIME_PLAN_DAYS"`
	DedupCacheTTLMinutes      int    `mapstructure:"DEDUP_CACHE_TTL_MINUTES"`
	EntitlementSweepSchedule  string `mapstructure:"ENTITLEMENT_SWEEP_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values. SERVER_PORT has no viper default on purpose: it is
	// resolved after Unmarshal so a platform-injected PORT can take effect.
	viper.SetDefault("SIGNATURE_TOLERANCE_SECONDS", 300)
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	viper.SetDefault("ONE_TIME_PLAN_DAYS", 30)
	viper.SetDefault("DEDUP_CACHE_TTL_MINUTES", 1440)
	viper.SetDefault("ENTITLEMENT_SWEEP_SCHEDULE", "*/15 * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "BILLING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("BILLING_WEBHOOK_SECRET")
	_ = viper.BindEnv("SIGNATURE_TOLERANCE_SECONDS")
	_ = viper.BindEnv("REQUEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PLAN_PRICE_MAP")
	_ = viper.BindEnv("CREDIT_PACK_PRICE_MAP")
	_ = viper.BindEnv("ONE_TIME_PLAN_PRICE_MAP")
	_ = viper.BindEnv("ONE_TIME_PLAN_DAYS")
	_ = viper.BindEnv("DEDUP_CACHE_TTL_MINUTES")
	_ = viper.BindEnv("ENTITLEMENT_SWEEP_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	// Railway-style platforms inject PORT; prefer it when SERVER_PORT is unset.
	if strings.TrimSpace(config.ServerPort) == "" {
		if port := strings.TrimSpace(viper.GetString("PORT")); port != "" {
			config.ServerPort = port
		} else {
			config.ServerPort = "8084"
		}
	}

	return
}

// ParsePlanMapping parses a "price_id:plan,price_id:plan" mapping table into a
// lookup map. Empty input yields an empty (non-nil) map.
func ParsePlanMapping(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitPairs(raw) {
		priceID, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		out[priceID] = value
	}
	return out, nil
}

// ParseCreditPackMapping parses a "price_id:credits" mapping table where the
// value is the integer credit quantity granted by the pack.
func ParseCreditPackMapping(raw string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, pair := range splitPairs(raw) {
		priceID, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		credits, err := strconv.ParseInt(value, 10, 64)
		if err != nil || credits <= 0 {
			return nil, fmt.Errorf("invalid credit quantity %q for price %q", value, priceID)
		}
		out[priceID] = credits
	}
	return out, nil
}

func splitPairs(raw string) []string {
	var pairs []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			pairs = append(pairs, trimmed)
		}
	}
	return pairs
}

func splitPair(pair string) (string, string, error) {
	idx := strings.Index(pair, ":")
	if idx <= 0 || idx == len(pair)-1 {
		return "", "", fmt.Errorf("invalid mapping entry %q, expected \"price_id:value\"", pair)
	}
	return strings.TrimSpace(pair[:idx]), strings.TrimSpace(pair[idx+1:]), nil
}
