package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string   `mapstructure:"service_name"`
	Env         string   `mapstructure:"env"`
	Port        string   `mapstructure:"port"`
	JWT         JWT      `mapstructure:"jwt"`
	Redis       Redis    `mapstructure:"redis"`
	Services    Services `mapstructure:"services"`
	ProxyTimeS  int      `mapstructure:"proxy_timeout_s"`
}

type JWT struct {
	Secret string `mapstructure:"secret"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Services is the static registry of backend base URLs.
type Services struct {
	AuthURL         string `mapstructure:"auth_url"`
	OrchestratorURL string `mapstructure:"orchestrator_url"`
	PaymentURL      string `mapstructure:"payment_url"`
	FinancingURL    string `mapstructure:"financing_url"`
	InsuranceURL    string `mapstructure:"insurance_url"`
}

func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, fmt.Errorf("unable to get current file")
	}

	configDir := filepath.Join(filepath.Dir(filename))
	viper.SetConfigName(getConfigName())
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	viper.AutomaticEnv()
	viper.SetEnvPrefix("GATEWAY")

	setDefaultsFromEnv()

	err := viper.ReadInConfig()
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	err = viper.Unmarshal(&config)
	if err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaultsFromEnv() {
	viper.SetDefault("service_name", "api-gateway")
	viper.SetDefault("env", getEnv("ENV", "local"))
	viper.SetDefault("port", getEnv("PORT", "8000"))

	viper.SetDefault("jwt.secret", getEnv("JWT_SECRET", "dev-secret"))

	viper.SetDefault("redis.addr", getEnv("REDIS_ADDR", "localhost:6379"))
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("services.auth_url", getEnv("AUTH_SERVICE_URL", "http://localhost:8084"))
	viper.SetDefault("services.orchestrator_url", getEnv("ORCHESTRATOR_URL", "http://localhost:8080"))
	viper.SetDefault("services.payment_url", getEnv("PAYMENT_SERVICE_URL", "http://localhost:8081"))
	viper.SetDefault("services.financing_url", getEnv("FINANCING_SERVICE_URL", "http://localhost:8082"))
	viper.SetDefault("services.insurance_url", getEnv("INSURANCE_SERVICE_URL", "http://localhost:8083"))

	viper.SetDefault("proxy_timeout_s", 30)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ProxyTimeout returns the per-request upstream timeout
func (c *Config) ProxyTimeout() time.Duration {
	return time.Duration(c.ProxyTimeS) * time.Second
}
