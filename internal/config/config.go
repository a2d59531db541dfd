package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environments accepted by the service.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	Server      struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`
	CORS struct {
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`
	LLM struct {
		Provider string `mapstructure:"provider"`
		Model    string `mapstructure:"model"`
		APIKey   string `mapstructure:"api_key"`
		BaseURL  string `mapstructure:"base_url"`
	} `mapstructure:"llm"`
	Tableau struct {
		ServerURL  string `mapstructure:"server_url"`
		SiteID     string `mapstructure:"site_id"`
		TokenName  string `mapstructure:"token_name"`
		TokenValue string `mapstructure:"token_value"`
		APIVersion string `mapstructure:"api_version"`
	} `mapstructure:"tableau"`
	Agent struct {
		MaxIterations int `mapstructure:"max_iterations"`
		MaxRows       int `mapstructure:"max_rows"`
		ExecTimeout   int `mapstructure:"exec_timeout"`
		ToolRounds    int `mapstructure:"tool_rounds"`
	} `mapstructure:"agent"`
	Stream struct {
		HeartbeatInterval int `mapstructure:"heartbeat_interval"`
	} `mapstructure:"stream"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Auth struct {
		Issuer    string `mapstructure:"issuer"`
		Audience  string `mapstructure:"audience"`
		DevBypass bool   `mapstructure:"dev_bypass"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable   bool   `mapstructure:"enable"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`

	// ConfigFile is the yaml file that was read, empty when none was found.
	ConfigFile string `mapstructure:"-"`
}

var defaults = map[string]any{
	"environment":               EnvDevelopment,
	"log_level":                 "info",
	"server.host":               "0.0.0.0",
	"server.port":               8000,
	"cors.origins":              []string{"http://localhost:3000"},
	"llm.provider":              "openai",
	"llm.model":                 "gpt-4o",
	"llm.api_key":               "",
	"llm.base_url":              "",
	"tableau.server_url":        "",
	"tableau.site_id":           "",
	"tableau.token_name":        "",
	"tableau.token_value":       "",
	"tableau.api_version":       "3.21",
	"agent.max_iterations":      3,
	"agent.max_rows":            50,
	"agent.exec_timeout":        30,
	"agent.tool_rounds":         5,
	"stream.heartbeat_interval": 15,
	"db.host":                   "",
	"db.port":                   5432,
	"db.user":                   "",
	"db.password":               "",
	"db.name":                   "",
	"db.sslmode":                "disable",
	"auth.issuer":               "",
	"auth.audience":             "",
	"auth.dev_bypass":           false,
	"tls.enable":                false,
	"tls.cert_file":             "",
	"tls.key_file":              "",
}

// LoadConfig loads the configuration from an optional .env file, an optional
// config.yaml and the environment, then validates it.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// normalize trims values users commonly paste with stray whitespace or
// trailing slashes.
func (c *Config) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	c.Tableau.ServerURL = strings.TrimRight(strings.TrimSpace(c.Tableau.ServerURL), "/")
	c.Auth.Issuer = strings.TrimRight(strings.TrimSpace(c.Auth.Issuer), "/")

	// Origins from the environment arrive comma separated.
	var origins []string
	for _, o := range c.CORS.Origins {
		for _, p := range strings.Split(o, ",") {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
	}
	c.CORS.Origins = origins
}

// Validate checks every bounded setting and returns the first violation.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("invalid environment %q: must be development, staging or production", c.Environment)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("invalid llm.provider %q: must be openai or anthropic", c.LLM.Provider)
	}

	checks := []struct {
		key      string
		value    int
		min, max int
	}{
		{"server.port", c.Server.Port, 1, 65535},
		{"agent.max_iterations", c.Agent.MaxIterations, 1, 5},
		{"agent.max_rows", c.Agent.MaxRows, 10, 500},
		{"agent.exec_timeout", c.Agent.ExecTimeout, 5, 120},
		{"agent.tool_rounds", c.Agent.ToolRounds, 1, 10},
		{"stream.heartbeat_interval", c.Stream.HeartbeatInterval, 5, 60},
	}
	for _, chk := range checks {
		if chk.value < chk.min || chk.value > chk.max {
			return fmt.Errorf("invalid %s %d: must be between %d and %d", chk.key, chk.value, chk.min, chk.max)
		}
	}

	if c.TLS.Enable && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("tls.enable requires tls.cert_file and tls.key_file")
	}
	return nil
}

// IsProduction reports whether internal error detail must be hidden.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// ExecTimeout returns the sandbox deadline.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Agent.ExecTimeout) * time.Second
}

// HeartbeatInterval returns the stream idle interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Stream.HeartbeatInterval) * time.Second
}

// DatabaseEnabled reports whether the run ledger has a database to write to.
func (c *Config) DatabaseEnabled() bool {
	return c.DB.Host != ""
}

// DSN builds the pgx connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
