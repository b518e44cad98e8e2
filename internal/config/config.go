// Package config handles configuration loading and validation. Settings
// come from a YAML file with ${ENV} expansion; the operational variables
// named in the deployment contract override the file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Broker     BrokerConfig     `yaml:"broker"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Timing     TimingConfig     `yaml:"timing"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// AppConfig contains account-level settings.
type AppConfig struct {
	AccountID      string `yaml:"account_id"`
	TradingEnable  bool   `yaml:"trading_enable"`
	DailyCleanTime string `yaml:"daily_clean_time"` // HH:MM local
	TradeStart     string `yaml:"trade_start"`      // HH:MM local
	TradeEnd       string `yaml:"trade_end"`        // HH:MM local
}

// BrokerConfig selects and configures the broker adapter.
type BrokerConfig struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	WSBaseURL string `yaml:"ws_base_url"`
	SSLVerify bool   `yaml:"ssl_verify"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	RetryCap  int    `yaml:"retry_cap"`
}

// ServerConfig configures the client channel listener.
type ServerConfig struct {
	Port       int `yaml:"port"`
	MaxClients int `yaml:"max_clients"`
}

// DatabaseConfig configures the persistence store.
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	Hostname string `yaml:"hostname"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// LoggingConfig configures logging and the fluentd shipper.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	QueryLogging  bool   `yaml:"query_logging"`
	FluentdEnable bool   `yaml:"fluentd_enable"`
	FluentdHost   string `yaml:"fluentd_host"`
	FluentdPort   int    `yaml:"fluentd_port"`
	FluentdLevel  string `yaml:"fluentd_level"`
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// TimingConfig contains engine timing parameters, in seconds unless noted.
type TimingConfig struct {
	LoopInterval         int `yaml:"loop_interval_ms"`
	SubmitTimeout        int `yaml:"submit_timeout"`
	PortfolioRefresh     int `yaml:"portfolio_refresh"`
	AccountRefresh       int `yaml:"account_refresh"`
	ShutdownDeadline     int `yaml:"shutdown_deadline"`
	ActionTimeout        int `yaml:"action_timeout"`
	MaxOrderSubmitTime   int `yaml:"max_order_submit_time"`
	OrderSubmitRetryWait int `yaml:"order_submit_retry_wait"`
}

// StrategyConfig is one strategy instance binding.
type StrategyConfig struct {
	ID              string                 `yaml:"id"`
	Name            string                 `yaml:"name"`
	Instrument      string                 `yaml:"instrument"`
	Timeframe       int64                  `yaml:"timeframe"`        // strategy-native, seconds
	BrokerTimeframe int64                  `yaml:"broker_timeframe"` // broker-native, seconds
	EvaluatePartial bool                   `yaml:"evaluate_partial"`
	Params          map[string]interface{} `yaml:"params"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// LoadConfig loads configuration from a YAML file, expands ${ENV}
// references, applies environment overrides and validates the result.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		App: AppConfig{
			TradingEnable:  true,
			DailyCleanTime: "23:45",
			TradeStart:     "08:00",
			TradeEnd:       "22:00",
		},
		Broker: BrokerConfig{
			Name:      "paper",
			SSLVerify: true,
			RetryCap:  10,
		},
		Server:   ServerConfig{Port: 2260, MaxClients: 10},
		Database: DatabaseConfig{Path: "maotrade.db"},
		Logging:  LoggingConfig{Level: "INFO", FluentdPort: 24224},
		Telemetry: TelemetryConfig{
			MetricsPort: 9105,
		},
		Timing: TimingConfig{
			LoopInterval:         250,
			SubmitTimeout:        30,
			PortfolioRefresh:     30,
			AccountRefresh:       300,
			ShutdownDeadline:     30,
			ActionTimeout:        600,
			MaxOrderSubmitTime:   120,
			OrderSubmitRetryWait: 30,
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_QUERY"); v != "" {
		c.Logging.QueryLogging = parseBool(v)
	}
	if v := os.Getenv("TRADING_ENABLE"); v != "" {
		c.App.TradingEnable = parseBool(v)
	}
	if v := os.Getenv("DAILY_CLEAN_TIME"); v != "" {
		c.App.DailyCleanTime = v
	}
	if v := os.Getenv("FLUENTD_ENABLE"); v != "" {
		c.Logging.FluentdEnable = parseBool(v)
	}
	if v := os.Getenv("FLUENTD_HOST"); v != "" {
		c.Logging.FluentdHost = v
	}
	if v := os.Getenv("FLUENTD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Logging.FluentdPort = port
		}
	}
	if v := os.Getenv("FLUENTD_LEVEL"); v != "" {
		c.Logging.FluentdLevel = v
	}
	if v := os.Getenv("WS_BASEURL"); v != "" {
		c.Broker.WSBaseURL = v
	}
	if v := os.Getenv("WS_SSL_VERIFY"); v != "" {
		c.Broker.SSLVerify = parseBool(v)
	}
	if v := os.Getenv("DB_HOSTNAME"); v != "" {
		c.Database.Hostname = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Name = v
		c.Database.Path = v + ".db"
	}
	if v := os.Getenv("ACCOUNT_ID"); v != "" {
		c.App.AccountID = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "y":
		return true
	default:
		return false
	}
}

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.App.AccountID == "" {
		return ValidationError{"app.account_id", "", "account id is required"}
	}
	if _, err := ParseClock(c.App.DailyCleanTime); err != nil {
		return ValidationError{"app.daily_clean_time", c.App.DailyCleanTime, err.Error()}
	}
	if _, err := ParseClock(c.App.TradeStart); err != nil {
		return ValidationError{"app.trade_start", c.App.TradeStart, err.Error()}
	}
	if _, err := ParseClock(c.App.TradeEnd); err != nil {
		return ValidationError{"app.trade_end", c.App.TradeEnd, err.Error()}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return ValidationError{"server.port", c.Server.Port, "port out of range"}
	}
	if c.Server.MaxClients <= 0 || c.Server.MaxClients > 100 {
		return ValidationError{"server.max_clients", c.Server.MaxClients, "must be in 1..100"}
	}
	if c.Broker.Name == "" {
		return ValidationError{"broker.name", "", "broker name is required"}
	}
	if c.Broker.RetryCap <= 0 {
		return ValidationError{"broker.retry_cap", c.Broker.RetryCap, "must be positive"}
	}
	if c.Database.Path == "" {
		return ValidationError{"database.path", "", "database path is required"}
	}
	seen := make(map[string]bool, len(c.Strategies))
	for i, sc := range c.Strategies {
		field := fmt.Sprintf("strategies[%d]", i)
		if sc.ID == "" {
			return ValidationError{field + ".id", "", "strategy id is required"}
		}
		if seen[sc.ID] {
			return ValidationError{field + ".id", sc.ID, "duplicate strategy id"}
		}
		seen[sc.ID] = true
		if sc.Name == "" {
			return ValidationError{field + ".name", "", "strategy name is required"}
		}
		if sc.Instrument == "" {
			return ValidationError{field + ".instrument", "", "instrument is required"}
		}
		if sc.Timeframe <= 0 || sc.BrokerTimeframe <= 0 {
			return ValidationError{field + ".timeframe", sc.Timeframe, "timeframes must be positive"}
		}
		if sc.Timeframe%sc.BrokerTimeframe != 0 {
			return ValidationError{field + ".timeframe", sc.Timeframe,
				"strategy timeframe must be a multiple of the broker timeframe"}
		}
	}
	return nil
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses an HH:MM string.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// Minutes returns the clock as minutes after midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// At anchors the clock on the given date in its location.
func (c Clock) At(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}
