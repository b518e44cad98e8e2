package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const baseConfig = `
app:
  account_id: "ACC-1"
server:
  port: 2260
  max_clients: 5
database:
  path: "test.db"
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, baseConfig))
	require.NoError(t, err)

	assert.Equal(t, "ACC-1", cfg.App.AccountID)
	assert.True(t, cfg.App.TradingEnable)
	assert.Equal(t, "23:45", cfg.App.DailyCleanTime)
	assert.Equal(t, "paper", cfg.Broker.Name)
	assert.Equal(t, 250, cfg.Timing.LoopInterval)
	assert.Equal(t, 30, cfg.Timing.SubmitTimeout)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, 9105, cfg.Telemetry.MetricsPort)
}

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_MT_SECRET", "s3cret")
	content := baseConfig + `
broker:
  name: mtws
  base_url: "https://gw.example.com"
  ws_base_url: "wss://gw.example.com"
  api_key: "key"
  secret_key: "${TEST_MT_SECRET}"
`
	cfg, err := LoadConfig(writeConfig(t, content))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Broker.SecretKey)
}

func TestLoadConfigLeavesUnknownEnvVarLiteral(t *testing.T) {
	content := baseConfig + `
broker:
  name: paper
  secret_key: "${DEFINITELY_NOT_SET_ANYWHERE}"
`
	cfg, err := LoadConfig(writeConfig(t, content))
	require.NoError(t, err)
	assert.Equal(t, "${DEFINITELY_NOT_SET_ANYWHERE}", cfg.Broker.SecretKey)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("TRADING_ENABLE", "false")
	t.Setenv("DAILY_CLEAN_TIME", "22:30")
	t.Setenv("DB_NAME", "override")
	t.Setenv("ACCOUNT_ID", "ACC-ENV")

	cfg, err := LoadConfig(writeConfig(t, baseConfig))
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.False(t, cfg.App.TradingEnable)
	assert.Equal(t, "22:30", cfg.App.DailyCleanTime)
	assert.Equal(t, "override.db", cfg.Database.Path)
	assert.Equal(t, "ACC-ENV", cfg.App.AccountID)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing account", func(c *Config) { c.App.AccountID = "" }, "app.account_id"},
		{"bad clean time", func(c *Config) { c.App.DailyCleanTime = "25:00" }, "app.daily_clean_time"},
		{"bad trade start", func(c *Config) { c.App.TradeStart = "eight" }, "app.trade_start"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"too many clients", func(c *Config) { c.Server.MaxClients = 500 }, "server.max_clients"},
		{"no broker", func(c *Config) { c.Broker.Name = "" }, "broker.name"},
		{"no db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.App.AccountID = "ACC-1"
			tc.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestValidateStrategies(t *testing.T) {
	cfg := Default()
	cfg.App.AccountID = "ACC-1"
	cfg.Strategies = []StrategyConfig{
		{ID: "s1", Name: "sma_cross", Instrument: "EURUSD", Timeframe: 900, BrokerTimeframe: 60},
	}
	require.NoError(t, cfg.Validate())

	// Strategy timeframe must divide evenly into broker bars.
	cfg.Strategies[0].Timeframe = 930
	err := cfg.Validate()
	require.Error(t, err)
	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "strategies[0].timeframe", ve.Field)

	cfg.Strategies[0].Timeframe = 900
	cfg.Strategies = append(cfg.Strategies, StrategyConfig{
		ID: "s1", Name: "sma_cross", Instrument: "GBPUSD", Timeframe: 900, BrokerTimeframe: 60,
	})
	err = cfg.Validate()
	require.Error(t, err)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "strategies[1].id", ve.Field)
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("23:45")
	require.NoError(t, err)
	assert.Equal(t, 23, c.Hour)
	assert.Equal(t, 45, c.Minute)
	assert.Equal(t, 23*60+45, c.Minutes())

	for _, bad := range []string{"", "12", "24:00", "12:60", "a:b", "12:00:00"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, "input %q", bad)
	}
}
