package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseAppConfig(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		expectErr bool
		check     func(t *testing.T, conf AppConfig)
	}{
		{
			name: "fills defaults",
			yaml: `
workspace:
  engine: sqlite
  dsn: workspace.db
`,
			check: func(t *testing.T, conf AppConfig) {
				assert.Equal(t, "Base_Data", conf.BaseDataset)
				assert.Equal(t, []string{"Employee", "Student"}, conf.Categories)
				assert.Equal(t, FieldConfig{Lon: "LON", Lat: "LAT", RiderType: "rider_type", Count: "count"}, conf.Fields)
				assert.Equal(t, "info", conf.Log.Level)
				assert.False(t, conf.Overwrite)
			},
		},
		{
			name: "keeps explicit values",
			yaml: `
workspace:
  engine: postgis
  dsn: postgres://localhost/gis
baseDataset: Base
categories: [Faculty]
overwrite: true
fields:
  lon: X
  lat: Y
archive:
  bucket: ridership
  prefix: monthly
kafka:
  address: localhost:9092
  topic: stop-usage
log:
  level: debug
  development: true
`,
			check: func(t *testing.T, conf AppConfig) {
				assert.Equal(t, "Base", conf.BaseDataset)
				assert.Equal(t, []string{"Faculty"}, conf.Categories)
				assert.True(t, conf.Overwrite)
				assert.Equal(t, "X", conf.Fields.Lon)
				assert.Equal(t, "rider_type", conf.Fields.RiderType)
				assert.Equal(t, ArchiveConfig{Bucket: "ridership", Prefix: "monthly"}, conf.Archive)
				assert.Equal(t, "stop-usage", conf.Kafka.Topic)
				assert.True(t, conf.Log.Development)
			},
		},
		{
			name:      "unknown engine",
			yaml:      "workspace: {engine: shapefile, dsn: x}",
			expectErr: true,
		},
		{
			name:      "missing dsn",
			yaml:      "workspace: {engine: sqlite}",
			expectErr: true,
		},
		{
			name:      "kafka without topic",
			yaml:      "workspace: {engine: sqlite, dsn: x}\nkafka: {address: localhost:9092}",
			expectErr: true,
		},
		{
			name:      "empty category",
			yaml:      "workspace: {engine: sqlite, dsn: x}\ncategories: [Employee, '']",
			expectErr: true,
		},
		{
			name:      "bad log level",
			yaml:      "workspace: {engine: sqlite, dsn: x}\nlog: {level: loud}",
			expectErr: true,
		},
		{
			name:      "not yaml",
			yaml:      "workspace: [",
			expectErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("STOP_USAGE_WORKSPACE_DSN", "")
			t.Setenv("STOP_USAGE_LOG_LEVEL", "")

			conf, err := ParseAppConfig([]byte(tc.yaml))
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, conf)
		})
	}
}

func TestParseAppConfig_environment(t *testing.T) {
	t.Setenv("STOP_USAGE_WORKSPACE_DSN", "postgres://db/gis")
	t.Setenv("STOP_USAGE_LOG_LEVEL", "warn")

	conf, err := ParseAppConfig([]byte("workspace: {engine: postgis}"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/gis", conf.Workspace.DSN)
	assert.Equal(t, "warn", conf.Log.Level)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger(LogConfig{Level: "error"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}
