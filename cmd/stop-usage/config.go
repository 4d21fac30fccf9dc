package main

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseDataset = "Base_Data"
	DefaultConfigPath  = "stop-usage.yml"
)

var DefaultCategories = []string{"Employee", "Student"}

type AppConfig struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	// BaseDataset holds Stops_<YYYY> and Thiessen_<YYYY>.
	BaseDataset string `yaml:"baseDataset"`
	// Fields names the rider table columns.
	Fields FieldConfig `yaml:"fields"`
	// Categories are the rider_type values split into separate outputs.
	Categories []string `yaml:"categories" validate:"omitempty,dive,required"`
	// Overwrite rebuilds the month's outputs instead of skipping them.
	Overwrite bool                 `yaml:"overwrite"`
	Source    SourceAuthentication `yaml:"source"`
	Archive   ArchiveConfig        `yaml:"archive"`
	Kafka     KafkaConfig          `yaml:"kafka"`
	Log       LogConfig            `yaml:"log"`
}

type WorkspaceConfig struct {
	Engine string `yaml:"engine" validate:"required,oneof=sqlite postgis"`
	DSN    string `yaml:"dsn" validate:"required"` // DSN is a sqlite file path or a postgres connection string
}

type FieldConfig struct {
	Lon       string `yaml:"lon"`
	Lat       string `yaml:"lat"`
	RiderType string `yaml:"riderType"`
	Count     string `yaml:"count"`
}

// SourceAuthentication is sent with every table downloaded over HTTP.
type SourceAuthentication struct {
	Headers    map[string]string `yaml:"headers"`
	Parameters map[string]string `yaml:"parameters"`
}

// ArchiveConfig enables copying each month's rider table to GCS.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// KafkaConfig enables publishing a report after each successful run.
type KafkaConfig struct {
	Address string `yaml:"address"`
	Topic   string `yaml:"topic" validate:"required_with=Address"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// LoadAppConfig reads a YAML config file, applying any .env file and environment overrides.
func LoadAppConfig(path string) (AppConfig, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, errors.Wrap(err, "failed to read config file")
	}

	return ParseAppConfig(b)
}

// ParseAppConfig unmarshals and validates a config, then fills in defaults.
func ParseAppConfig(b []byte) (AppConfig, error) {
	var conf AppConfig
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return AppConfig{}, errors.Wrap(err, "failed to parse config")
	}

	if dsn := os.Getenv("STOP_USAGE_WORKSPACE_DSN"); dsn != "" {
		conf.Workspace.DSN = dsn
	}
	if level := os.Getenv("STOP_USAGE_LOG_LEVEL"); level != "" {
		conf.Log.Level = level
	}

	if err := validator.New().Struct(conf); err != nil {
		return AppConfig{}, errors.Wrap(err, "invalid config")
	}

	conf.applyDefaults()
	return conf, nil
}

func (c *AppConfig) applyDefaults() {
	if c.BaseDataset == "" {
		c.BaseDataset = DefaultBaseDataset
	}
	if len(c.Categories) == 0 {
		c.Categories = append([]string(nil), DefaultCategories...)
	}
	if c.Fields.Lon == "" {
		c.Fields.Lon = "LON"
	}
	if c.Fields.Lat == "" {
		c.Fields.Lat = "LAT"
	}
	if c.Fields.RiderType == "" {
		c.Fields.RiderType = "rider_type"
	}
	if c.Fields.Count == "" {
		c.Fields.Count = "count"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// NewLogger builds the process logger described by the config.
func NewLogger(conf LogConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if conf.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	if conf.Level != "" {
		level, err := zap.ParseAtomicLevel(conf.Level)
		if err != nil {
			return nil, errors.Wrap(err, "invalid log level")
		}
		zapConfig.Level = level
	}

	return zapConfig.Build()
}
