package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is prepended to every environment override, e.g.
// HOUSEPRICE_HTTP_PORT or HOUSEPRICE_MODEL_METADATA_PATH. Fields must not
// carry envconfig tags: envconfig falls back to the bare tag, so a field
// tagged PATH would read $PATH.
const EnvPrefix = "HOUSEPRICE"

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Model    ModelConfig    `yaml:"model"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Batch    BatchConfig    `yaml:"batch"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	AllowedOrigins []string      `split_words:"true" yaml:"allowed_origins"`
	MaxUploadBytes int64         `split_words:"true" yaml:"max_upload_bytes" validate:"gt=0"`
}

type ModelConfig struct {
	Type             string `yaml:"type" validate:"oneof=linear_regression linear decision_tree"`
	ModelPath        string `split_words:"true" yaml:"model_path" validate:"required"`
	FeatureNamesPath string `split_words:"true" yaml:"feature_names_path"`
	MetadataPath     string `split_words:"true" yaml:"metadata_path" validate:"required"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=json console"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `split_words:"true" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `split_words:"true" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `split_words:"true" yaml:"max_age_days" validate:"gte=0"`
}

type BatchConfig struct {
	CacheSize int `split_words:"true" yaml:"cache_size" validate:"min=1"`
}

// Default returns the settings used when neither the file nor the
// environment sets a value.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           8080,
			Timeout:        30 * time.Second,
			AllowedOrigins: []string{"*"},
			MaxUploadBytes: 10 << 20,
		},
		Model: ModelConfig{
			Type:             "linear_regression",
			ModelPath:        filepath.Join("model", "linear_model.json"),
			FeatureNamesPath: filepath.Join("model", "feature_names.json"),
			MetadataPath:     filepath.Join("model", "boxcox_metadata.json"),
		},
		Database: DatabaseConfig{Path: "houseprice.db"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Batch:    BatchConfig{CacheSize: 32},
	}
}

// Load reads path (if it exists) over the defaults, applies environment
// overrides and validates the result. Relative artifact paths in the file
// are resolved against the file's directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			cfg.resolvePaths(filepath.Dir(path))
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{
		&c.Model.ModelPath,
		&c.Model.FeatureNamesPath,
		&c.Model.MetadataPath,
		&c.Database.Path,
	} {
		if *p == "" || filepath.IsAbs(*p) || strings.HasPrefix(*p, ":") || strings.HasPrefix(*p, "file:") {
			continue
		}
		*p = filepath.Join(base, *p)
	}
}
