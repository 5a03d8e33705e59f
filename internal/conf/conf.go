// Package conf loads service settings from config file, environment and
// defaults, in that order of precedence.
package conf

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the full service configuration.
type Settings struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Paths struct {
		Models  string `mapstructure:"models"`
		Data    string `mapstructure:"data"`
		Logs    string `mapstructure:"logs"`
		Uploads string `mapstructure:"uploads"`
	} `mapstructure:"paths"`

	Model struct {
		DefaultName string `mapstructure:"default_name"`
		// ONNXLibrary optionally points at the onnxruntime shared library
		// when it is not on the default loader path.
		ONNXLibrary string `mapstructure:"onnx_library"`
	} `mapstructure:"model"`

	Image struct {
		// MaxSize caps uploaded image payloads, in bytes.
		MaxSize int `mapstructure:"max_size"`
	} `mapstructure:"image"`

	Recognition struct {
		ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
		// CacheTTLSeconds bounds how long identical uploads are answered
		// from cache. Zero disables the cache.
		CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
	} `mapstructure:"recognition"`

	Training struct {
		// Command is the external trainer argv, e.g.
		// ["python3", "scripts/train_mnist.py"].
		Command      []string `mapstructure:"command"`
		Epochs       int      `mapstructure:"epochs"`
		BatchSize    int      `mapstructure:"batch_size"`
		LearningRate float64  `mapstructure:"learning_rate"`
	} `mapstructure:"training"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)

	v.SetDefault("paths.models", "models")
	v.SetDefault("paths.data", "data")
	v.SetDefault("paths.logs", "logs")
	v.SetDefault("paths.uploads", "uploads")

	v.SetDefault("model.default_name", "default_cnn_v1.0.0.onnx")
	v.SetDefault("model.onnx_library", "")

	v.SetDefault("image.max_size", 5*1024*1024)

	v.SetDefault("recognition.confidence_threshold", 0.8)
	v.SetDefault("recognition.cache_ttl_seconds", 300)

	v.SetDefault("training.command", []string{})
	v.SetDefault("training.epochs", 10)
	v.SetDefault("training.batch_size", 128)
	v.SetDefault("training.learning_rate", 0.001)

	v.SetDefault("database.path", "data/digitserver.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("metrics.enabled", true)
}

// Load reads config.yaml from the working directory or ./config, applies
// DIGITSERVER_* environment overrides, and creates the configured
// directories. A missing config file is fine; defaults cover everything.
func Load() (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("DIGITSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("conf: reading config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("conf: unmarshaling settings: %w", err)
	}

	if err := s.ensureDirectories(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ensureDirectories creates the model, data, log and upload directories.
func (s *Settings) ensureDirectories() error {
	for _, dir := range []string{s.Paths.Models, s.Paths.Data, s.Paths.Logs, s.Paths.Uploads} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("conf: creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Server.Host, s.Server.Port)
}
