package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete training backend configuration
type Config struct {
	Model      ModelConfig      `yaml:"model"`
	Training   TrainingConfig   `yaml:"training"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// ModelConfig describes the approximator shape
type ModelConfig struct {
	StateDims  int   `yaml:"state_dims"`
	ActionDims int   `yaml:"action_dims"`
	HiddenDims int   `yaml:"hidden_dims"`
	Seed       int64 `yaml:"seed"` // 0 picks a time based seed
}

// TrainingConfig contains learner hyperparameters
type TrainingConfig struct {
	LearningRate   float64 `yaml:"learning_rate"`
	Discount       float64 `yaml:"discount"`
	BatchSize      int     `yaml:"batch_size"`
	ReplayCapacity int     `yaml:"replay_capacity"`
	SaveFrequency  int     `yaml:"save_frequency"` // <= 0 disables periodic saves
}

// IngestConfig contains the UDP listener settings
type IngestConfig struct {
	Address      string            `yaml:"address"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	ReadBuffer   datasize.ByteSize `yaml:"read_buffer"` // 0 keeps the OS default
}

// PublisherConfig contains the weight HTTP server settings
type PublisherConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CheckpointConfig locates the checkpoint artifacts
type CheckpointConfig struct {
	Dir  string `yaml:"dir"`
	Name string `yaml:"name"`
}

// MirrorConfig configures the optional Couchbase replica of published weights
type MirrorConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Connection string        `yaml:"connection"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	Bucket     string        `yaml:"bucket"`
	Scope      string        `yaml:"scope"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MetricsConfig configures the telemetry sink
type MetricsConfig struct {
	Dir            string        `yaml:"dir"`
	QueueDepth     int           `yaml:"queue_depth"`
	FlushEvery     int           `yaml:"flush_every"`
	StatusInterval time.Duration `yaml:"status_interval"` // <= 0 disables the status log
	MQTT           MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig enables publishing metrics to a broker when Broker is set
type MQTTConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
	QoS    byte   `yaml:"qos"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns the configuration used when no file overrides a field
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			StateDims:  8,
			ActionDims: 6,
			HiddenDims: 32,
		},
		Training: TrainingConfig{
			LearningRate:   1e-4,
			Discount:       0.99,
			BatchSize:      32,
			ReplayCapacity: 10000,
			SaveFrequency:  1000,
		},
		Ingest: IngestConfig{
			Address:      "127.0.0.1:8000",
			PollInterval: time.Second,
		},
		Publisher: PublisherConfig{
			Address:         "127.0.0.1:8001",
			ShutdownTimeout: 5 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Dir:  "networks",
			Name: "network_weights",
		},
		Mirror: MirrorConfig{
			Bucket:  "plato",
			Scope:   "_default",
			Timeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Dir:            filepath.Join(os.TempDir(), "plato_logs"),
			QueueDepth:     1000,
			FlushEvery:     50,
			StatusInterval: time.Minute,
			MQTT: MQTTConfig{
				Topic: "plato/metrics",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file on top of Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config")
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}
