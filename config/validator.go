package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Validate checks the configuration and fills in derived defaults
func Validate(cfg *Config) error {
	if cfg.Model.StateDims <= 0 {
		return errors.New("model.state_dims must be > 0")
	}
	if cfg.Model.ActionDims <= 0 || cfg.Model.ActionDims > 256 {
		return errors.New("model.action_dims must be in [1, 256]")
	}
	if cfg.Model.HiddenDims <= 0 {
		return errors.New("model.hidden_dims must be > 0")
	}

	if cfg.Training.LearningRate <= 0 {
		return errors.New("training.learning_rate must be > 0")
	}
	if cfg.Training.Discount <= 0 || cfg.Training.Discount > 1 {
		return errors.New("training.discount must be in (0, 1]")
	}
	if cfg.Training.BatchSize <= 0 {
		return errors.New("training.batch_size must be > 0")
	}
	if cfg.Training.ReplayCapacity <= 0 {
		return errors.New("training.replay_capacity must be > 0")
	}
	if cfg.Training.BatchSize > cfg.Training.ReplayCapacity {
		return errors.Errorf("training.batch_size (%d) exceeds training.replay_capacity (%d)",
			cfg.Training.BatchSize, cfg.Training.ReplayCapacity)
	}

	if cfg.Ingest.Address == "" {
		return errors.New("ingest.address is required")
	}
	if cfg.Ingest.PollInterval <= 0 {
		cfg.Ingest.PollInterval = time.Second
	}
	if cfg.Publisher.Address == "" {
		return errors.New("publisher.address is required")
	}
	if cfg.Publisher.ShutdownTimeout <= 0 {
		cfg.Publisher.ShutdownTimeout = 5 * time.Second
	}

	if cfg.Checkpoint.Dir == "" || cfg.Checkpoint.Name == "" {
		return errors.New("checkpoint.dir and checkpoint.name are required")
	}

	if cfg.Mirror.Enabled {
		if cfg.Mirror.Connection == "" || cfg.Mirror.Bucket == "" {
			return errors.New("mirror.connection and mirror.bucket are required when the mirror is enabled")
		}
		if cfg.Mirror.Scope == "" {
			cfg.Mirror.Scope = "_default"
		}
		if cfg.Mirror.Collection == "" {
			cfg.Mirror.Collection = "_default"
		}
		if cfg.Mirror.Timeout <= 0 {
			cfg.Mirror.Timeout = 5 * time.Second
		}
	}

	if cfg.Metrics.QueueDepth <= 0 {
		return errors.New("metrics.queue_depth must be > 0")
	}
	if cfg.Metrics.FlushEvery <= 0 {
		cfg.Metrics.FlushEvery = 50
	}
	if cfg.Metrics.MQTT.Broker != "" && cfg.Metrics.MQTT.Topic == "" {
		cfg.Metrics.MQTT.Topic = "plato/metrics"
	}
	if cfg.Metrics.MQTT.QoS > 2 {
		return errors.New("metrics.mqtt.qos must be 0, 1 or 2")
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return errors.Errorf("log.format %q must be text or json", cfg.Log.Format)
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}

	return nil
}

// ParseLevel maps a config level name to a slog level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.Errorf("log.level %q is not one of debug, info, warn, error", level)
	}
}
