package trainer

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Antonite/plato_rl/agent"
	"github.com/Antonite/plato_rl/config"
	"github.com/Antonite/plato_rl/ingest"
	"github.com/Antonite/plato_rl/metrics"
	"github.com/Antonite/plato_rl/qdeepneuro"
	"github.com/Antonite/plato_rl/storage"
)

// Trainer owns everything in the ingest process: the UDP listener, the
// learner and its checkpoint store, and the metrics sink.
type Trainer struct {
	cfg      *config.Config
	store    *storage.CheckpointStore
	mirror   *storage.CouchbaseMirror
	learner  *qdeepneuro.Learner
	episodes *agent.Tracker
	ingest   *ingest.Server
	sink     *metrics.Sink
	writer   metrics.Writer
	log      *slog.Logger
}

// New restores or initializes the checkpoint and binds the ingest socket.
// Every error it returns is fatal at startup.
func New(cfg *config.Config, logger *slog.Logger) (*Trainer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	seed := cfg.Model.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	network, err := qdeepneuro.NewNetwork(qdeepneuro.NetworkConfig{
		StateDims:    cfg.Model.StateDims,
		ActionDims:   cfg.Model.ActionDims,
		HiddenDims:   cfg.Model.HiddenDims,
		LearningRate: cfg.Training.LearningRate,
		MaxGradNorm:  qdeepneuro.DefaultMaxGradNorm,
		Seed:         seed,
	})
	if err != nil {
		return nil, err
	}

	memory, err := qdeepneuro.NewReplayBuffer(cfg.Training.ReplayCapacity, rand.New(rand.NewSource(seed+1)))
	if err != nil {
		return nil, err
	}

	t := &Trainer{cfg: cfg, log: logger}
	paths := storage.NewPaths(cfg.Checkpoint.Dir, cfg.Checkpoint.Name)

	t.store = storage.NewCheckpointStore(paths, nil, logger)
	if cfg.Mirror.Enabled {
		t.mirror, err = storage.ConnectCouchbase(cfg.Mirror, t.store.RunID(), logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect checkpoint mirror")
		}
		t.store.SetMirror(t.mirror)
	}

	updates, err := t.store.LoadOrInit(network)
	if err != nil {
		t.closeMirror()
		return nil, err
	}

	t.writer, err = newWriter(cfg.Metrics, t.store.RunID(), logger)
	if err != nil {
		t.closeMirror()
		return nil, err
	}
	t.sink = metrics.NewSink(t.writer, cfg.Metrics.QueueDepth, cfg.Metrics.FlushEvery, logger)

	t.learner, err = qdeepneuro.NewLearner(qdeepneuro.LearnerConfig{
		Discount:      cfg.Training.Discount,
		BatchSize:     cfg.Training.BatchSize,
		SaveFrequency: cfg.Training.SaveFrequency,
	}, network, memory, t.store, t.sink, updates, logger)
	if err != nil {
		t.closeOutputs()
		return nil, err
	}

	t.episodes = agent.NewTracker(t.sink, logger)
	t.ingest, err = ingest.Listen(cfg.Ingest, cfg.Model.StateDims, t.learner, t.episodes, logger)
	if err != nil {
		t.closeOutputs()
		return nil, err
	}

	logger.Info("trainer ready",
		"updates", updates,
		"run_id", t.store.RunID(),
		"state_dims", cfg.Model.StateDims,
		"action_dims", cfg.Model.ActionDims,
		"batch_size", cfg.Training.BatchSize,
		"replay_capacity", cfg.Training.ReplayCapacity)

	return t, nil
}

func newWriter(cfg config.MetricsConfig, runID string, logger *slog.Logger) (metrics.Writer, error) {
	file, err := metrics.NewFileWriter(cfg.Dir, runID)
	if err != nil {
		return nil, err
	}
	logger.Info("writing metrics", "path", file.Path())

	if cfg.MQTT.Broker == "" {
		return file, nil
	}

	broker, err := metrics.ConnectMQTT(cfg.MQTT, "plato-learner-"+runID, logger)
	if err != nil {
		// metrics are best effort; keep the file writer
		logger.Warn("mqtt metrics disabled", "broker", cfg.MQTT.Broker, "error", err)
		return file, nil
	}
	return metrics.MultiWriter{file, broker}, nil
}

// Addr is the bound UDP address
func (t *Trainer) Addr() string {
	return t.ingest.Addr().String()
}

func (t *Trainer) IngestStats() ingest.Stats {
	return t.ingest.Stats()
}

func (t *Trainer) Store() *storage.CheckpointStore {
	return t.store
}

func (t *Trainer) Learner() *qdeepneuro.Learner {
	return t.learner
}

// Run ingests transitions until ctx is cancelled, then saves the final
// checkpoint and drains the metrics sink.
func (t *Trainer) Run(ctx context.Context) error {
	sinkCtx, stopSink := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = t.sink.Run(sinkCtx)
	}()
	go func() {
		defer wg.Done()
		t.reportStatus(sinkCtx, t.cfg.Metrics.StatusInterval)
	}()

	serveErr := t.ingest.Serve(ctx)
	saveErr := t.learner.Close()

	stopSink()
	wg.Wait()
	t.closeOutputs()

	st := t.sink.Stats()
	t.log.Info("trainer stopped",
		"updates", t.learner.Updates(),
		"metrics_written", st.Written,
		"metrics_dropped", st.Dropped,
		"open_episodes", t.episodes.Active())

	if serveErr != nil {
		return serveErr
	}
	return saveErr
}

func (t *Trainer) closeOutputs() {
	if t.writer != nil {
		if err := t.writer.Close(); err != nil {
			t.log.Error("failed to close metrics writer", "error", err)
		}
	}
	t.closeMirror()
}

func (t *Trainer) closeMirror() {
	if t.mirror != nil {
		if err := t.mirror.Close(); err != nil {
			t.log.Warn("failed to close checkpoint mirror", "error", err)
		}
	}
}
