package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/pkg/errors"

	"github.com/Antonite/plato_rl/config"
)

const (
	latestKey      = "weights::latest"
	mirrorAttempts = 20
)

// MirrorDocument is the Couchbase copy of the latest portable artifact
type MirrorDocument struct {
	RunID   string `json:"run_id"`
	Updates uint64 `json:"updates"`
	SavedAt int64  `json:"saved_at"`
	Weights []byte `json:"weights"`
}

// CouchbaseMirror replicates published weights to a Couchbase collection so
// clients outside this host can fetch them without the HTTP publisher.
type CouchbaseMirror struct {
	cluster    *gocb.Cluster
	collection *gocb.Collection
	runID      string
	timeout    time.Duration
	log        *slog.Logger
}

// ConnectCouchbase opens the cluster and waits for the bucket to be ready
func ConnectCouchbase(cfg config.MirrorConfig, runID string, logger *slog.Logger) (*CouchbaseMirror, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cluster, err := gocb.Connect(
		cfg.Connection,
		gocb.ClusterOptions{
			Username:             cfg.Username,
			Password:             cfg.Password,
			CircuitBreakerConfig: gocb.CircuitBreakerConfig{Disabled: true},
		})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", cfg.Connection)
	}

	bucket := cluster.Bucket(cfg.Bucket)
	if err := bucket.WaitUntilReady(cfg.Timeout, nil); err != nil {
		_ = cluster.Close(nil)
		return nil, errors.Wrapf(err, "bucket %s not ready", cfg.Bucket)
	}

	return &CouchbaseMirror{
		cluster:    cluster,
		collection: bucket.Scope(cfg.Scope).Collection(cfg.Collection),
		runID:      runID,
		timeout:    cfg.Timeout,
		log:        logger.With("component", "mirror"),
	}, nil
}

// Publish upserts the latest weights, retrying with a linear backoff
func (m *CouchbaseMirror) Publish(ctx context.Context, updates uint64, weights []byte) error {
	doc := &MirrorDocument{
		RunID:   m.runID,
		Updates: updates,
		SavedAt: time.Now().UnixMilli(),
		Weights: weights,
	}

	var err error
	for retries := 1; retries <= mirrorAttempts; retries++ {
		_, err = m.collection.Upsert(latestKey, doc, &gocb.UpsertOptions{Timeout: m.timeout})
		if err == nil {
			m.log.Debug("mirrored checkpoint", "updates", updates, "attempts", retries)
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "mirror cancelled after %d attempts", retries)
		case <-time.After(time.Millisecond * 100 * time.Duration(retries)):
		}
	}

	return errors.Wrapf(err, "failed to mirror checkpoint after %d attempts", mirrorAttempts)
}

func (m *CouchbaseMirror) Close() error {
	return m.cluster.Close(nil)
}
