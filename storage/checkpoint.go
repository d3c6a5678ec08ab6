package storage

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Mirror receives a copy of every successfully saved portable artifact
type Mirror interface {
	Publish(ctx context.Context, updates uint64, weights []byte) error
}

// CheckpointStore writes and restores the three checkpoint artifacts
// under the shared Lock.
type CheckpointStore struct {
	paths  Paths
	lock   *Lock
	runID  string
	mirror Mirror
	log    *slog.Logger

	LoadTimeout   time.Duration
	SaveTimeout   time.Duration
	MirrorTimeout time.Duration
}

// NewCheckpointStore creates a store for paths. mirror may be nil.
func NewCheckpointStore(paths Paths, mirror Mirror, logger *slog.Logger) *CheckpointStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &CheckpointStore{
		paths:         paths,
		lock:          NewLock(paths.Lock),
		runID:         uuid.New().String(),
		mirror:        mirror,
		log:           logger.With("component", "checkpoint"),
		LoadTimeout:   LoadLockTimeout,
		SaveTimeout:   SaveLockTimeout,
		MirrorTimeout: 5 * time.Second,
	}
}

func (s *CheckpointStore) Paths() Paths {
	return s.paths
}

func (s *CheckpointStore) RunID() string {
	return s.runID
}

// SetMirror replaces the mirror; call before the first Save
func (s *CheckpointStore) SetMirror(m Mirror) {
	s.mirror = m
}

// Save persists m with the given update counter. A lock timeout skips the
// save and returns ErrLockTimeout; any other failure removes partial files.
func (s *CheckpointStore) Save(m Model, updates uint64) error {
	release, err := s.lock.Acquire(context.Background(), s.SaveTimeout)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			s.log.Error("timeout acquiring lock to save checkpoint, skipping save",
				"timeout", s.SaveTimeout,
				"updates", updates,
				"path", s.paths.Lock)
		}
		return err
	}

	weights, err := s.saveLocked(m, updates)
	release()
	if err != nil {
		return err
	}

	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.MirrorTimeout)
		defer cancel()
		if err := s.mirror.Publish(ctx, updates, weights); err != nil {
			s.log.Warn("failed to mirror checkpoint", "updates", updates, "error", err)
		}
	}

	return nil
}

// LoadOrInit restores m from disk, or initializes the artifacts from m.
// Missing or inconsistent artifacts are rewritten from the best available
// source; the counter file wins any disagreement. It returns the update
// counter to resume from.
func (s *CheckpointStore) LoadOrInit(m Model) (uint64, error) {
	release, err := s.lock.Acquire(context.Background(), s.LoadTimeout)
	if err != nil {
		return 0, errors.Wrap(err, "cannot acquire lock for initial checkpoint load")
	}
	defer release()

	counter, counterErr := readCounter(s.paths.Updates)
	state, stateErr := readState(s.paths.State)
	weights, weightsErr := readWeights(s.paths.Weights)

	if isNotExist(counterErr) && isNotExist(stateErr) && isNotExist(weightsErr) {
		s.log.Info("no checkpoint found, initializing fresh parameters", "dir", filepath.Dir(s.paths.State))
		if _, err := s.saveLocked(m, 0); err != nil {
			return 0, errors.Wrap(err, "failed to write initial checkpoint")
		}
		return 0, nil
	}

	stateOK := false
	if stateErr == nil {
		if err := m.UnmarshalState(state.Model); err != nil {
			if errors.Is(err, ErrIncompatible) {
				return 0, errors.Wrapf(err, "resumable artifact %s", s.paths.State)
			}
			stateErr = errors.Wrap(ErrCorrupt, err.Error())
		} else {
			stateOK = true
		}
	}

	if stateOK && counterErr == nil && weightsErr == nil &&
		state.Updates == counter && weights.Updates == counter {
		s.log.Info("restored checkpoint", "updates", counter, "run_id", state.RunID)
		return counter, nil
	}

	updates := uint64(0)
	switch {
	case counterErr == nil:
		updates = counter
	case stateOK:
		updates = state.Updates
	case weightsErr == nil:
		updates = weights.Updates
	}

	source := "resumable"
	if !stateOK {
		source = "fresh"
		if weightsErr == nil {
			if err := m.UnmarshalWeights(weights.Model); err != nil {
				if errors.Is(err, ErrIncompatible) {
					return 0, errors.Wrapf(err, "portable artifact %s", s.paths.Weights)
				}
				weightsErr = errors.Wrap(ErrCorrupt, err.Error())
			} else {
				source = "portable"
			}
		}
	}

	s.log.Warn("checkpoint artifacts inconsistent, resynchronizing",
		"updates", updates,
		"parameters", source,
		"counter_error", errString(counterErr),
		"state_error", errString(stateErr),
		"weights_error", errString(weightsErr))

	if _, err := s.saveLocked(m, updates); err != nil {
		return 0, errors.Wrap(err, "failed to resynchronize checkpoint")
	}
	return updates, nil
}

// saveLocked writes every artifact to a temp file, then renames them into
// place. It returns the portable bytes for mirroring.
func (s *CheckpointStore) saveLocked(m Model, updates uint64) ([]byte, error) {
	start := time.Now()
	dir := filepath.Dir(s.paths.State)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint dir %s", dir)
	}

	model, err := m.MarshalWeights()
	if err != nil {
		return nil, errors.Wrap(err, "failed to export weights")
	}
	modelState, err := m.MarshalState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to export training state")
	}

	now := time.Now().UnixMilli()
	weights, err := encodeWeights(&Weights{Updates: updates, RunID: s.runID, SavedAt: now, Model: model})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode weights")
	}
	state, err := encodeState(&resumable{Updates: updates, RunID: s.runID, SavedAt: now, Model: modelState})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode training state")
	}

	// The counter goes last so a crash between renames shows up as a mismatch
	artifacts := []struct {
		path string
		data []byte
	}{
		{s.paths.Weights, weights},
		{s.paths.State, state},
		{s.paths.Updates, encodeCounter(updates)},
	}

	suffix := uuid.New().String()
	temps := make([]string, 0, len(artifacts))
	cleanup := func() {
		for _, tmp := range temps {
			if err := os.Remove(tmp); err != nil && !isNotExist(err) {
				s.log.Warn("failed to remove temp artifact", "path", tmp, "error", err)
			}
		}
	}

	for _, a := range artifacts {
		tmp, err := writeTemp(a.path, suffix, a.data)
		if tmp != "" {
			temps = append(temps, tmp)
		}
		if err != nil {
			cleanup()
			return nil, errors.Wrapf(err, "failed to write %s", a.path)
		}
	}

	for i, a := range artifacts {
		if err := os.Rename(temps[i], a.path); err != nil {
			cleanup()
			return nil, errors.Wrapf(err, "failed to move %s into place", a.path)
		}
	}
	syncDir(dir)

	s.log.Info("saved checkpoint",
		"updates", updates,
		"weights_size", datasize.ByteSize(len(weights)).HumanReadable(),
		"state_size", datasize.ByteSize(len(state)).HumanReadable(),
		"duration", time.Since(start))

	return weights, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
