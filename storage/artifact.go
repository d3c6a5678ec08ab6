package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNotFound     = errors.New("checkpoint not found")
	ErrCorrupt      = errors.New("checkpoint artifact is corrupt")
	ErrIncompatible = errors.New("checkpoint does not match the configured model")
)

// Model is anything whose trainable state can be checkpointed.
// Unmarshal methods must leave the model untouched on error.
type Model interface {
	// MarshalWeights encodes the portable parameters served to clients
	MarshalWeights() ([]byte, error)
	UnmarshalWeights(data []byte) error
	// MarshalState encodes everything needed to resume training
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// Paths locates the artifacts of one checkpoint
type Paths struct {
	Weights string // portable envelope served over HTTP
	Updates string // decimal update counter
	State   string // snappy compressed resumable state
	Lock    string
}

func NewPaths(dir, name string) Paths {
	base := filepath.Join(dir, name)
	return Paths{
		Weights: base + ".weights",
		Updates: base + ".updates",
		State:   base + ".state",
		Lock:    base + ".lock",
	}
}

// Weights is the portable envelope. Model holds the approximator's own
// msgpack encoding of its parameters.
type Weights struct {
	Updates uint64             `msgpack:"updates"`
	RunID   string             `msgpack:"run_id"`
	SavedAt int64              `msgpack:"saved_at"` // unix milliseconds
	Model   msgpack.RawMessage `msgpack:"model"`
}

type resumable struct {
	Updates uint64 `msgpack:"updates"`
	RunID   string `msgpack:"run_id"`
	SavedAt int64  `msgpack:"saved_at"`
	Model   []byte `msgpack:"model"`
}

// DecodeWeights parses a portable artifact as served by the publisher
func DecodeWeights(data []byte) (*Weights, error) {
	var w Weights
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	if len(w.Model) == 0 {
		return nil, errors.Wrap(ErrCorrupt, "weights envelope has no model")
	}
	return &w, nil
}

func encodeWeights(w *Weights) ([]byte, error) {
	return msgpack.Marshal(w)
}

func encodeState(r *resumable) ([]byte, error) {
	raw, err := msgpack.Marshal(r)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeState(data []byte) (*resumable, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	var r resumable
	if err := msgpack.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	return &r, nil
}

func encodeCounter(updates uint64) []byte {
	return []byte(strconv.FormatUint(updates, 10) + "\n")
}

func parseCounter(data []byte) (uint64, error) {
	updates, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(ErrCorrupt, err.Error())
	}
	return updates, nil
}

func readCounter(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return parseCounter(data)
}

func readState(path string) (*resumable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

func readWeights(path string) (*Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeWeights(data)
}

// ReadPublished returns the portable artifact bytes and the counter.
// Callers must hold the checkpoint lock.
func ReadPublished(paths Paths) ([]byte, uint64, error) {
	weights, err := os.ReadFile(paths.Weights)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read %s", paths.Weights)
	}

	updates, err := readCounter(paths.Updates)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read %s", paths.Updates)
	}

	return weights, updates, nil
}

// writeTemp writes data next to path and syncs it, returning the temp path
func writeTemp(path, suffix string, data []byte) (string, error) {
	tmp := path + ".tmp-" + suffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return tmp, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return tmp, err
	}
	return tmp, f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
