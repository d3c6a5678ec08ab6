package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

type record struct {
	Type    string          `json:"type"`
	Time    int64           `json:"time"`
	Episode *EpisodeSummary `json:"episode,omitempty"`
	Update  *UpdateSummary  `json:"update,omitempty"`
}

// FileWriter appends JSON lines to a file under a log directory
type FileWriter struct {
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

// NewFileWriter creates dir and opens metrics-<runID>.jsonl inside it
func NewFileWriter(dir, runID string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create metrics dir %s", dir)
	}

	path := filepath.Join(dir, "metrics-"+runID+".jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}

	buf := bufio.NewWriter(f)
	return &FileWriter{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (w *FileWriter) Path() string {
	return w.f.Name()
}

func (w *FileWriter) WriteEpisode(e EpisodeSummary) error {
	return w.enc.Encode(&record{Type: "episode", Time: time.Now().UnixMilli(), Episode: &e})
}

func (w *FileWriter) WriteUpdate(u UpdateSummary) error {
	return w.enc.Encode(&record{Type: "update", Time: time.Now().UnixMilli(), Update: &u})
}

func (w *FileWriter) Flush() error {
	return w.buf.Flush()
}

func (w *FileWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// MultiWriter fans summaries out to several writers
type MultiWriter []Writer

func (m MultiWriter) WriteEpisode(e EpisodeSummary) error {
	return m.each(func(w Writer) error { return w.WriteEpisode(e) })
}

func (m MultiWriter) WriteUpdate(u UpdateSummary) error {
	return m.each(func(w Writer) error { return w.WriteUpdate(u) })
}

func (m MultiWriter) Flush() error {
	return m.each(Writer.Flush)
}

func (m MultiWriter) Close() error {
	return m.each(Writer.Close)
}

// each calls fn on every writer and returns the first error
func (m MultiWriter) each(fn func(Writer) error) error {
	var first error
	for _, w := range m {
		if err := fn(w); err != nil && first == nil {
			first = err
		}
	}
	return first
}
