package metrics

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
)

// EpisodeSummary describes one finished client episode. Episode is assigned
// by the sink in arrival order.
type EpisodeSummary struct {
	Episode  uint64  `json:"episode"`
	Length   int     `json:"length"`
	Reward   float64 `json:"reward"`
	AvgValue float64 `json:"avg_value"`
}

// UpdateSummary describes one training step
type UpdateSummary struct {
	Step      uint64    `json:"step"`
	Loss      float64   `json:"loss"`
	AvgReward float64   `json:"avg_reward"`
	AvgValues []float64 `json:"avg_values"` // per action, batch mean
	GradNorm  float64   `json:"grad_norm"`
}

// Writer renders summaries to an observability backend
type Writer interface {
	WriteEpisode(EpisodeSummary) error
	WriteUpdate(UpdateSummary) error
	Flush() error
	Close() error
}

// Stats counts sink traffic
type Stats struct {
	Enqueued uint64
	Dropped  uint64
	Written  uint64
	Failed   uint64
}

type message struct {
	episode *EpisodeSummary
	update  *UpdateSummary
}

// Sink decouples producers from a single writer goroutine. Producers never
// block: when the queue is full the summary is dropped.
type Sink struct {
	queue      chan message
	writer     Writer
	flushEvery int
	log        *slog.Logger

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	written  atomic.Uint64
	failed   atomic.Uint64

	episodes uint64 // consumer goroutine only
}

func NewSink(writer Writer, depth, flushEvery int, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if depth <= 0 {
		depth = 1
	}
	if flushEvery <= 0 {
		flushEvery = 1
	}

	return &Sink{
		queue:      make(chan message, depth),
		writer:     writer,
		flushEvery: flushEvery,
		log:        logger.With("component", "metrics"),
	}
}

// LogEpisode queues an episode summary
func (s *Sink) LogEpisode(length int, reward, avgValue float64) {
	e := &EpisodeSummary{
		Length:   length,
		Reward:   s.finite("episode reward", reward),
		AvgValue: s.finite("episode average value", avgValue),
	}
	s.enqueue(message{episode: e}, "episode")
}

// LogUpdate queues a training step summary
func (s *Sink) LogUpdate(u UpdateSummary) {
	u.Loss = s.finite("loss", u.Loss)
	u.AvgReward = s.finite("average reward", u.AvgReward)
	u.GradNorm = s.finite("gradient norm", u.GradNorm)
	values := make([]float64, len(u.AvgValues))
	for i, v := range u.AvgValues {
		values[i] = s.finite("average action value", v)
	}
	u.AvgValues = values
	s.enqueue(message{update: &u}, "update")
}

func (s *Sink) enqueue(m message, kind string) {
	select {
	case s.queue <- m:
		s.enqueued.Add(1)
	default:
		s.dropped.Add(1)
		s.log.Warn("metrics queue is full, dropping summary", "kind", kind, "depth", cap(s.queue))
	}
}

func (s *Sink) finite(name string, v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		s.log.Warn("non-finite metric, logging as 0", "metric", name, "value", v)
		return 0
	}
	return v
}

// Run writes queued summaries until ctx is cancelled, then drains what is
// already queued and flushes.
func (s *Sink) Run(ctx context.Context) error {
	var pending int
	for {
		select {
		case m := <-s.queue:
			s.write(m)
			pending++
			if pending >= s.flushEvery {
				s.flush()
				pending = 0
			}
		case <-ctx.Done():
			for {
				select {
				case m := <-s.queue:
					s.write(m)
				default:
					s.flush()
					return nil
				}
			}
		}
	}
}

func (s *Sink) write(m message) {
	var err error
	switch {
	case m.episode != nil:
		m.episode.Episode = s.episodes
		s.episodes++
		err = s.writer.WriteEpisode(*m.episode)
	case m.update != nil:
		err = s.writer.WriteUpdate(*m.update)
	}

	if err != nil {
		s.failed.Add(1)
		s.log.Error("failed to write summary", "error", err)
		return
	}
	s.written.Add(1)
}

func (s *Sink) flush() {
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush metrics writer", "error", err)
	}
}

func (s *Sink) Stats() Stats {
	return Stats{
		Enqueued: s.enqueued.Load(),
		Dropped:  s.dropped.Load(),
		Written:  s.written.Load(),
		Failed:   s.failed.Load(),
	}
}
