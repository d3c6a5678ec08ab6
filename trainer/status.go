package trainer

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// Status is a point in time view of the trainer process
type Status struct {
	Updates      uint64
	ReplaySize   int
	OpenEpisodes int
	Received     uint64
	Dropped      uint64
	MetricsDrops uint64
	RSS          datasize.ByteSize
	CPUPercent   float64
}

// Status samples the learner, ingest and process counters
func (t *Trainer) Status() (Status, error) {
	ing := t.ingest.Stats()
	st := Status{
		Updates:      t.learner.Updates(),
		ReplaySize:   t.learner.Memory().Size(),
		OpenEpisodes: t.episodes.Active(),
		Received:     ing.Received,
		Dropped:      ing.Dropped,
		MetricsDrops: t.sink.Stats().Dropped,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return st, errors.Wrap(err, "failed to get process")
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return st, errors.Wrap(err, "failed to get memory info")
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		return st, errors.Wrap(err, "failed to get cpu percent")
	}
	st.RSS = datasize.ByteSize(mem.RSS)
	st.CPUPercent = cpu
	return st, nil
}

func (t *Trainer) reportStatus(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := t.Status()
		if err != nil {
			t.log.Warn("resource usage unavailable", "error", err)
		}
		t.log.Info("status",
			"updates", st.Updates,
			"replay_size", st.ReplaySize,
			"open_episodes", st.OpenEpisodes,
			"received", st.Received,
			"dropped", st.Dropped,
			"metrics_dropped", st.MetricsDrops,
			slog.String("rss", st.RSS.HumanReadable()),
			"cpu_percent", st.CPUPercent)
	}
}
