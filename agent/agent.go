package agent

import (
	"log/slog"
	"sync"

	"github.com/Antonite/plato_rl/qdeepneuro"
)

// EpisodeLogger receives finished episodes
type EpisodeLogger interface {
	LogEpisode(length int, reward, avgValue float64)
}

// Episode accumulates one client's progress between resets
type Episode struct {
	RewardSum float64
	Length    int
	Values    []float64 // mean predicted value of each next state
}

// AvgValue is the mean of the sampled values, 0 when nothing was sampled
func (e *Episode) AvgValue() float64 {
	if len(e.Values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range e.Values {
		sum += v
	}
	return sum / float64(len(e.Values))
}

// Tracker keeps one Episode per client id. An episode starts with the first
// transition seen from an id and ends with its terminal transition.
type Tracker struct {
	mu       sync.Mutex
	episodes map[int32]*Episode
	sink     EpisodeLogger
	log      *slog.Logger
}

func NewTracker(sink EpisodeLogger, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		episodes: make(map[int32]*Episode),
		sink:     sink,
		log:      logger.With("component", "episodes"),
	}
}

// Observe adds t to the client's episode. predict estimates the next state's
// action values; it only feeds episode statistics. It reports whether the
// transition finished an episode.
func (tr *Tracker) Observe(clientID int32, t qdeepneuro.Transition, predict func([]float32) []float64) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	ep, ok := tr.episodes[clientID]
	if !ok {
		ep = &Episode{}
		tr.episodes[clientID] = ep
	}

	ep.RewardSum += float64(t.Reward)
	ep.Length++
	if predict != nil {
		if values := predict(t.NextState); len(values) > 0 {
			var sum float64
			for _, v := range values {
				sum += v
			}
			ep.Values = append(ep.Values, sum/float64(len(values)))
		}
	}

	if !t.Terminal {
		return false
	}

	tr.log.Debug("episode finished", "client", clientID, "length", ep.Length, "reward", ep.RewardSum)
	if tr.sink != nil {
		tr.sink.LogEpisode(ep.Length, ep.RewardSum, ep.AvgValue())
	}
	delete(tr.episodes, clientID)
	return true
}

// Forget drops a client's episode without emitting it
func (tr *Tracker) Forget(clientID int32) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if _, ok := tr.episodes[clientID]; !ok {
		tr.log.Warn("forget for unknown or already cleared client", "client", clientID)
		return
	}
	delete(tr.episodes, clientID)
}

// Active returns the number of episodes in progress
func (tr *Tracker) Active() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.episodes)
}

// Get returns a copy of the client's current episode
func (tr *Tracker) Get(clientID int32) (Episode, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	ep, ok := tr.episodes[clientID]
	if !ok {
		return Episode{}, false
	}
	out := *ep
	out.Values = append([]float64(nil), ep.Values...)
	return out, true
}
