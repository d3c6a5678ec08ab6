package qdeepneuro

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// KeepTerminalProbability is the chance a terminal transition survives
// when the write cursor reaches it on a full buffer.
const KeepTerminalProbability = 0.9

var (
	ErrInvalidCapacity  = errors.New("capacity must be greater than zero")
	ErrInsufficientData = errors.New("not enough transitions stored")
)

// Transition is one agent step as reported by a client
type Transition struct {
	State     []float32
	Action    uint8
	Reward    float32
	NextState []float32
	Terminal  bool
}

// Clone returns a deep copy of t
func (t Transition) Clone() Transition {
	c := t
	c.State = append([]float32(nil), t.State...)
	c.NextState = append([]float32(nil), t.NextState...)
	return c
}

// MemoryStats counts replacement decisions on a full buffer
type MemoryStats struct {
	Recorded        uint64
	TerminalKept    uint64
	TerminalEvicted uint64
	ForcedEvictions uint64 // full revolution of kept terminals
}

// ReplayBuffer is a bounded transition store. Once full, the write cursor
// prefers to skip over terminal transitions rather than overwrite them.
type ReplayBuffer struct {
	mu       sync.Mutex
	memory   []Transition
	pos      int
	capacity int
	rng      *rand.Rand
	stats    MemoryStats
}

// NewReplayBuffer creates a buffer holding at most capacity transitions.
// A nil rng is replaced with a randomly seeded one.
func NewReplayBuffer(capacity int, rng *rand.Rand) (*ReplayBuffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	return &ReplayBuffer{
		memory:   make([]Transition, 0, capacity),
		capacity: capacity,
		rng:      rng,
	}, nil
}

// Record stores a copy of t
func (rb *ReplayBuffer) Record(t Transition) {
	t = t.Clone()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.stats.Recorded++
	if len(rb.memory) < rb.capacity {
		rb.memory = append(rb.memory, t)
		return
	}

	rb.pos = rb.nextReplaceable()
	rb.memory[rb.pos] = t
	rb.pos = (rb.pos + 1) % rb.capacity
}

// nextReplaceable walks the cursor past terminal slots that win the keep
// coin flip. The walk stops after one full revolution.
func (rb *ReplayBuffer) nextReplaceable() int {
	pos := rb.pos
	for checked := 0; rb.memory[pos].Terminal; checked++ {
		if checked >= rb.capacity {
			rb.stats.ForcedEvictions++
			break
		}
		if rb.rng.Float64() >= KeepTerminalProbability {
			rb.stats.TerminalEvicted++
			break
		}
		rb.stats.TerminalKept++
		pos = (pos + 1) % rb.capacity
	}
	return pos
}

// Sample returns n distinct stored transitions chosen uniformly at random
func (rb *ReplayBuffer) Sample(n int) ([]Transition, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n > len(rb.memory) {
		return nil, errors.Wrapf(ErrInsufficientData, "requested %d, stored %d", n, len(rb.memory))
	}
	if n <= 0 {
		return []Transition{}, nil
	}

	// Partial Fisher-Yates over an index permutation
	idx := make([]int, len(rb.memory))
	for i := range idx {
		idx[i] = i
	}
	batch := make([]Transition, n)
	for i := 0; i < n; i++ {
		j := i + rb.rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		batch[i] = rb.memory[idx[i]]
	}

	return batch, nil
}

// Size returns the number of stored transitions
func (rb *ReplayBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return len(rb.memory)
}

func (rb *ReplayBuffer) Capacity() int {
	return rb.capacity
}

func (rb *ReplayBuffer) Stats() MemoryStats {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.stats
}
