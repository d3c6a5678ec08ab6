package qdeepneuro

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
)

func transition(id float32, terminal bool) Transition {
	return Transition{
		State:     []float32{id},
		Action:    0,
		Reward:    id,
		NextState: []float32{id + 1},
		Terminal:  terminal,
	}
}

func TestNewReplayBufferRejectsCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		if _, err := NewReplayBuffer(c, nil); !errors.Is(err, ErrInvalidCapacity) {
			t.Errorf("capacity %d: error = %v, want ErrInvalidCapacity", c, err)
		}
	}
}

func TestReplayBufferSizeBounded(t *testing.T) {
	for _, capacity := range []int{1, 2, 7, 64} {
		rb, err := NewReplayBuffer(capacity, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < capacity*5; i++ {
			rb.Record(transition(float32(i), i%3 == 0))
			if rb.Size() > capacity {
				t.Fatalf("capacity %d: size %d after %d records", capacity, rb.Size(), i+1)
			}
		}
		if rb.Size() != capacity {
			t.Errorf("capacity %d: final size %d", capacity, rb.Size())
		}
	}
}

func TestReplayBufferCopiesTransitions(t *testing.T) {
	rb, _ := NewReplayBuffer(4, rand.New(rand.NewSource(1)))
	tr := transition(1, false)
	rb.Record(tr)
	tr.State[0] = 99

	got, err := rb.Sample(1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].State[0] != 1 {
		t.Fatalf("stored state changed with caller's slice: %v", got[0].State)
	}
}

func TestReplayBufferFIFOWithoutTerminals(t *testing.T) {
	rb, _ := NewReplayBuffer(3, rand.New(rand.NewSource(1)))
	for i := 0; i < 5; i++ {
		rb.Record(transition(float32(i), false))
	}

	batch, err := rb.Sample(3)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[float32]bool{}
	for _, tr := range batch {
		seen[tr.Reward] = true
	}
	for _, want := range []float32{2, 3, 4} {
		if !seen[want] {
			t.Errorf("expected transition %v to survive, got %v", want, seen)
		}
	}
}

func TestReplayBufferTerminalKeepRate(t *testing.T) {
	const capacity = 100
	const trials = 20000

	rb, _ := NewReplayBuffer(capacity, rand.New(rand.NewSource(42)))
	for i := 0; i < capacity; i++ {
		rb.Record(transition(float32(i), true))
	}
	for i := 0; i < trials; i++ {
		rb.Record(transition(float32(i), true))
	}

	st := rb.Stats()
	decisions := st.TerminalKept + st.TerminalEvicted
	if decisions < 10000 {
		t.Fatalf("only %d coin flips", decisions)
	}
	rate := float64(st.TerminalKept) / float64(decisions)
	if math.Abs(rate-KeepTerminalProbability) > 0.01 {
		t.Fatalf("keep rate = %.4f, want %.2f ± 0.01 (%+v)", rate, KeepTerminalProbability, st)
	}
	if rb.Size() != capacity {
		t.Fatalf("size = %d, want %d", rb.Size(), capacity)
	}
}

func TestReplayBufferPrefersTerminals(t *testing.T) {
	const trials = 2000
	rng := rand.New(rand.NewSource(3))

	survived := 0
	for i := 0; i < trials; i++ {
		rb, _ := NewReplayBuffer(2, rng)
		rb.Record(transition(-1, true))
		rb.Record(transition(1, false))
		// the cursor sits on the terminal slot
		rb.Record(transition(2, false))

		batch, _ := rb.Sample(2)
		for _, tr := range batch {
			if tr.Terminal {
				survived++
			}
		}
	}

	rate := float64(survived) / trials
	if math.Abs(rate-KeepTerminalProbability) > 0.03 {
		t.Fatalf("terminal survival = %.3f, want about %.2f", rate, KeepTerminalProbability)
	}
}

func TestReplayBufferForcedEviction(t *testing.T) {
	rb, _ := NewReplayBuffer(2, rand.New(rand.NewSource(5)))
	rb.Record(transition(0, true))
	rb.Record(transition(1, true))

	for i := 0; i < 1000; i++ {
		rb.Record(transition(float32(i), true))
	}
	if rb.Size() != 2 {
		t.Fatalf("size = %d", rb.Size())
	}
	// with two slots a full revolution of kept terminals happens regularly
	if rb.Stats().ForcedEvictions == 0 {
		t.Fatalf("expected some forced evictions: %+v", rb.Stats())
	}
}

func TestReplayBufferSample(t *testing.T) {
	rb, _ := NewReplayBuffer(16, rand.New(rand.NewSource(9)))
	for i := 0; i < 10; i++ {
		rb.Record(transition(float32(i), false))
	}

	batch, err := rb.Sample(10)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[float32]bool{}
	for _, tr := range batch {
		if seen[tr.Reward] {
			t.Fatalf("transition %v sampled twice", tr.Reward)
		}
		seen[tr.Reward] = true
	}

	if _, err := rb.Sample(11); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("error = %v, want ErrInsufficientData", err)
	}
}
