package qdeepneuro

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/Antonite/plato_rl/metrics"
	"github.com/Antonite/plato_rl/storage"
)

type fakeCheckpointer struct {
	saves []uint64
	err   error
}

func (f *fakeCheckpointer) Save(_ storage.Model, updates uint64) error {
	f.saves = append(f.saves, updates)
	return f.err
}

type fakeUpdates struct {
	updates []metrics.UpdateSummary
}

func (f *fakeUpdates) LogUpdate(u metrics.UpdateSummary) {
	f.updates = append(f.updates, u)
}

func newTestLearner(t *testing.T, capacity, batch, saveEvery int, store Checkpointer, sink UpdateLogger) *Learner {
	t.Helper()
	network, err := NewNetwork(NetworkConfig{StateDims: 1, ActionDims: 2, HiddenDims: 8, LearningRate: 1e-3, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	memory, err := NewReplayBuffer(capacity, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewLearner(LearnerConfig{Discount: 0.99, BatchSize: batch, SaveFrequency: saveEvery},
		network, memory, store, sink, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestLearnerUpdatesOncePerRecord(t *testing.T) {
	sink := &fakeUpdates{}
	l := newTestLearner(t, 4, 2, 0, nil, sink)

	if err := l.Observe(transition(0, false)); err != nil {
		t.Fatal(err)
	}
	if l.Updates() != 0 {
		t.Fatalf("updated with 1 stored transition")
	}

	for i := 1; i < 20; i++ {
		if err := l.Observe(transition(float32(i)/10, i%5 == 0)); err != nil {
			t.Fatal(err)
		}
		if l.Updates() != uint64(i) {
			t.Fatalf("after record %d updates = %d, want %d", i+1, l.Updates(), i)
		}
	}

	if l.Memory().Size() != 4 {
		t.Fatalf("memory size = %d, want 4", l.Memory().Size())
	}
	if len(sink.updates) != 19 {
		t.Fatalf("logged %d updates, want 19", len(sink.updates))
	}
	last := sink.updates[len(sink.updates)-1]
	if last.Step != 19 || len(last.AvgValues) != 2 {
		t.Fatalf("last summary = %+v", last)
	}
}

func TestLearnerRejectsMalformedTransition(t *testing.T) {
	l := newTestLearner(t, 4, 2, 0, nil, nil)

	bad := transition(0, false)
	bad.State = []float32{1, 2}
	if err := l.Observe(bad); err == nil {
		t.Error("expected error for wrong state size")
	}

	bad = transition(0, false)
	bad.Action = 2
	if err := l.Observe(bad); err == nil {
		t.Error("expected error for out of range action")
	}
	if l.Memory().Size() != 0 {
		t.Fatalf("malformed transitions were recorded")
	}
}

func TestLearnerSaveFrequency(t *testing.T) {
	store := &fakeCheckpointer{}
	l := newTestLearner(t, 8, 1, 3, store, nil)

	for i := 0; i < 10; i++ {
		if err := l.Observe(transition(float32(i), false)); err != nil {
			t.Fatal(err)
		}
	}
	want := []uint64{3, 6, 9}
	if len(store.saves) != len(want) {
		t.Fatalf("saves = %v, want %v", store.saves, want)
	}
	for i := range want {
		if store.saves[i] != want[i] {
			t.Fatalf("saves = %v, want %v", store.saves, want)
		}
	}

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if store.saves[len(store.saves)-1] != 10 {
		t.Fatalf("final save at %d, want 10", store.saves[len(store.saves)-1])
	}
}

func TestLearnerSaveFailureIsNotFatal(t *testing.T) {
	store := &fakeCheckpointer{err: storage.ErrLockTimeout}
	l := newTestLearner(t, 8, 1, 1, store, nil)

	for i := 0; i < 3; i++ {
		if err := l.Observe(transition(float32(i), false)); err != nil {
			t.Fatalf("periodic save failure stopped training: %v", err)
		}
	}
	if l.Updates() != 3 {
		t.Fatalf("updates = %d, want 3", l.Updates())
	}

	if err := l.Close(); !errors.Is(err, storage.ErrLockTimeout) {
		t.Fatalf("Close error = %v, want ErrLockTimeout", err)
	}
}

func TestLearnerCheckpointRoundTrip(t *testing.T) {
	store := storage.NewCheckpointStore(storage.NewPaths(t.TempDir(), "net"), nil, nil)
	l := newTestLearner(t, 8, 2, 0, store, nil)
	if _, err := store.LoadOrInit(l.network); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 6; i++ {
		if err := l.Observe(transition(float32(i), i == 5)); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	probeState := []float32{0.5}
	want := l.Predict(probeState)

	restored, err := NewNetwork(NetworkConfig{StateDims: 1, ActionDims: 2, HiddenDims: 8, LearningRate: 1e-3, Seed: 77})
	if err != nil {
		t.Fatal(err)
	}
	updates, err := storage.NewCheckpointStore(store.Paths(), nil, nil).LoadOrInit(restored)
	if err != nil {
		t.Fatal(err)
	}
	if updates != l.Updates() {
		t.Fatalf("restored updates = %d, want %d", updates, l.Updates())
	}

	got := restored.Predict(probeState)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("restored predict %v, want %v", got, want)
		}
	}
}
