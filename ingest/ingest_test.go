package ingest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/Antonite/plato_rl/agent"
	"github.com/Antonite/plato_rl/config"
	"github.com/Antonite/plato_rl/qdeepneuro"
)

const dims = 3

func sample(terminal bool) qdeepneuro.Transition {
	return qdeepneuro.Transition{
		State:     []float32{1.5, -2, 0.25},
		Action:    4,
		Reward:    -0.75,
		NextState: []float32{3, 0, -1e-3},
		Terminal:  terminal,
	}
}

func TestPacketSize(t *testing.T) {
	if got := PacketSize(8); got != 70 {
		t.Fatalf("PacketSize(8) = %d, want 70", got)
	}
}

func TestDecodePacket(t *testing.T) {
	want := sample(true)
	id, got, err := DecodePacket(dims, EncodePacket(-42, want))
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if id != -42 {
		t.Errorf("client id = %d, want -42", id)
	}
	if got.Action != want.Action || got.Reward != want.Reward || got.Terminal != want.Terminal {
		t.Errorf("decoded %+v, want %+v", got, want)
	}
	for i := 0; i < dims; i++ {
		if got.State[i] != want.State[i] || got.NextState[i] != want.NextState[i] {
			t.Fatalf("state mismatch at %d: %+v vs %+v", i, got, want)
		}
	}
}

func TestDecodePacketRejects(t *testing.T) {
	valid := EncodePacket(1, sample(false))
	badFlag := append([]byte(nil), valid...)
	badFlag[len(badFlag)-1] = 7

	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"empty", nil, ErrShortPacket},
		{"partial id", []byte{0, 1}, ErrShortPacket},
		{"id only", valid[:idSize], ErrPacketSize},
		{"short payload", valid[:len(valid)-(dims+1)], ErrPacketSize},
		{"long payload", append(append([]byte(nil), valid...), 0), ErrPacketSize},
		{"terminal flag", badFlag, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodePacket(dims, tt.buf)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

type fakeLearner struct {
	mu          sync.Mutex
	transitions []qdeepneuro.Transition
}

func (f *fakeLearner) Observe(t qdeepneuro.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, t)
	return nil
}

func (f *fakeLearner) Predict([]float32) []float64 {
	return []float64{0.5, 1.5}
}

func (f *fakeLearner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transitions)
}

type countingSink struct {
	mu       sync.Mutex
	episodes int
}

func (c *countingSink) LogEpisode(int, float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.episodes++
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerDropsBadPacketsAndKeepsServing(t *testing.T) {
	learner := &fakeLearner{}
	sink := &countingSink{}
	cfg := config.IngestConfig{Address: "127.0.0.1:0", PollInterval: 20 * time.Millisecond}

	srv, err := Listen(cfg, dims, learner, agent.NewTracker(sink, nil), nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.DialUDP("udp", nil, srv.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	valid := EncodePacket(5, sample(false))
	if _, err := conn.Write(valid[:len(valid)-(dims+1)]); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "short packet to be dropped", func() bool { return srv.Stats().Dropped == 1 })
	if learner.count() != 0 {
		t.Fatalf("short packet reached the learner")
	}

	if _, err := conn.Write(valid); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Write(EncodePacket(5, sample(true))); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "valid packets", func() bool { return learner.count() == 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	st := srv.Stats()
	if st.Received != 3 || st.Accepted != 2 || st.Dropped != 1 {
		t.Errorf("stats = %+v", st)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.episodes != 1 {
		t.Errorf("episodes = %d, want 1", sink.episodes)
	}
}

func TestListenBindFailure(t *testing.T) {
	first, err := Listen(config.IngestConfig{Address: "127.0.0.1:0"}, dims, &fakeLearner{}, nil, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer first.conn.Close()

	if _, err := Listen(config.IngestConfig{Address: first.Addr().String()}, dims, &fakeLearner{}, nil, nil); err == nil {
		t.Fatal("expected bind failure on a used port")
	}
}
