package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Antonite/plato_rl/config"
	"github.com/Antonite/plato_rl/qdeepneuro"
	"github.com/Antonite/plato_rl/storage"
)

func newFixture(t *testing.T) (*Server, *storage.CheckpointStore, *qdeepneuro.Network) {
	t.Helper()

	paths := storage.NewPaths(t.TempDir(), "net")
	network, err := qdeepneuro.NewNetwork(qdeepneuro.NetworkConfig{
		StateDims:    4,
		ActionDims:   3,
		HiddenDims:   8,
		LearningRate: 1e-3,
		Seed:         7,
	})
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}

	return New(config.PublisherConfig{}, paths, nil), storage.NewCheckpointStore(paths, nil, nil), network
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetWeightsBeforeAndAfterSave(t *testing.T) {
	srv, store, network := newFixture(t)

	if rec := get(srv, "/"); rec.Code != http.StatusNotFound {
		t.Fatalf("status before save = %d, want 404", rec.Code)
	}

	if err := store.Save(network, 12); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for _, path := range []string{"/", "/weights"} {
		rec := get(srv, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, rec.Code)
		}
		if got := rec.Header().Get(UpdatesHeader); got != "12" {
			t.Errorf("GET %s %s = %q, want 12", path, UpdatesHeader, got)
		}
		if got := rec.Header().Get("Cache-Control"); got != "no-cache, no-store, must-revalidate" {
			t.Errorf("Cache-Control = %q", got)
		}
		if got := rec.Header().Get("Content-Type"); got != "application/octet-stream" {
			t.Errorf("Content-Type = %q", got)
		}

		w, err := storage.DecodeWeights(rec.Body.Bytes())
		if err != nil {
			t.Fatalf("DecodeWeights: %v", err)
		}
		if w.Updates != 12 {
			t.Errorf("envelope updates = %d, want 12", w.Updates)
		}
		if _, err := qdeepneuro.NewNetworkFromWeights(w.Model); err != nil {
			t.Errorf("NewNetworkFromWeights: %v", err)
		}
	}
}

func TestGetWeightsLockTimeout(t *testing.T) {
	srv, store, network := newFixture(t)
	if err := store.Save(network, 1); err != nil {
		t.Fatalf("Save: %v", err)
	}
	srv.ServeTimeout = 50 * time.Millisecond

	// a different Lock on the same file stands in for a writer in another process
	release, err := storage.NewLock(store.Paths().Lock).Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if rec := get(srv, "/"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status while locked = %d, want 503", rec.Code)
	}

	release()
	if rec := get(srv, "/"); rec.Code != http.StatusOK {
		t.Fatalf("status after release = %d, want 200", rec.Code)
	}
}

func TestGetWeightsNeverTorn(t *testing.T) {
	srv, store, network := newFixture(t)
	if err := store.Save(network, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const saves = 40
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := uint64(1); i <= saves; i++ {
			if err := store.Save(network, i); err != nil {
				t.Errorf("Save %d: %v", i, err)
				return
			}
		}
	}()

	polls := 0
	for {
		select {
		case <-done:
			wg.Wait()
			if polls == 0 {
				t.Fatal("no successful polls")
			}
			return
		default:
		}

		rec := get(srv, "/")
		if rec.Code == http.StatusServiceUnavailable {
			continue
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
		}

		header, err := strconv.ParseUint(rec.Header().Get(UpdatesHeader), 10, 64)
		if err != nil {
			t.Fatalf("bad %s header: %v", UpdatesHeader, err)
		}
		w, err := storage.DecodeWeights(rec.Body.Bytes())
		if err != nil {
			t.Fatalf("torn body at header %d: %v", header, err)
		}
		if w.Updates != header {
			t.Fatalf("header %d does not match payload %d", header, w.Updates)
		}
		if _, err := qdeepneuro.NewNetworkFromWeights(w.Model); err != nil {
			t.Fatalf("payload %d does not decode: %v", header, err)
		}
		polls++
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv, _, _ := newFixture(t)
	srv.cfg.Address = "127.0.0.1:0"
	srv.cfg.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
