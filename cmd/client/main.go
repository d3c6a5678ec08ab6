package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/Antonite/plato_rl/config"
	"github.com/Antonite/plato_rl/ingest"
	"github.com/Antonite/plato_rl/qdeepneuro"
	"github.com/Antonite/plato_rl/server"
	"github.com/Antonite/plato_rl/storage"
)

// Simulated agent: walks a point through the state space toward the origin,
// streams each step to the learner and reloads weights between episodes.
func main() {
	configPath := flag.String("config", "", "path to the YAML config (defaults when empty)")
	id := flag.Int("id", 0, "client id sent with every transition")
	episodes := flag.Int("episodes", 100, "episodes to play, 0 plays until interrupted")
	maxSteps := flag.Int("steps", 200, "step limit per episode")
	epsilon := flag.Float64("epsilon", 0.1, "exploration rate")
	reload := flag.Int("reload", 5, "episodes between weight reloads")
	flag.Parse()
	if *reload <= 0 {
		*reload = 1
	}

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = config.Validate(cfg)
	}
	if err != nil {
		slog.Error("invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Log, false, os.Stderr).With("process", "client", "client_id", *id)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := net.Dial("udp", cfg.Ingest.Address)
	if err != nil {
		logger.Error("failed to open transition socket", "address", cfg.Ingest.Address, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(*id)))
	policy := qdeepneuro.NewPolicy(cfg.Model.ActionDims, *epsilon, rng)
	weights := &weightClient{
		url:     "http://" + cfg.Publisher.Address + "/weights",
		http:    &http.Client{Timeout: 10 * time.Second},
		updates: -1,
		log:     logger,
	}

	for ep := 0; *episodes == 0 || ep < *episodes; ep++ {
		if ctx.Err() != nil {
			break
		}
		if ep%*reload == 0 {
			if network, err := weights.fetch(ctx); err != nil {
				logger.Warn("keeping current weights", "error", err)
			} else if network != nil {
				policy.SetNetwork(network)
			}
		}

		length, reward, err := play(ctx, conn, int32(*id), policy, cfg.Model.StateDims, *maxSteps, rng)
		if err != nil {
			logger.Error("episode aborted", "episode", ep, "error", err)
			os.Exit(1)
		}
		logger.Info("episode finished", "episode", ep, "length", length, "reward", reward, "server_updates", weights.updates)
	}
}

// play runs one episode. Each action nudges one coordinate up or down; the
// reward is the decrease in distance to the origin.
func play(ctx context.Context, conn net.Conn, id int32, policy *qdeepneuro.Policy, dims, maxSteps int, rng *rand.Rand) (int, float64, error) {
	state := make([]float32, dims)
	for i := range state {
		state[i] = float32(rng.Float64()*2 - 1)
	}

	var total float64
	for step := 1; ; step++ {
		action := policy.Act(state)

		next := append([]float32(nil), state...)
		axis := int(action) / 2 % dims
		delta := float32(0.1)
		if action%2 == 1 {
			delta = -delta
		}
		if int(action) < 2*dims {
			next[axis] += delta
		}

		reward := float32(norm(state) - norm(next))
		terminal := norm(next) < 0.1 || step >= maxSteps || ctx.Err() != nil
		if norm(next) < 0.1 {
			reward += 1
		}
		total += float64(reward)

		t := qdeepneuro.Transition{State: state, Action: action, Reward: reward, NextState: next, Terminal: terminal}
		if _, err := conn.Write(ingest.EncodePacket(id, t)); err != nil {
			return step, total, errors.Wrap(err, "failed to send transition")
		}
		if terminal {
			return step, total, nil
		}
		state = next
	}
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

type weightClient struct {
	url     string
	http    *http.Client
	updates int64
	log     *slog.Logger
}

// fetch returns a new network when the publisher has newer weights, nil
// when it has nothing new.
func (w *weightClient) fetch(ctx context.Context) (*qdeepneuro.Network, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "weight request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusServiceUnavailable:
		w.log.Debug("weights not available", "status", resp.StatusCode)
		return nil, nil
	default:
		return nil, errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	updates, err := strconv.ParseInt(resp.Header.Get(server.UpdatesHeader), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad %s header", server.UpdatesHeader)
	}
	if updates == w.updates {
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read weights")
	}
	envelope, err := storage.DecodeWeights(body)
	if err != nil {
		return nil, err
	}
	network, err := qdeepneuro.NewNetworkFromWeights(envelope.Model)
	if err != nil {
		return nil, err
	}

	w.log.Info("loaded weights", "updates", updates, "run_id", envelope.RunID)
	w.updates = updates
	return network, nil
}
