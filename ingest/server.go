package ingest

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"

	"github.com/Antonite/plato_rl/config"
	"github.com/Antonite/plato_rl/qdeepneuro"
)

// maxDatagram bounds a single read; larger datagrams are truncated and
// rejected by the size check.
const maxDatagram = 64 * 1024

// Learner records transitions and trains on them
type Learner interface {
	Observe(t qdeepneuro.Transition) error
	Predict(state []float32) []float64
}

// Episodes tracks per-client episode statistics
type Episodes interface {
	Observe(clientID int32, t qdeepneuro.Transition, predict func([]float32) []float64) bool
}

// Stats counts datagrams seen by the listener
type Stats struct {
	Received uint64
	Accepted uint64
	Dropped  uint64
	Failed   uint64 // accepted but rejected by the learner
}

// Server receives transitions over UDP and feeds them to the learner
type Server struct {
	conn      *net.UDPConn
	stateDims int
	poll      time.Duration
	learner   Learner
	episodes  Episodes
	log       *slog.Logger

	received atomic.Uint64
	accepted atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// Listen binds the UDP socket. A bind failure is returned to the caller,
// which treats it as fatal.
func Listen(cfg config.IngestConfig, stateDims int, learner Learner, episodes Episodes, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "ingest")

	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid ingest address %s", cfg.Address)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind %s", cfg.Address)
	}

	if cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(int(cfg.ReadBuffer.Bytes())); err != nil {
			log.Warn("failed to set socket read buffer", "size", cfg.ReadBuffer.HumanReadable(), "error", err)
		}
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	log.Info("listening for transitions",
		"address", conn.LocalAddr().String(),
		"packet_size", datasize.ByteSize(idSize+PacketSize(stateDims)).HumanReadable(),
		"poll_interval", poll)

	return &Server{
		conn:      conn,
		stateDims: stateDims,
		poll:      poll,
		learner:   learner,
		episodes:  episodes,
		log:       log,
	}, nil
}

// Addr is the bound socket address
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve handles datagrams until ctx is cancelled. Reads time out every poll
// interval so cancellation is observed promptly. Serve closes the socket.
func (s *Server) Serve(ctx context.Context) error {
	defer s.conn.Close()

	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			s.logStats()
			return nil
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.poll)); err != nil {
			return errors.Wrap(err, "failed to set read deadline")
		}

		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				s.logStats()
				return nil
			}
			s.log.Warn("socket read failed", "error", err)
			continue
		}

		s.handle(buf[:n], from)
	}
}

func (s *Server) handle(datagram []byte, from *net.UDPAddr) {
	s.received.Add(1)

	clientID, t, err := DecodePacket(s.stateDims, datagram)
	if err != nil {
		s.dropped.Add(1)
		s.log.Warn("dropping packet", "from", from.String(), "bytes", len(datagram), "error", err)
		return
	}
	s.accepted.Add(1)

	if s.episodes != nil {
		s.episodes.Observe(clientID, t, s.learner.Predict)
	}
	if err := s.learner.Observe(t); err != nil {
		s.failed.Add(1)
		s.log.Error("failed to learn from transition", "client", clientID, "error", err)
	}
}

func (s *Server) logStats() {
	st := s.Stats()
	s.log.Info("ingest stopped",
		"received", st.Received,
		"accepted", st.Accepted,
		"dropped", st.Dropped,
		"failed", st.Failed)
}

func (s *Server) Stats() Stats {
	return Stats{
		Received: s.received.Load(),
		Accepted: s.accepted.Load(),
		Dropped:  s.dropped.Load(),
		Failed:   s.failed.Load(),
	}
}
