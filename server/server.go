package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/Antonite/plato_rl/config"
	"github.com/Antonite/plato_rl/storage"
)

// Server publishes the latest portable checkpoint over HTTP. It only reads
// the artifacts, always under the shared checkpoint lock.
type Server struct {
	cfg   config.PublisherConfig
	paths storage.Paths
	lock  *storage.Lock
	log   *slog.Logger

	ServeTimeout time.Duration
}

func New(cfg config.PublisherConfig, paths storage.Paths, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:          cfg,
		paths:        paths,
		lock:         storage.NewLock(paths.Lock),
		log:          logger.With("component", "publisher"),
		ServeTimeout: storage.ServeLockTimeout,
	}
}

// Router builds the gin engine serving the weight endpoints
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.GetWeightsHandler)
	r.GET("/weights", s.GetWeightsHandler)

	return r
}

// Run serves on the configured address until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return errors.Wrapf(err, "failed to bind %s", s.cfg.Address)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("serving weights", "address", ln.Addr().String(), "weights", s.paths.Weights)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "publisher stopped")
	case <-ctx.Done():
	}

	grace := s.cfg.ShutdownTimeout
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("error shutting down publisher", "error", err)
		return errors.Wrap(err, "publisher shutdown")
	}
	s.log.Info("publisher stopped")
	return nil
}
