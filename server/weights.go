package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/Antonite/plato_rl/storage"
)

// UpdatesHeader carries the update counter of the served weights
const UpdatesHeader = "X-Model-Updates"

func (s *Server) GetWeightsHandler(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET,HEAD,OPTIONS")
	c.Header("Access-Control-Expose-Headers", UpdatesHeader)

	weights, updates, err := s.readWeights(c)
	switch {
	case errors.Is(err, storage.ErrLockTimeout):
		s.log.Warn("timeout acquiring lock to serve weights", "timeout", s.ServeTimeout, "client", c.ClientIP())
		c.String(http.StatusServiceUnavailable, "checkpoint is busy, retry later")
		return
	case errors.Is(err, storage.ErrNotFound):
		s.log.Debug("weights requested before first checkpoint", "client", c.ClientIP())
		c.String(http.StatusNotFound, "no checkpoint available yet")
		return
	case err != nil:
		s.log.Error("failed to read weights", "path", s.paths.Weights, "error", err)
		c.String(http.StatusInternalServerError, "failed to read checkpoint")
		return
	}

	c.Header(UpdatesHeader, strconv.FormatUint(updates, 10))
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Data(http.StatusOK, "application/octet-stream", weights)
}

// readWeights holds the lock only while reading, never while writing the response
func (s *Server) readWeights(c *gin.Context) ([]byte, uint64, error) {
	release, err := s.lock.Acquire(c.Request.Context(), s.ServeTimeout)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	return storage.ReadPublished(s.paths)
}
