package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ahrav/go-evalpipe/internal/cache"
	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/internal/queue"
	"github.com/ahrav/go-evalpipe/internal/store"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// QueueList is the body of GET /queues.
type QueueList struct {
	Queues []queue.Depth `json:"queues"`
}

// DeadLetterList is the body of GET /queues/:name/dlq.
type DeadLetterList struct {
	Queue   string             `json:"queue"`
	Entries []queue.DeadLetter `json:"entries"`
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "evald"})
}

func (s *Server) listQueues(c *gin.Context) {
	names := s.deps.Broker.Queues()
	out := QueueList{Queues: make([]queue.Depth, 0, len(names))}
	for _, name := range names {
		d, err := s.deps.Broker.QueueDepth(c.Request.Context(), name)
		if err != nil {
			s.fail(c, err)
			return
		}
		out.Queues = append(out.Queues, d)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) queueDepth(c *gin.Context) {
	d, err := s.deps.Broker.QueueDepth(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) deadLetters(c *gin.Context) {
	limit := int64(defaultDLQLimit)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxDLQLimit)
	}

	name := c.Param("name")
	entries, err := s.deps.Broker.DeadLetters(c.Request.Context(), name, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, DeadLetterList{Queue: name, Entries: entries})
}

func (s *Server) replayDeadLetter(c *gin.Context) {
	msgID, err := s.deps.Broker.ReplayDeadLetter(c.Request.Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": msgID})
}

func (s *Server) cacheStats(c *gin.Context) {
	if s.deps.Cache == nil {
		c.JSON(http.StatusOK, cache.Stats{Backend: "disabled"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Cache.GetStats())
}

func (s *Server) result(c *gin.Context) {
	rec, err := s.deps.Store.LoadResult(c.Request.Context(), c.Param("subject"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) leaderboard(c *gin.Context) {
	board, err := s.deps.Ranking.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batch_id":        board.BatchID,
		"completed_count": board.CompletedCount,
		"total_count":     board.TotalCount,
		"complete":        board.Complete,
		"ranking":         board.Top(),
		"members":         board.Members,
	})
}

// fail maps domain errors to HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrUnknownQueue):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown_queue", Message: err.Error()})
	case errors.Is(err, queue.ErrDeadLetterNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "dead_letter_not_found", Message: err.Error()})
	case errors.Is(err, store.ErrResultMissing), errors.Is(err, domain.ErrSubjectNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "result_not_found", Message: err.Error()})
	case errors.Is(err, domain.ErrBatchNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "batch_not_found", Message: err.Error()})
	case errors.Is(err, queue.ErrBrokerUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "broker_unavailable"})
	default:
		s.logger.Error("admin request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
}
