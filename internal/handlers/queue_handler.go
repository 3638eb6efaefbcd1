package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-production-queue/internal/queue"
	"github.com/imrishuroy/go-production-queue/internal/validation"
)

// QueueService is the set of queue operations exposed over HTTP.
type QueueService interface {
	GetQueue(ctx context.Context) ([]queue.Entry, error)
	GetActiveQueue(ctx context.Context) ([]queue.Entry, error)
	GetByOrderID(ctx context.Context, orderID string) (*queue.Entry, error)
	GetPosition(ctx context.Context, orderID string) (int, error)
	AddToQueue(ctx context.Context, orderID, customerName string, items []queue.Item) (*queue.Entry, error)
	UpdateStatus(ctx context.Context, orderID string, status queue.Status, notes *string) (*queue.Entry, error)
	StartProduction(ctx context.Context, orderID string) (*queue.Entry, error)
	CompleteProduction(ctx context.Context, orderID string) (*queue.Entry, error)
	CancelProduction(ctx context.Context, orderID string) (*queue.Entry, error)
	MoveQueueItem(ctx context.Context, orderID string, newPosition int) (*queue.Entry, error)
	RemoveFromQueue(ctx context.Context, orderID string) (bool, error)
}

// HandlerConfig groups dependencies for the queue handler.
type HandlerConfig struct {
	Queue  QueueService
	Logger logrus.FieldLogger
}

type queueHandler struct {
	svc QueueService
	v   *validatorv10.Validate
	log logrus.FieldLogger
}

// RegisterQueueRoutes registers the production queue API under /api/production-queue.
func RegisterQueueRoutes(r *gin.Engine, cfg HandlerConfig) {
	h := &queueHandler{svc: cfg.Queue, v: validation.New(), log: cfg.Logger}

	g := r.Group("/api/production-queue")
	g.GET("", h.list(false))
	g.GET("/active", h.list(true))

	order := g.Group("/order/:orderId", h.requireOrderID)
	order.GET("", h.get)
	order.GET("/position", h.position)
	order.POST("/add", h.add)
	order.PUT("/status", h.updateStatus)
	order.PUT("/position/:newPosition", h.move)
	order.POST("/start", h.transition(cfg.Queue.StartProduction))
	order.POST("/complete", h.transition(cfg.Queue.CompleteProduction))
	order.POST("/cancel", h.transition(cfg.Queue.CancelProduction))
	order.DELETE("", h.remove)
}

func (h *queueHandler) requireOrderID(c *gin.Context) {
	if err := validation.ValidateOrderID(c, c.Param("orderId"), h.v); err != nil {
		c.Abort()
		return
	}
	c.Next()
}

func (h *queueHandler) list(activeOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			entries []queue.Entry
			err     error
		)
		if activeOnly {
			entries, err = h.svc.GetActiveQueue(c.Request.Context())
		} else {
			entries, err = h.svc.GetQueue(c.Request.Context())
		}
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func (h *queueHandler) get(c *gin.Context) {
	e, err := h.svc.GetByOrderID(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *queueHandler) position(c *gin.Context) {
	orderID := c.Param("orderId")
	pos, err := h.svc.GetPosition(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if pos == -1 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "position": pos})
}

func (h *queueHandler) add(c *gin.Context) {
	var req validation.AddToQueueRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	orderID := c.Param("orderId")
	e, err := h.svc.AddToQueue(c.Request.Context(), orderID, req.CustomerName, req.QueueItems())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Location", "/api/production-queue/order/"+orderID)
	c.JSON(http.StatusCreated, e)
}

func (h *queueHandler) updateStatus(c *gin.Context) {
	var req validation.UpdateStatusRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	status, err := queue.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "msg": err.Error()})
		return
	}

	e, err := h.svc.UpdateStatus(c.Request.Context(), c.Param("orderId"), status, req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *queueHandler) move(c *gin.Context) {
	newPosition, err := strconv.Atoi(c.Param("newPosition"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_position", "msg": "position must be an integer"})
		return
	}

	e, err := h.svc.MoveQueueItem(c.Request.Context(), c.Param("orderId"), newPosition)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *queueHandler) transition(fn func(context.Context, string) (*queue.Entry, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := fn(c.Request.Context(), c.Param("orderId"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

func (h *queueHandler) remove(c *gin.Context) {
	removed, err := h.svc.RemoveFromQueue(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *queueHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, queue.ErrAlreadyQueued):
		c.JSON(http.StatusConflict, gin.H{"error": "already_queued"})
	case errors.Is(err, queue.ErrPositionContention):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "position_contention"})
	case errors.Is(err, queue.ErrUpdateConflict):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "update_conflict"})
	default:
		h.log.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("queue operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
