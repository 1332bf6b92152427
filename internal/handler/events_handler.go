package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Pratyush2586/release-assessment-portal/internal/models"
	"github.com/Pratyush2586/release-assessment-portal/internal/service"
	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
	"github.com/Pratyush2586/release-assessment-portal/pkg/realtime"
	"github.com/Pratyush2586/release-assessment-portal/pkg/response"
)

const sseHeartbeatInterval = 30 * time.Second

type changeSubscriber interface {
	Subscribe(ctx context.Context, requestID string) (<-chan realtime.Event, func(), error)
}

type streamAuthorizer interface {
	AuthorizeView(ctx context.Context, userID string, role models.UserRole, requestID string) error
}

// EventsHandler streams request change events to browsers over SSE.
type EventsHandler struct {
	feed     changeSubscriber
	requests streamAuthorizer
	metrics  *service.MetricsService
	logger   *zap.Logger
}

// NewEventsHandler creates a new handler.
func NewEventsHandler(feed changeSubscriber, requests streamAuthorizer, metrics *service.MetricsService, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{feed: feed, requests: requests, metrics: metrics, logger: logger}
}

// StreamAll godoc
// @Summary Stream change events for own requests
// @Description Server-sent events; admins receive every change
// @Tags Events
// @Produce text/event-stream
// @Success 200 {string} string "event stream"
// @Router /events/requests [get]
func (h *EventsHandler) StreamAll(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	events, cancel, err := h.feed.Subscribe(c.Request.Context(), "")
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to subscribe"))
		return
	}
	defer cancel()

	h.stream(c, events, func(event realtime.Event) bool {
		return claims.Role == models.RoleAdmin || event.OwnerID == claims.UserID
	})
}

// StreamOne godoc
// @Summary Stream change events for one request
// @Tags Events
// @Produce text/event-stream
// @Param id path string true "Request ID"
// @Success 200 {string} string "event stream"
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /events/requests/{id} [get]
func (h *EventsHandler) StreamOne(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	requestID := c.Param("id")
	if err := h.requests.AuthorizeView(c.Request.Context(), claims.UserID, claims.Role, requestID); err != nil {
		response.Error(c, err)
		return
	}

	events, cancel, err := h.feed.Subscribe(c.Request.Context(), requestID)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to subscribe"))
		return
	}
	defer cancel()

	h.stream(c, events, func(realtime.Event) bool { return true })
}

// stream pumps events until the client disconnects. A heartbeat comment
// keeps intermediaries from closing idle connections.
func (h *EventsHandler) stream(c *gin.Context, events <-chan realtime.Event, visible func(realtime.Event) bool) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	h.metrics.FeedSubscriberOpened()
	defer h.metrics.FeedSubscriberClosed()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			if !visible(event) {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("failed to encode sse event", zap.Error(err))
				continue
			}
			if _, err := c.Writer.WriteString("event: change\ndata: " + string(payload) + "\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
