package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/slimchat/internal/core"
	"github.com/vovakirdan/slimchat/internal/proto"
)

// PollOptions holds deployment policy for the polling endpoints.
type PollOptions struct {
	// PollTimeout ends a receive that waited this long. Zero disables it.
	// The receiver is offline until its next poll.
	PollTimeout time.Duration
	// SendRateLimit caps sends per sender per minute. Zero disables it.
	SendRateLimit int
}

// PollHandlers serves the query-string protocol on GET /.
type PollHandlers struct {
	svc     *core.Service
	log     *zerolog.Logger
	opts    PollOptions
	limiter *rateLimiter

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPollHandlers creates the polling handlers.
func NewPollHandlers(svc *core.Service, logger *zerolog.Logger, opts PollOptions) *PollHandlers {
	h := &PollHandlers{
		svc:     svc,
		log:     logger,
		opts:    opts,
		limiter: newRateLimiter(opts.SendRateLimit, time.Minute),
		stop:    make(chan struct{}),
	}
	h.limiter.startReset(h.stop)
	return h
}

// Close stops the rate limiter reset loop.
func (h *PollHandlers) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Dispatch routes a request by its "type" query parameter.
// GET /?type=send|receive|history|stats|roomlock
func (h *PollHandlers) Dispatch(c *gin.Context) {
	switch c.Query("type") {
	case proto.RequestSend:
		h.Send(c)
	case proto.RequestReceive:
		h.Receive(c)
	case proto.RequestHistory:
		h.History(c)
	case proto.RequestStats:
		h.Stats(c)
	case proto.RequestRoomLock:
		h.RoomLock(c)
	default:
		c.String(http.StatusNotAcceptable, proto.BodyInvalidRequest)
	}
}

// queryParams returns the named query values, or false if any is missing.
func queryParams(c *gin.Context, names ...string) ([]string, bool) {
	values := make([]string, 0, len(names))
	for _, name := range names {
		v, ok := c.GetQuery(name)
		if !ok {
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}

// Send handles a chat message from sender to room.
// GET /?type=send&sender=&room=&data=
func (h *PollHandlers) Send(c *gin.Context) {
	params, ok := queryParams(c, "sender", "room", "data")
	if !ok {
		c.String(http.StatusNotAcceptable, proto.BodyInvalidRequest)
		return
	}
	sender, room, text := params[0], params[1], params[2]

	if !h.limiter.allow(sender) {
		h.log.Debug().Str("sender", sender).Msg("send rate limited")
		c.String(http.StatusTooManyRequests, proto.BodyRateLimited)
		return
	}

	if _, err := h.svc.Send(c.Request.Context(), sender, room, text); err != nil {
		h.writeError(c, err, "send")
		return
	}
	c.Status(http.StatusOK)
}

// Receive long-polls for the next message(s) addressed to receiver.
// GET /?type=receive&receiver=&room=
func (h *PollHandlers) Receive(c *gin.Context) {
	params, ok := queryParams(c, "receiver", "room")
	if !ok {
		c.String(http.StatusNotAcceptable, proto.BodyInvalidRequest)
		return
	}
	receiver, room := params[0], params[1]

	ctx := c.Request.Context()
	if h.opts.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.PollTimeout)
		defer cancel()
	}

	delivery, err := h.svc.Receive(ctx, receiver, room)
	if err != nil {
		switch {
		case errors.Is(context.Cause(c.Request.Context()), errShuttingDown):
			c.String(http.StatusServiceUnavailable, proto.BodyShuttingDown)
		case errors.Is(err, context.DeadlineExceeded) && c.Request.Context().Err() == nil:
			c.String(http.StatusRequestTimeout, proto.BodyTimeout)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// The client is gone; nobody reads a response.
			c.Abort()
		default:
			h.writeError(c, err, "receive")
		}
		return
	}

	switch delivery.Kind {
	case core.DeliveryMessage:
		c.JSON(http.StatusOK, messagePayload(delivery))
	case core.DeliveryQueue:
		c.JSON(http.StatusOK, queuePayload(delivery))
	default:
		c.String(http.StatusConflict, proto.BodySuperseded)
	}
}

// History returns the raw chat log of the room.
// GET /?type=history&receiver=&room=
func (h *PollHandlers) History(c *gin.Context) {
	params, ok := queryParams(c, "receiver", "room")
	if !ok {
		c.String(http.StatusNotAcceptable, proto.BodyInvalidRequest)
		return
	}

	data, err := h.svc.History(c.Request.Context(), params[0], params[1])
	if err != nil {
		h.writeError(c, err, "history")
		return
	}
	if len(data) == 0 {
		c.Status(http.StatusOK)
		return
	}
	c.Data(http.StatusOK, "application/x-ndjson", data)
}

// Stats returns when the other room members were last seen.
// GET /?type=stats&receiver=&room=
func (h *PollHandlers) Stats(c *gin.Context) {
	params, ok := queryParams(c, "receiver", "room")
	if !ok {
		c.String(http.StatusNotAcceptable, proto.BodyInvalidRequest)
		return
	}

	stats, err := h.svc.Stats(c.Request.Context(), params[0], params[1])
	if err != nil {
		h.writeError(c, err, "stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RoomLock locks or unlocks a two-member room.
// GET /?type=roomlock&userID=&room=&lock=true|false
func (h *PollHandlers) RoomLock(c *gin.Context) {
	params, ok := queryParams(c, "userID", "room", "lock")
	if !ok {
		c.String(http.StatusNotAcceptable, proto.BodyInvalidRequest)
		return
	}

	lock, err := strconv.ParseBool(params[2])
	if err != nil {
		c.String(http.StatusNotAcceptable, proto.BodyInvalidRequest)
		return
	}

	if err := h.svc.SetLock(c.Request.Context(), params[0], params[1], lock); err != nil {
		h.writeError(c, err, "roomlock")
		return
	}
	c.Status(http.StatusOK)
}
