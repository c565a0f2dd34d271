package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vovakirdan/slimchat/internal/core"
	"github.com/vovakirdan/slimchat/internal/proto"
)

// statusFor maps a core error to the wire status and plain-text body.
// Refusals all share 406, as existing clients expect.
func statusFor(err error) (int, string) {
	if errors.Is(err, core.ErrStoreIO) {
		return http.StatusInternalServerError, proto.BodyInternal
	}

	switch core.Code(err) {
	case core.ErrCodeInvalidRequest:
		return http.StatusNotAcceptable, proto.BodyInvalidRequest
	case core.ErrCodeGroupChatCannotLock:
		return http.StatusNotAcceptable, proto.BodyGroupChatLock
	case core.ErrCodeAlreadyMember:
		return http.StatusNotAcceptable, proto.BodyAlreadyMember
	case core.ErrCodeRoomNotFound,
		core.ErrCodeUserNotFound,
		core.ErrCodeNotMember,
		core.ErrCodeRoomLocked,
		core.ErrCodeUnauthorized:
		return http.StatusNotAcceptable, proto.BodyUnauthorized
	default:
		return http.StatusInternalServerError, proto.BodyInternal
	}
}

func (h *PollHandlers) writeError(c *gin.Context, err error, op string) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("op", op).Msg("request failed")
	} else {
		h.log.Debug().Err(err).Str("op", op).Str("code", core.Code(err)).Msg("request refused")
	}
	c.String(status, body)
}

func messagePayload(d core.Delivery) proto.Message {
	env := d.Envelopes[0]
	return proto.Message{
		Type: proto.OutboundTypeMessage,
		Room: env.Room,
		Data: proto.MessageData{
			Datetime: env.Datetime,
			Sender:   env.Sender,
			Message:  env.Message,
		},
	}
}

func queuePayload(d core.Delivery) proto.Queue {
	data := make([]proto.QueuedMessage, 0, len(d.Envelopes))
	for _, env := range d.Envelopes {
		data = append(data, proto.QueuedMessage{
			Datetime: env.Datetime,
			Sender:   env.Sender,
			Room:     env.Room,
			Message:  env.Message,
		})
	}
	return proto.Queue{Type: proto.OutboundTypeQueue, Data: data}
}
