package chat

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/akinalp/medicall/client/transport"
	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/ws"
)

// Subscriber is the inbound half of the transport channel.
type Subscriber interface {
	On(op string, h transport.Handler) (off func())
}

// Bind registers the relay's handlers on ch.
func (r *Relay) Bind(ch Subscriber) {
	ch.On(ws.OpReady, func(data json.RawMessage) {
		if ready, ok := decode[ws.ReadyData](ws.OpReady, data); ok {
			r.SetSelf(ready.UserID)
		}
	})
	ch.On(ws.OpMessageSent, func(data json.RawMessage) {
		if msg, ok := decode[models.Message](ws.OpMessageSent, data); ok {
			r.Acknowledge(msg)
		}
	})
	ch.On(ws.OpReceiveMessage, func(data json.RawMessage) {
		if msg, ok := decode[models.Message](ws.OpReceiveMessage, data); ok {
			r.Receive(msg)
		}
	})
	ch.On(ws.OpMessageFailed, func(data json.RawMessage) {
		if failed, ok := decode[ws.MessageFailedData](ws.OpMessageFailed, data); ok {
			r.Reject(failed)
		}
	})
	ch.On(ws.OpMessageDeleted, func(data json.RawMessage) {
		if deleted, ok := decode[ws.MessageDeletedData](ws.OpMessageDeleted, data); ok {
			r.handleDeleted(deleted)
		}
	})
	ch.On(ws.OpChatCleared, func(data json.RawMessage) {
		if cleared, ok := decode[ws.ChatClearedData](ws.OpChatCleared, data); ok {
			r.handleCleared(cleared)
		}
	})
}

func decode[T any](op string, data json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		log.Warn().Err(err).Msgf("[chat] bad %s payload", op)
		return v, false
	}
	return v, true
}
