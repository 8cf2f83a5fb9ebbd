package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/pkg"
	"github.com/akinalp/medicall/ws"
)

// registerHubCallbacks connects inbound WebSocket ops to the services.
// ws never imports services; this is the only place the two meet.
//
// Presence callbacks run on their own goroutine. Signaling and chat
// callbacks run on the sender's read goroutine, so frames from one
// connection are handled in the order they were sent.
func registerHubCallbacks(hub *ws.Hub, svcs *Services) {
	// ─── Presence ───

	hub.OnUserFirstConnect(svcs.Presence.HandleConnect)

	hub.OnUserFullyDisconnected(func(userID string) {
		svcs.Presence.HandleDisconnect(userID)
		svcs.Call.HandleDisconnect(userID)
	})

	// A call belongs to the connections that placed and answered it, so
	// closing that tab ends it even while the user stays online elsewhere.
	hub.OnConnectionClosed(svcs.Call.HandleConnectionClosed)

	hub.OnHeartbeat(svcs.Presence.Heartbeat)

	// ─── Call signaling ───

	hub.OnCallUser(func(senderID, connID string, data ws.CallUserData) {
		logCallErr("call_user", senderID, svcs.Call.CallUser(senderID, connID, data))
	})
	hub.OnCallAccepted(func(senderID, connID string, data ws.CallAcceptedData) {
		logCallErr("call_accepted", senderID, svcs.Call.Accept(senderID, connID, data))
	})
	hub.OnCallDecline(func(senderID string, data ws.CallDeclineData) {
		logCallErr("call_decline", senderID, svcs.Call.Decline(senderID, data))
	})
	hub.OnCallEnd(func(senderID string, data ws.CallEndData) {
		logCallErr("call_end", senderID, svcs.Call.End(senderID, data))
	})
	hub.OnICECandidate(func(senderID string, data ws.ICECandidateData) {
		logCallErr("ice_candidate", senderID, svcs.Call.RelayCandidate(senderID, data))
	})

	// ─── Chat ───

	hub.OnSendMessage(func(senderID string, data ws.SendMessageData) {
		// Rejections already reached the sender as message_failed.
		_, err := svcs.Chat.Send(context.Background(), senderID, &models.SendMessageRequest{
			ReceiverID: data.ReceiverID,
			Content:    data.Content,
			Kind:       data.Kind,
			ClientKey:  data.ClientKey,
		})
		if err != nil && !errors.Is(err, pkg.ErrBadRequest) && !errors.Is(err, pkg.ErrRateLimited) {
			log.Error().Err(err).Msgf("[chat] send failed for user %s", senderID)
		}
	})
	hub.OnDeleteMessage(func(senderID string, data ws.DeleteMessageData) {
		if err := svcs.Chat.Delete(context.Background(), senderID, data.MessageID, data.Scope); err != nil {
			log.Warn().Err(err).Msgf("[chat] delete_message rejected for user %s", senderID)
		}
	})
	hub.OnClearChat(func(senderID string, data ws.ClearChatData) {
		if err := svcs.Chat.Clear(context.Background(), senderID, data.ReceiverID, data.Scope); err != nil {
			log.Warn().Err(err).Msgf("[chat] clear_chat rejected for user %s", senderID)
		}
	})
	hub.OnMarkRead(func(senderID string, data ws.MarkReadData) {
		if err := svcs.Chat.MarkRead(context.Background(), senderID, data.PeerID); err != nil {
			log.Warn().Err(err).Msgf("[chat] mark_read failed for user %s", senderID)
		}
	})
}

func logCallErr(op, senderID string, err error) {
	if err != nil {
		log.Warn().Err(err).Msgf("[call] %s rejected for user %s", op, senderID)
	}
}
