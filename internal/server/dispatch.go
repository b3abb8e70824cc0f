package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/nexus-chat/internal/chat"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

// ReasonRateLimited is reported when an event is dropped by the per-connection
// rate limiter.
const ReasonRateLimited = "rate_limited"

// dispatch handles one inbound event. Events on the same connection are
// handled one at a time, in arrival order.
func (g *Gateway) dispatch(c *Client, env protocol.Envelope) {
	if c.State() != StateAuthenticated {
		c.log.Debug("event_rejected", zap.String("event", string(env.Event)), zap.Stringer("state", c.State()))
		return
	}
	g.metrics.Event(string(env.Event))

	switch env.Event {
	case protocol.EventJoin:
		g.handleJoin(c, env)
	case protocol.EventLeave:
		g.handleLeave(c, env)
	case protocol.EventSend:
		g.handleSend(c, env)
	case protocol.EventTyping:
		g.handleTyping(c, env)
	case protocol.EventMarkRead:
		g.handleMarkRead(c, env)
	default:
		g.replyError(c, env.Event, "", fmt.Errorf("%w: unknown event %q", chat.ErrValidation, env.Event))
	}
}

// readContext bounds a store read and is cancelled when the connection closes.
func (g *Gateway) readContext(c *Client) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, g.storeTimeout)
}

// writeContext bounds a store write. It ignores connection close so a
// persisted message always gets its ack or error.
func (g *Gateway) writeContext(c *Client) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.ctx), g.storeTimeout)
}

func (g *Gateway) handleJoin(c *Client, env protocol.Envelope) {
	var p protocol.JoinPayload
	if err := env.Bind(&p); err != nil {
		g.replyError(c, env.Event, "", err)
		return
	}

	ctx, cancel := g.readContext(c)
	defer cancel()

	if err := g.router.Join(ctx, c.id, p.ConversationID, c.subjectID); err != nil {
		g.replyError(c, env.Event, p.ConversationID, err)
		return
	}
	c.log.Debug("room_joined", zap.String("conversation", p.ConversationID))
	g.reply(c, protocol.EventJoined, protocol.JoinedEvent{ConversationID: p.ConversationID})
}

func (g *Gateway) handleLeave(c *Client, env protocol.Envelope) {
	var p protocol.LeavePayload
	if err := env.Bind(&p); err != nil {
		g.replyError(c, env.Event, "", err)
		return
	}
	if err := chat.ValidateConversationID(p.ConversationID); err != nil {
		g.replyError(c, env.Event, "", err)
		return
	}
	g.router.Leave(c.id, p.ConversationID)
	c.log.Debug("room_left", zap.String("conversation", p.ConversationID))
}

// handleSend persists a message and fans it out. The conversation lock is held
// from the membership check until the broadcast is queued, so every member
// sees the conversation's messages in the order they were handled here.
func (g *Gateway) handleSend(c *Client, env protocol.Envelope) {
	var p protocol.SendPayload
	if err := env.Bind(&p); err != nil {
		g.rejectSend(c, "", "", err)
		return
	}
	if p.TempID == "" {
		g.rejectSend(c, "", p.ConversationID, fmt.Errorf("%w: tempId is required", chat.ErrValidation))
		return
	}
	if err := chat.ValidateConversationID(p.ConversationID); err != nil {
		g.rejectSend(c, p.TempID, p.ConversationID, err)
		return
	}
	if err := chat.ValidateContent(p.Content); err != nil {
		g.rejectSend(c, p.TempID, p.ConversationID, err)
		return
	}

	unlock := g.seq.lock(p.ConversationID)
	defer unlock()

	readCtx, cancelRead := g.readContext(c)
	member, err := g.conversations.IsParticipant(readCtx, p.ConversationID, c.subjectID)
	cancelRead()
	if err != nil {
		g.rejectSend(c, p.TempID, p.ConversationID, err)
		return
	}
	if !member {
		g.rejectSend(c, p.TempID, p.ConversationID, chat.ErrForbidden)
		return
	}

	writeCtx, cancelWrite := g.writeContext(c)
	defer cancelWrite()

	started := time.Now()
	msg, err := g.messages.Create(writeCtx, chat.Message{
		ConversationID: p.ConversationID,
		SenderID:       c.subjectID,
		Content:        p.Content,
		Attachments:    p.Attachments,
	})
	if err != nil {
		g.rejectSend(c, p.TempID, p.ConversationID, err)
		return
	}
	g.metrics.MessageSent(time.Since(started).Seconds())

	if err := g.conversations.UpdateLastMessage(writeCtx, p.ConversationID, msg.ID); err != nil {
		c.log.Warn("update_last_message_failed",
			zap.String("conversation", p.ConversationID),
			zap.String("message", msg.ID),
			zap.Error(err))
	}

	payload := protocol.MustEncode(protocol.EventMessage, protocol.MessageEvent{Message: msg, TempID: p.TempID})
	g.removeFailedClients(g.router.Broadcast(p.ConversationID, payload))
	g.reply(c, protocol.EventAck, protocol.AckEvent{TempID: p.TempID, MessageID: msg.ID})

	c.log.Debug("message_sent",
		zap.String("conversation", p.ConversationID),
		zap.String("message", msg.ID),
		zap.String("temp_id", p.TempID))
}

func (g *Gateway) handleTyping(c *Client, env protocol.Envelope) {
	var p protocol.TypingPayload
	if err := env.Bind(&p); err != nil {
		g.replyError(c, env.Event, "", err)
		return
	}
	if !g.router.IsMember(c.id, p.ConversationID) {
		g.replyError(c, env.Event, p.ConversationID, chat.ErrForbidden)
		return
	}

	payload := protocol.MustEncode(protocol.EventTyping, protocol.TypingEvent{
		ConversationID: p.ConversationID,
		UserID:         c.subjectID,
		IsTyping:       p.IsTyping,
	})
	g.removeFailedClients(g.router.BroadcastExcept(p.ConversationID, payload, c.id))
}

func (g *Gateway) handleMarkRead(c *Client, env protocol.Envelope) {
	var p protocol.MarkReadPayload
	if err := env.Bind(&p); err != nil {
		g.replyError(c, env.Event, "", err)
		return
	}
	if err := chat.ValidateConversationID(p.ConversationID); err != nil {
		g.replyError(c, env.Event, "", err)
		return
	}

	readCtx, cancelRead := g.readContext(c)
	member, err := g.conversations.IsParticipant(readCtx, p.ConversationID, c.subjectID)
	cancelRead()
	if err == nil && !member {
		err = chat.ErrForbidden
	}
	if err != nil {
		g.replyError(c, env.Event, p.ConversationID, err)
		return
	}

	writeCtx, cancelWrite := g.writeContext(c)
	changed, err := g.messages.MarkRead(writeCtx, p.ConversationID, c.subjectID, p.MessageIDs)
	cancelWrite()
	if err != nil {
		g.replyError(c, env.Event, p.ConversationID, err)
		return
	}

	if len(changed) == 0 {
		c.log.Debug("messages_read", zap.String("conversation", p.ConversationID), zap.Int("changed", 0))
		return
	}
	// Receipts carry only the ids whose read-set grew in the store.
	payload := protocol.MustEncode(protocol.EventReadReceipt, protocol.ReadReceiptEvent{
		ConversationID: p.ConversationID,
		UserID:         c.subjectID,
		MessageIDs:     changed,
	})
	g.removeFailedClients(g.router.Broadcast(p.ConversationID, payload))
	c.log.Debug("messages_read", zap.String("conversation", p.ConversationID), zap.Int("changed", len(changed)))
}

// reply sends a direct event to c.
func (g *Gateway) reply(c *Client, event protocol.EventType, payload any) {
	if !g.Deliver(c.id, protocol.MustEncode(event, payload)) {
		g.removeFailedClients([]string{c.id})
	}
}

// rejectSend answers a failed send on the originating connection only.
func (g *Gateway) rejectSend(c *Client, tempID, conversationID string, err error) {
	reason := chat.Reason(err)
	g.metrics.SendFailed(reason)
	c.log.Info("send_rejected",
		zap.String("conversation", conversationID),
		zap.String("temp_id", tempID),
		zap.String("reason", reason),
		zap.Error(err))
	g.reply(c, protocol.EventSendError, protocol.SendErrorEvent{TempID: tempID, Reason: reason})
}

// replyError answers a rejected non-send event. The connection stays open.
func (g *Gateway) replyError(c *Client, event protocol.EventType, conversationID string, err error) {
	reason := chat.Reason(err)
	c.log.Debug("event_failed",
		zap.String("event", string(event)),
		zap.String("conversation", conversationID),
		zap.String("reason", reason),
		zap.Error(err))
	g.reply(c, protocol.EventError, protocol.ErrorEvent{Event: event, ConversationID: conversationID, Reason: reason})
}

// rejectRateLimited answers an event dropped by the rate limiter. Sends get a
// sendError so the client can fail the pending message.
func (g *Gateway) rejectRateLimited(c *Client, env protocol.Envelope) {
	if env.Event == protocol.EventSend {
		var p protocol.SendPayload
		_ = env.Bind(&p)
		g.metrics.SendFailed(ReasonRateLimited)
		g.reply(c, protocol.EventSendError, protocol.SendErrorEvent{TempID: p.TempID, Reason: ReasonRateLimited})
		return
	}
	g.reply(c, protocol.EventError, protocol.ErrorEvent{Event: env.Event, Reason: ReasonRateLimited})
}
