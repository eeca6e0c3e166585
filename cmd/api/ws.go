package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/net/websocket"

	"github.com/campushq/chat-relay/internal/chat"
	"github.com/campushq/chat-relay/internal/data"
)

// maxDecodeErrors is how many consecutive malformed frames a connection may
// produce before it is closed. A single garbled frame gets an error reply
// and another chance.
const maxDecodeErrors = 3

// frame is the wire unit on the event channel in both directions.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsPeer serializes frame writes to one connection. The event loop, the hub
// and the presence registry may all push to the same peer concurrently.
type wsPeer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newWSPeer(enc *json.Encoder) *wsPeer {
	return &wsPeer{enc: enc}
}

func (p *wsPeer) Send(f frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(f)
}

// Client payloads.

type authenticatePayload struct {
	Token string `json:"token"`
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

type sendPayload struct {
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	ContentType    string            `json:"contentType"`
	Attachments    []data.Attachment `json:"attachments"`
	Timestamp      time.Time         `json:"timestamp"`
	TempID         string            `json:"tempId"`
}

type editPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type messageRefPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type reactPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Reaction       struct {
		Emoji string `json:"emoji"`
	} `json:"reaction"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// Server payloads.

type messageEvent struct {
	*data.Message
	TempID string `json:"tempId,omitempty"`
}

type reactionEvent struct {
	MessageID      string        `json:"messageId"`
	ConversationID string        `json:"conversationId"`
	Reaction       data.Reaction `json:"reaction"`
}

type typingEvent struct {
	ConversationID string `json:"conversationId"`
	User           string `json:"user"`
	IsTyping       bool   `json:"isTyping"`
}

type errorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func errorFrame(message, details string) frame {
	return frame{Event: "error", Payload: mustJSON(errorPayload{Message: message, Details: details})}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshal frame payload failed: %v", err)
		return nil
	}
	return b
}

// handleSocket runs one connection's event loop: an authenticate frame
// first, then room and message events until the client hangs up. Everything
// before a successful authenticate is answered with an error and dropped.
func (s *Server) handleSocket(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	connID := uuid.NewString()
	peer := newWSPeer(json.NewEncoder(conn))
	decoder := json.NewDecoder(conn)

	ctx := context.Background()
	if r := conn.Request(); r != nil {
		ctx = r.Context()
	}

	identity := ""
	defer func() {
		s.hub.LeaveAll(connID)
		if identity != "" {
			s.presence.Unregister(connID)
			s.broadcastPresence()
		}
	}()

	decodeErrors := 0
	for {
		var f frame
		if err := decoder.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = peer.Send(errorFrame("invalid frame", ""))
			if decodeErrors >= maxDecodeErrors {
				return
			}
			continue
		}
		decodeErrors = 0

		if f.Event == "authenticate" {
			var payload authenticatePayload
			if err := json.Unmarshal(f.Payload, &payload); err != nil {
				_ = peer.Send(errorFrame("invalid authenticate payload", ""))
				continue
			}
			resolved, err := s.verifier.Identity(payload.Token)
			if err != nil {
				_ = peer.Send(errorFrame("authentication failed", ""))
				continue
			}
			identity = resolved
			s.presence.Register(connID, identity, peer)
			s.broadcastPresence()
			continue
		}

		if identity == "" {
			_ = peer.Send(errorFrame("authentication required", ""))
			continue
		}

		s.handleFrame(ctx, connID, identity, peer, f)
	}
}

// broadcastPresence pushes the current online identity list to every
// connected client.
func (s *Server) broadcastPresence() {
	s.presence.BroadcastAll(frame{
		Event:   "onlineUsers",
		Payload: mustJSON(s.presence.Identities()),
	})
}

func (s *Server) handleFrame(ctx context.Context, connID, identity string, peer *wsPeer, f frame) {
	switch f.Event {
	case "joinConversation":
		s.handleJoin(ctx, connID, identity, peer, f.Payload)
	case "leaveConversation":
		var payload roomPayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil || payload.ConversationID == "" {
			_ = peer.Send(errorFrame("invalid payload", ""))
			return
		}
		s.hub.Leave(payload.ConversationID, connID)
	case "sendMessage":
		s.handleSend(ctx, identity, peer, f.Payload)
	case "editMessage":
		s.handleEdit(ctx, identity, peer, f.Payload)
	case "deleteMessage":
		s.handleDelete(ctx, identity, peer, f.Payload)
	case "readMessage":
		s.handleRead(ctx, identity, peer, f.Payload)
	case "reactMessage":
		s.handleReact(ctx, identity, peer, f.Payload)
	case "pinMessage":
		s.handlePinFrame(ctx, identity, peer, f.Payload, true)
	case "unpinMessage":
		s.handlePinFrame(ctx, identity, peer, f.Payload, false)
	case "typing":
		s.handleTyping(connID, identity, peer, f.Payload)
	default:
		_ = peer.Send(errorFrame("unsupported event", f.Event))
	}
}

// sendFailure reports a failed operation to the offending connection only.
// Taxonomy errors carry their own message; anything else is an
// infrastructure failure and stays generic.
func sendFailure(peer *wsPeer, err error) {
	for _, sentinel := range []error{
		chat.ErrInvalidInput,
		chat.ErrConversationNotFound,
		chat.ErrMessageNotFound,
		chat.ErrNotParticipant,
		chat.ErrNotSender,
		chat.ErrEditWindowExpired,
		chat.ErrNotEditable,
	} {
		if errors.Is(err, sentinel) {
			details := ""
			if err.Error() != sentinel.Error() {
				details = err.Error()
			}
			_ = peer.Send(errorFrame(sentinel.Error(), details))
			return
		}
	}
	log.Printf("ws operation failed: %v", err)
	_ = peer.Send(errorFrame("internal error", ""))
}

func parseObjectID(hex string) (bson.ObjectID, error) {
	return bson.ObjectIDFromHex(hex)
}

func (s *Server) handleJoin(ctx context.Context, connID, identity string, peer *wsPeer, raw json.RawMessage) {
	var payload roomPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ConversationID == "" {
		_ = peer.Send(errorFrame("invalid payload", ""))
		return
	}
	convID, err := parseObjectID(payload.ConversationID)
	if err != nil {
		_ = peer.Send(errorFrame("invalid conversation id", ""))
		return
	}
	if err := s.svc.Authorize(ctx, identity, convID); err != nil {
		sendFailure(peer, err)
		return
	}
	s.hub.Join(payload.ConversationID, connID, peer)

	// acknowledged so the client knows fan-out for this room has started
	_ = peer.Send(frame{Event: "joinedConversation", Payload: mustJSON(payload)})
}

func (s *Server) handleSend(ctx context.Context, identity string, peer *wsPeer, raw json.RawMessage) {
	var payload sendPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		_ = peer.Send(errorFrame("invalid payload", ""))
		return
	}

	if !s.limiter.Allow("ws:" + identity) {
		_ = peer.Send(errorFrame("rate limit exceeded", ""))
		return
	}

	convID, err := parseObjectID(payload.ConversationID)
	if err != nil {
		_ = peer.Send(errorFrame("invalid conversation id", ""))
		return
	}

	msg, _, err := s.svc.Send(ctx, chat.SendInput{
		ConversationID: convID,
		Sender:         identity,
		Content:        payload.Content,
		ContentType:    payload.ContentType,
		Attachments:    payload.Attachments,
		Timestamp:      payload.Timestamp,
	})
	if err != nil {
		sendFailure(peer, err)
		return
	}

	// A duplicate resolves to the stored row and still fans out so the
	// submitting client can reconcile its optimistic entry by tempId.
	s.hub.Broadcast(payload.ConversationID, frame{
		Event:   "newMessage",
		Payload: mustJSON(messageEvent{Message: msg, TempID: payload.TempID}),
	})
}

func (s *Server) handleEdit(ctx context.Context, identity string, peer *wsPeer, raw json.RawMessage) {
	var payload editPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		_ = peer.Send(errorFrame("invalid payload", ""))
		return
	}
	msgID, err := parseObjectID(payload.MessageID)
	if err != nil {
		_ = peer.Send(errorFrame("invalid message id", ""))
		return
	}

	msg, err := s.svc.Edit(ctx, chat.EditInput{MessageID: msgID, Editor: identity, Content: payload.Content})
	if err != nil {
		sendFailure(peer, err)
		return
	}

	s.hub.Broadcast(msg.ConversationID.Hex(), frame{
		Event:   "editMessage",
		Payload: mustJSON(messageEvent{Message: msg}),
	})
}

func (s *Server) handleDelete(ctx context.Context, identity string, peer *wsPeer, raw json.RawMessage) {
	var payload messageRefPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		_ = peer.Send(errorFrame("invalid payload", ""))
		return
	}
	msgID, err := parseObjectID(payload.MessageID)
	if err != nil {
		_ = peer.Send(errorFrame("invalid message id", ""))
		return
	}

	msg, err := s.svc.Delete(ctx, identity, msgID)
	if err != nil {
		sendFailure(peer, err)
		return
	}

	s.hub.Broadcast(msg.ConversationID.Hex(), frame{
		Event: "deleteMessage",
		Payload: mustJSON(messageRefPayload{
			MessageID:      msg.ID.Hex(),
			ConversationID: msg.ConversationID.Hex(),
		}),
	})
}

func (s *Server) handleRead(ctx context.Context, identity string, peer *wsPeer, raw json.RawMessage) {
	var payload messageRefPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		_ = peer.Send(errorFrame("invalid payload", ""))
		return
	}
	msgID, err := parseObjectID(payload.MessageID)
	if err != nil {
		_ = peer.Send(errorFrame("invalid message id", ""))
		return
	}

	msg, err := s.svc.MarkRead(ctx, identity, msgID)
	if err != nil {
		sendFailure(peer, err)
		return
	}

	s.hub.Broadcast(msg.ConversationID.Hex(), frame{
		Event:   "readMessage",
		Payload: mustJSON(messageEvent{Message: msg}),
	})
}

func (s *Server) handleReact(ctx context.Context, identity string, peer *wsPeer, raw json.RawMessage) {
	var payload reactPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		_ = peer.Send(errorFrame("invalid payload", ""))
		return
	}
	msgID, err := parseObjectID(payload.MessageID)
	if err != nil {
		_ = peer.Send(errorFrame("invalid message id", ""))
		return
	}

	msg, reaction, err := s.svc.React(ctx, identity, msgID, payload.Reaction.Emoji)
	if err != nil {
		sendFailure(peer, err)
		return
	}

	s.hub.Broadcast(msg.ConversationID.Hex(), frame{
		Event: "reactMessage",
		Payload: mustJSON(reactionEvent{
			MessageID:      msg.ID.Hex(),
			ConversationID: msg.ConversationID.Hex(),
			Reaction:       reaction,
		}),
	})
}

func (s *Server) handlePinFrame(ctx context.Context, identity string, peer *wsPeer, raw json.RawMessage, pin bool) {
	var payload messageRefPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		_ = peer.Send(errorFrame("invalid payload", ""))
		return
	}
	msgID, err := parseObjectID(payload.MessageID)
	if err != nil {
		_ = peer.Send(errorFrame("invalid message id", ""))
		return
	}
	convID, err := parseObjectID(payload.ConversationID)
	if err != nil {
		_ = peer.Send(errorFrame("invalid conversation id", ""))
		return
	}

	event := "pinMessage"
	if pin {
		err = s.svc.Pin(ctx, identity, convID, msgID)
	} else {
		event = "unpinMessage"
		err = s.svc.Unpin(ctx, identity, convID, msgID)
	}
	if err != nil {
		sendFailure(peer, err)
		return
	}

	s.hub.Broadcast(payload.ConversationID, frame{
		Event:   event,
		Payload: mustJSON(payload),
	})
}

// handleTyping relays typing state to the room, the sender excluded. Typing
// is transient and never persisted, so no store call and no authorization
// beyond the join that admitted the connection to the room.
func (s *Server) handleTyping(connID, identity string, peer *wsPeer, raw json.RawMessage) {
	var payload typingPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ConversationID == "" {
		_ = peer.Send(errorFrame("invalid payload", ""))
		return
	}

	s.hub.BroadcastExcept(payload.ConversationID, connID, frame{
		Event: "typing",
		Payload: mustJSON(typingEvent{
			ConversationID: payload.ConversationID,
			User:           identity,
			IsTyping:       payload.IsTyping,
		}),
	})
}
