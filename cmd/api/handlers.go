package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/campushq/chat-relay/internal/auth"
	"github.com/campushq/chat-relay/internal/chat"
	"github.com/campushq/chat-relay/internal/data"
	"github.com/campushq/chat-relay/internal/middleware"
)

// routes assembles the synchronous surface. Both surfaces share the same
// business core; this one reports outcomes as status codes instead of error
// frames and never fans out, so live delivery always goes through the relay.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.allowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/conversations", s.withIdentity(s.handleListConversations))
		r.Post("/conversations", s.withIdentity(s.handleCreateConversation))
		r.Get("/messages/{conversationID}", s.withIdentity(s.handleListMessages))
		r.With(middleware.RateLimit(s.limiter)).
			Post("/messages", s.withIdentity(s.handleSendMessage))
		r.Patch("/messages/{messageID}", s.withIdentity(s.handleEditMessage))
		r.Patch("/messages/{messageID}/read", s.withIdentity(s.handleReadMessage))
		r.Patch("/messages/{messageID}/react", s.withIdentity(s.handleReactMessage))
		r.Patch("/messages/{messageID}/pin", s.withIdentity(s.handlePin(true)))
		r.Patch("/messages/{messageID}/unpin", s.withIdentity(s.handlePin(false)))
		r.Delete("/messages/{messageID}", s.withIdentity(s.handleDeleteMessage))
	})

	return r
}

// identityHandler is an authenticated handler; the resolved caller identity
// is passed explicitly instead of through the request context.
type identityHandler func(w http.ResponseWriter, r *http.Request, identity string)

// withIdentity resolves the bearer token before the handler runs. Missing or
// unverifiable tokens are 401; everything past this point has a caller.
func (s *Server) withIdentity(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.verifier.Identity(auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r, identity)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps the core's failure taxonomy onto HTTP status codes.
// Duplicate sends are not failures and never reach this.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrConversationNotFound), errors.Is(err, chat.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNotParticipant), errors.Is(err, chat.ErrNotSender),
		errors.Is(err, chat.ErrEditWindowExpired), errors.Is(err, chat.ErrNotEditable):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the mapped status. Infrastructure failures get a generic body;
// the real error goes to the log only.
func fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// pathObjectID parses a hex object id from the route. A malformed id is a
// validation failure, not a 404.
func pathObjectID(r *http.Request, param string) (bson.ObjectID, error) {
	id, err := bson.ObjectIDFromHex(chi.URLParam(r, param))
	if err != nil {
		return bson.ObjectID{}, errors.New("invalid id")
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			dbStatus = "unreachable"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"database":    dbStatus,
		"connections": s.presence.Count(),
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, identity string) {
	convs, err := s.svc.Conversations(r.Context(), identity)
	if err != nil {
		fail(w, err)
		return
	}
	if convs == nil {
		convs = []*data.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, identity string) {
	var body struct {
		Participants []string `json:"participants"`
		IsGroup      bool     `json:"isGroup"`
		GroupName    string   `json:"groupName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, created, err := s.svc.CreateConversation(r.Context(), identity, body.Participants, body.IsGroup, body.GroupName)
	if err != nil {
		fail(w, err)
		return
	}

	// a direct pair that already exists comes back as 200, not 201
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, identity string) {
	convID, err := pathObjectID(r, "conversationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := s.svc.Messages(r.Context(), identity, convID)
	if err != nil {
		fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []*data.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, identity string) {
	var body struct {
		ConversationID string            `json:"conversationId"`
		Content        string            `json:"content"`
		ContentType    string            `json:"contentType"`
		Attachments    []data.Attachment `json:"attachments"`
		Timestamp      time.Time         `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	convID, err := bson.ObjectIDFromHex(body.ConversationID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	msg, fresh, err := s.svc.Send(r.Context(), chat.SendInput{
		ConversationID: convID,
		Sender:         identity,
		Content:        body.Content,
		ContentType:    body.ContentType,
		Attachments:    body.Attachments,
		Timestamp:      body.Timestamp,
	})
	if err != nil {
		fail(w, err)
		return
	}

	// a retried submission resolves to the stored row and succeeds with 200
	status := http.StatusOK
	if fresh {
		status = http.StatusCreated
	}
	writeJSON(w, status, msg)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request, identity string) {
	msgID, err := pathObjectID(r, "messageID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := s.svc.Edit(r.Context(), chat.EditInput{MessageID: msgID, Editor: identity, Content: body.Content})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleReadMessage(w http.ResponseWriter, r *http.Request, identity string) {
	msgID, err := pathObjectID(r, "messageID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.svc.MarkRead(r.Context(), identity, msgID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleReactMessage(w http.ResponseWriter, r *http.Request, identity string) {
	msgID, err := pathObjectID(r, "messageID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Reaction struct {
			Emoji string `json:"emoji"`
		} `json:"reaction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, _, err := s.svc.React(r.Context(), identity, msgID, body.Reaction.Emoji)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handlePin(pin bool) identityHandler {
	return func(w http.ResponseWriter, r *http.Request, identity string) {
		msgID, err := pathObjectID(r, "messageID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var body struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		convID, err := bson.ObjectIDFromHex(body.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid conversation id")
			return
		}

		if pin {
			err = s.svc.Pin(r.Context(), identity, convID, msgID)
		} else {
			err = s.svc.Unpin(r.Context(), identity, convID, msgID)
		}
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"messageId":      msgID.Hex(),
			"conversationId": convID.Hex(),
		})
	}
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, identity string) {
	msgID, err := pathObjectID(r, "messageID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.svc.Delete(r.Context(), identity, msgID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"messageId":      msg.ID.Hex(),
		"conversationId": msg.ConversationID.Hex(),
	})
}
