// Package chat implements the relay's business core: the message ingestion
// pipeline and the conversation mutation handlers. Both delivery surfaces
// (the WebSocket event loop and the synchronous HTTP API) call this one
// authorize→mutate body and differ only in how they report the outcome.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/campushq/chat-relay/internal/data"
	"github.com/campushq/chat-relay/internal/normalize"
)

// EditWindow is how long after its timestamp a message stays editable,
// measured as a wall-clock delta at request time.
const EditWindow = 15 * time.Minute

// ConversationStore is the persistence gateway for the conversations aggregate.
type ConversationStore interface {
	Create(ctx context.Context, participants []string, isGroup bool, groupName string) (*data.Conversation, error)
	Find(ctx context.Context, id bson.ObjectID) (*data.Conversation, error)
	FindForParticipant(ctx context.Context, id bson.ObjectID, identity string) (*data.Conversation, error)
	FindDirect(ctx context.Context, participants []string) (*data.Conversation, error)
	ListForParticipant(ctx context.Context, identity string) ([]*data.Conversation, error)
	UpdateSummary(ctx context.Context, id bson.ObjectID, summary *data.Summary) error
	AddPinned(ctx context.Context, id, messageID bson.ObjectID) error
	RemovePinned(ctx context.Context, id, messageID bson.ObjectID) error
}

// MessageStore is the persistence gateway for the messages aggregate.
type MessageStore interface {
	InsertIfAbsent(ctx context.Context, msg *data.Message) (*data.Message, bool, error)
	Find(ctx context.Context, id bson.ObjectID) (*data.Message, error)
	ListByConversation(ctx context.Context, conversationID bson.ObjectID) ([]*data.Message, error)
	LatestIn(ctx context.Context, conversationID bson.ObjectID) (*data.Message, error)
	UpdateContent(ctx context.Context, id bson.ObjectID, content string, timestamp time.Time) error
	SetRead(ctx context.Context, id bson.ObjectID) error
	AppendReaction(ctx context.Context, id bson.ObjectID, reaction data.Reaction) error
	Delete(ctx context.Context, id bson.ObjectID) error
}

// Service is the shared business core.
type Service struct {
	convs ConversationStore
	msgs  MessageStore
	now   func() time.Time
}

// NewService wires a Service over the given stores.
func NewService(convs ConversationStore, msgs MessageStore) *Service {
	return &Service{convs: convs, msgs: msgs, now: time.Now}
}

// findConversation maps store sentinels into the service taxonomy.
func (s *Service) findConversation(ctx context.Context, id bson.ObjectID, identity string) (*data.Conversation, error) {
	conv, err := s.convs.FindForParticipant(ctx, id, identity)
	switch err {
	case nil:
		return conv, nil
	case data.ErrNotFound:
		return nil, ErrConversationNotFound
	case data.ErrNotMember:
		return nil, ErrNotParticipant
	default:
		return nil, err
	}
}

// findMessage maps the store's not-found into the message sentinel.
func (s *Service) findMessage(ctx context.Context, id bson.ObjectID) (*data.Message, error) {
	msg, err := s.msgs.Find(ctx, id)
	if err == data.ErrNotFound {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// CreateConversation creates a conversation on behalf of creator, who is
// always included in the participant set. Direct conversations are idempotent
// per unordered participant pair: a second request returns the existing one
// with created=false. Group conversations require a display name.
func (s *Service) CreateConversation(ctx context.Context, creator string, participants []string, isGroup bool, groupName string) (*data.Conversation, bool, error) {
	creator = normalize.Identity(creator)
	if creator == "" {
		return nil, false, fmt.Errorf("%w: creator identity is required", ErrInvalidInput)
	}

	all := make([]string, 0, len(participants)+1)
	seen := map[string]struct{}{}
	for _, p := range append(participants, creator) {
		p = normalize.Identity(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		all = append(all, p)
	}
	if len(all) < 2 {
		return nil, false, fmt.Errorf("%w: at least two participants required", ErrInvalidInput)
	}

	groupName = strings.TrimSpace(groupName)
	if isGroup && groupName == "" {
		return nil, false, fmt.Errorf("%w: group conversations require a name", ErrInvalidInput)
	}
	if !isGroup {
		groupName = ""

		existing, err := s.convs.FindDirect(ctx, all)
		if err == nil {
			return existing, false, nil
		}
		if err != data.ErrNotFound {
			return nil, false, err
		}
	}

	conv, err := s.convs.Create(ctx, all, isGroup, groupName)
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// Authorize asserts that identity is a participant of the conversation.
// The relay calls it before admitting a connection into a room so a client
// cannot observe fan-out for conversations it does not belong to.
func (s *Service) Authorize(ctx context.Context, identity string, conversationID bson.ObjectID) error {
	_, err := s.findConversation(ctx, conversationID, identity)
	return err
}

// Conversations lists the caller's conversations, most recently active first.
func (s *Service) Conversations(ctx context.Context, identity string) ([]*data.Conversation, error) {
	return s.convs.ListForParticipant(ctx, normalize.Identity(identity))
}

// Messages returns a conversation's history in arrival order, after
// asserting the caller's membership.
func (s *Service) Messages(ctx context.Context, identity string, conversationID bson.ObjectID) ([]*data.Message, error) {
	if _, err := s.findConversation(ctx, conversationID, identity); err != nil {
		return nil, err
	}
	return s.msgs.ListByConversation(ctx, conversationID)
}

// SendInput is a message submission. Timestamp is optional: the pipeline
// assigns the server clock when zero, and honors a supplied value so a retry
// re-presenting the original tuple lands on the same stored row.
type SendInput struct {
	ConversationID bson.ObjectID
	Sender         string
	Content        string
	ContentType    string
	Attachments    []data.Attachment
	Timestamp      time.Time
}

// Send runs the ingestion pipeline: validate, authorize, idempotent insert,
// summary update, and returns the stored message. fresh=false means this was
// a duplicate of an already-stored send; the summary was left untouched and
// the caller should still fan out the existing row so the submitting client
// can reconcile its optimistic entry.
func (s *Service) Send(ctx context.Context, in SendInput) (msg *data.Message, fresh bool, err error) {
	sender := normalize.Identity(in.Sender)
	if in.ConversationID.IsZero() || sender == "" {
		return nil, false, fmt.Errorf("%w: conversation id and sender are required", ErrInvalidInput)
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = data.ContentText
	}
	switch contentType {
	case data.ContentText, data.ContentImage, data.ContentFile:
	default:
		return nil, false, fmt.Errorf("%w: unknown content type %q", ErrInvalidInput, contentType)
	}
	// file/image sends may carry empty content and lean on attachments
	if in.Content == "" && contentType == data.ContentText {
		return nil, false, fmt.Errorf("%w: text messages require content", ErrInvalidInput)
	}

	conv, err := s.findConversation(ctx, in.ConversationID, sender)
	if err != nil {
		return nil, false, err
	}

	timestamp := in.Timestamp
	if timestamp.IsZero() {
		timestamp = s.now()
	}

	// direct conversations carry the counterpart as the receiver hint
	receiver := ""
	if !conv.IsGroup {
		for _, p := range conv.Participants {
			if p != sender {
				receiver = p
				break
			}
		}
	}

	candidate := &data.Message{
		ConversationID: in.ConversationID,
		Sender:         sender,
		Receiver:       receiver,
		Content:        in.Content,
		ContentType:    contentType,
		Attachments:    in.Attachments,
		Timestamp:      timestamp,
		Read:           false,
	}

	stored, wasNew, err := s.msgs.InsertIfAbsent(ctx, candidate)
	if err != nil {
		return nil, false, err
	}
	if !wasNew {
		// Retry of an already-stored send: no summary touch, no second row.
		return stored, false, nil
	}

	if err := s.convs.UpdateSummary(ctx, in.ConversationID, stored.Summarize()); err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// EditInput addresses an edit of an existing message's content.
type EditInput struct {
	MessageID bson.ObjectID
	Editor    string
	Content   string
}

// Edit rewrites a message's content. Only the original sender, only for
// plain-text messages, only within EditWindow of the message timestamp.
// The edit also refreshes the message timestamp, making the edited message
// the conversation's most recent, so the summary is rewritten from it.
func (s *Service) Edit(ctx context.Context, in EditInput) (*data.Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: content cannot be empty", ErrInvalidInput)
	}

	msg, err := s.findMessage(ctx, in.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.Sender != normalize.Identity(in.Editor) {
		return nil, ErrNotSender
	}
	if msg.ContentType != data.ContentText {
		return nil, ErrNotEditable
	}
	if s.now().Sub(msg.Timestamp) > EditWindow {
		return nil, ErrEditWindowExpired
	}

	updatedAt := s.now()
	if err := s.msgs.UpdateContent(ctx, in.MessageID, in.Content, updatedAt); err != nil {
		return nil, err
	}

	msg.Content = in.Content
	msg.Timestamp = updatedAt.UTC().Truncate(time.Millisecond)

	if err := s.convs.UpdateSummary(ctx, msg.ConversationID, msg.Summarize()); err != nil {
		return nil, err
	}
	return msg, nil
}

// Delete removes a message (sender-only), recomputes the conversation's
// last-message summary from the most recent surviving message (clearing it
// when none remain), and pulls the id from the pinned set unconditionally.
// The deleted message is returned so surfaces know which room to notify.
func (s *Service) Delete(ctx context.Context, caller string, messageID bson.ObjectID) (*data.Message, error) {
	msg, err := s.findMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Sender != normalize.Identity(caller) {
		return nil, ErrNotSender
	}

	if err := s.msgs.Delete(ctx, messageID); err != nil && err != data.ErrNotFound {
		return nil, err
	}

	latest, err := s.msgs.LatestIn(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	var summary *data.Summary
	if latest != nil {
		summary = latest.Summarize()
	}
	if err := s.convs.UpdateSummary(ctx, msg.ConversationID, summary); err != nil {
		return nil, err
	}

	// idempotent no-op when the message was never pinned
	if err := s.convs.RemovePinned(ctx, msg.ConversationID, messageID); err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkRead flips a message's read flag. Any participant of the owning
// conversation may mark it.
func (s *Service) MarkRead(ctx context.Context, caller string, messageID bson.ObjectID) (*data.Message, error) {
	msg, err := s.findMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.findConversation(ctx, msg.ConversationID, caller); err != nil {
		return nil, err
	}

	if err := s.msgs.SetRead(ctx, messageID); err != nil {
		return nil, err
	}
	msg.Read = true
	return msg, nil
}

// React appends an emoji reaction from the caller. Append-only: repeated
// identical reactions accumulate.
func (s *Service) React(ctx context.Context, caller string, messageID bson.ObjectID, emoji string) (*data.Message, data.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, data.Reaction{}, fmt.Errorf("%w: emoji is required", ErrInvalidInput)
	}

	msg, err := s.findMessage(ctx, messageID)
	if err != nil {
		return nil, data.Reaction{}, err
	}
	if _, err := s.findConversation(ctx, msg.ConversationID, caller); err != nil {
		return nil, data.Reaction{}, err
	}

	reaction := data.Reaction{User: normalize.Identity(caller), Emoji: emoji}
	if err := s.msgs.AppendReaction(ctx, messageID, reaction); err != nil {
		return nil, data.Reaction{}, err
	}
	msg.Reactions = append(msg.Reactions, reaction)
	return msg, reaction, nil
}

// Pin adds a message to the addressed conversation's pinned set. The message
// must exist and must belong to that conversation.
func (s *Service) Pin(ctx context.Context, caller string, conversationID, messageID bson.ObjectID) error {
	if _, err := s.findConversation(ctx, conversationID, caller); err != nil {
		return err
	}
	msg, err := s.findMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != conversationID {
		return fmt.Errorf("%w: message does not belong to this conversation", ErrInvalidInput)
	}
	return s.convs.AddPinned(ctx, conversationID, messageID)
}

// Unpin removes a message from the addressed conversation's pinned set.
func (s *Service) Unpin(ctx context.Context, caller string, conversationID, messageID bson.ObjectID) error {
	if _, err := s.findConversation(ctx, conversationID, caller); err != nil {
		return err
	}
	msg, err := s.findMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != conversationID {
		return fmt.Errorf("%w: message does not belong to this conversation", ErrInvalidInput)
	}
	return s.convs.RemovePinned(ctx, conversationID, messageID)
}
