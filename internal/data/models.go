// Package data provides DB models and stores for the chat relay.
package data

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Store-level failure conditions. Absence and non-membership are distinct on
// purpose: the surfaces map them to 404 and 403 respectively.
var (
	// ErrNotFound means the addressed conversation or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotMember means the conversation exists but the caller is not a participant.
	ErrNotMember = errors.New("not a participant")
)

// Content types a message may carry. Text messages must have content;
// image and file messages may be empty and lean on their attachments.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentFile  = "file"
)

// Summary is the denormalized last-message snapshot stored on a conversation
// for list-view display.
type Summary struct {
	Content   string    `bson:"content" json:"content"`
	Sender    string    `bson:"sender" json:"sender"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Attachment references an already-uploaded object; the relay never touches
// attachment bytes.
type Attachment struct {
	Name     string `bson:"name" json:"name"`
	URL      string `bson:"url" json:"url"`
	Size     int64  `bson:"size" json:"size"`
	MimeType string `bson:"mime_type" json:"type"`
}

// Reaction is a single emoji reaction. Append-only: repeated identical
// reactions from the same user accumulate.
type Reaction struct {
	User  string `bson:"user" json:"user"`
	Emoji string `bson:"emoji" json:"emoji"`
}

// Conversation maps to the conversations collection.
type Conversation struct {
	ID           bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Participants []string      `bson:"participants" json:"participants"`
	IsGroup      bool          `bson:"is_group" json:"isGroup"`
	// GroupName is set iff IsGroup
	GroupName string `bson:"group_name,omitempty" json:"groupName,omitempty"`
	// LastMessage is nil until the first send and after the last delete
	LastMessage *Summary `bson:"last_message,omitempty" json:"lastMessage,omitempty"`
	// Pinned holds ids of messages belonging to this conversation
	Pinned    []bson.ObjectID `bson:"pinned_messages" json:"pinnedMessages"`
	CreatedAt time.Time       `bson:"created_at" json:"createdAt"`
}

// HasParticipant reports whether identity is among the participants.
// Callers are expected to pass a normalized identity.
func (c *Conversation) HasParticipant(identity string) bool {
	for _, p := range c.Participants {
		if p == identity {
			return true
		}
	}
	return false
}

// Message maps to the messages collection.
//
// (ConversationID, Sender, Content, Timestamp) is the natural deduplication
// key backed by a unique index; see MessagesStore.InsertIfAbsent.
type Message struct {
	ID             bson.ObjectID `bson:"_id,omitempty" json:"id"`
	ConversationID bson.ObjectID `bson:"conversation_id" json:"conversationId"`
	Sender         string        `bson:"sender" json:"sender"`
	// Receiver is set on direct-conversation messages only; group messages
	// address the room
	Receiver    string       `bson:"receiver,omitempty" json:"receiver,omitempty"`
	Content     string       `bson:"content" json:"content"`
	ContentType string       `bson:"content_type" json:"contentType"`
	Attachments []Attachment `bson:"attachments" json:"attachments"`
	Timestamp   time.Time    `bson:"timestamp" json:"timestamp"`
	Read        bool         `bson:"read" json:"read"`
	Reactions   []Reaction   `bson:"reactions" json:"reactions"`
}

// Summarize builds the conversation summary for this message. When the
// content is empty (image/file sends) the snippet is synthesized from the
// first attachment name.
func (m *Message) Summarize() *Summary {
	content := m.Content
	if content == "" && len(m.Attachments) > 0 {
		content = "Uploaded " + m.Attachments[0].Name
	}
	return &Summary{
		Content:   content,
		Sender:    m.Sender,
		Timestamp: m.Timestamp,
	}
}
