package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/campushq/chat-relay/internal/data"
	"github.com/campushq/chat-relay/internal/normalize"
)

// NewMemStore returns in-memory implementations of both store interfaces
// sharing one state, used by tests and offline runs. They mirror the Mongo
// stores' observable behavior: the natural-key idempotent insert, millisecond
// timestamp truncation, distinct not-found/not-member sentinels, and set
// semantics for pins.
func NewMemStore() (*MemConversations, *MemMessages) {
	state := &memState{
		convs: make(map[bson.ObjectID]*data.Conversation),
		msgs:  make(map[bson.ObjectID]*data.Message),
	}
	return &MemConversations{state}, &MemMessages{state}
}

type memState struct {
	mu    sync.Mutex
	convs map[bson.ObjectID]*data.Conversation
	msgs  map[bson.ObjectID]*data.Message
	// order preserves insertion sequence so equal-timestamp scans are stable
	order []bson.ObjectID
}

// MemConversations is the in-memory ConversationStore.
type MemConversations struct{ state *memState }

// MemMessages is the in-memory MessageStore.
type MemMessages struct{ state *memState }

var _ ConversationStore = (*MemConversations)(nil)
var _ MessageStore = (*MemMessages)(nil)

func cloneConversation(c *data.Conversation) *data.Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.Pinned = append([]bson.ObjectID{}, c.Pinned...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

func cloneMessage(m *data.Message) *data.Message {
	out := *m
	out.Attachments = append([]data.Attachment{}, m.Attachments...)
	out.Reactions = append([]data.Reaction{}, m.Reactions...)
	return &out
}

func (s *MemConversations) Create(ctx context.Context, participants []string, isGroup bool, groupName string) (*data.Conversation, error) {
	seen := make(map[string]struct{}, len(participants))
	normalized := make([]string, 0, len(participants))
	for _, p := range participants {
		p = normalize.Identity(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}

	conv := &data.Conversation{
		ID:           bson.NewObjectID(),
		Participants: normalized,
		IsGroup:      isGroup,
		GroupName:    groupName,
		Pinned:       []bson.ObjectID{},
		CreatedAt:    time.Now().UTC(),
	}

	s.state.mu.Lock()
	s.state.convs[conv.ID] = conv
	s.state.mu.Unlock()
	return cloneConversation(conv), nil
}

func (s *MemConversations) Find(ctx context.Context, id bson.ObjectID) (*data.Conversation, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	conv, ok := s.state.convs[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemConversations) FindForParticipant(ctx context.Context, id bson.ObjectID, identity string) (*data.Conversation, error) {
	conv, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(normalize.Identity(identity)) {
		return nil, data.ErrNotMember
	}
	return conv, nil
}

func (s *MemConversations) FindDirect(ctx context.Context, participants []string) (*data.Conversation, error) {
	want := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		want[normalize.Identity(p)] = struct{}{}
	}

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	for _, conv := range s.state.convs {
		if conv.IsGroup || len(conv.Participants) != len(want) {
			continue
		}
		match := true
		for _, p := range conv.Participants {
			if _, ok := want[p]; !ok {
				match = false
				break
			}
		}
		if match {
			return cloneConversation(conv), nil
		}
	}
	return nil, data.ErrNotFound
}

func (s *MemConversations) ListForParticipant(ctx context.Context, identity string) ([]*data.Conversation, error) {
	identity = normalize.Identity(identity)

	s.state.mu.Lock()
	var out []*data.Conversation
	for _, conv := range s.state.convs {
		if conv.HasParticipant(identity) {
			out = append(out, cloneConversation(conv))
		}
	}
	s.state.mu.Unlock()

	// most recently active first; conversations without a summary last
	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time{}, time.Time{}
		if out[i].LastMessage != nil {
			ti = out[i].LastMessage.Timestamp
		}
		if out[j].LastMessage != nil {
			tj = out[j].LastMessage.Timestamp
		}
		return ti.After(tj)
	})
	return out, nil
}

func (s *MemConversations) UpdateSummary(ctx context.Context, id bson.ObjectID, summary *data.Summary) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	conv, ok := s.state.convs[id]
	if !ok {
		return data.ErrNotFound
	}
	if summary == nil {
		conv.LastMessage = nil
		return nil
	}
	copied := *summary
	conv.LastMessage = &copied
	return nil
}

func (s *MemConversations) AddPinned(ctx context.Context, id, messageID bson.ObjectID) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	conv, ok := s.state.convs[id]
	if !ok {
		return data.ErrNotFound
	}
	for _, pinned := range conv.Pinned {
		if pinned == messageID {
			return nil
		}
	}
	conv.Pinned = append(conv.Pinned, messageID)
	return nil
}

func (s *MemConversations) RemovePinned(ctx context.Context, id, messageID bson.ObjectID) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	conv, ok := s.state.convs[id]
	if !ok {
		return data.ErrNotFound
	}
	kept := conv.Pinned[:0]
	for _, pinned := range conv.Pinned {
		if pinned != messageID {
			kept = append(kept, pinned)
		}
	}
	conv.Pinned = kept
	return nil
}

func (s *MemMessages) InsertIfAbsent(ctx context.Context, msg *data.Message) (*data.Message, bool, error) {
	candidate := cloneMessage(msg)
	candidate.Sender = normalize.Identity(candidate.Sender)
	if candidate.Receiver != "" {
		candidate.Receiver = normalize.Identity(candidate.Receiver)
	}
	candidate.Timestamp = candidate.Timestamp.UTC().Truncate(time.Millisecond)

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	// natural-key scan stands in for the unique index
	for _, id := range s.state.order {
		existing := s.state.msgs[id]
		if existing.ConversationID == candidate.ConversationID &&
			existing.Sender == candidate.Sender &&
			existing.Content == candidate.Content &&
			existing.Timestamp.Equal(candidate.Timestamp) {
			return cloneMessage(existing), false, nil
		}
	}

	candidate.ID = bson.NewObjectID()
	s.state.msgs[candidate.ID] = candidate
	s.state.order = append(s.state.order, candidate.ID)
	return cloneMessage(candidate), true, nil
}

func (s *MemMessages) Find(ctx context.Context, id bson.ObjectID) (*data.Message, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	msg, ok := s.state.msgs[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (s *MemMessages) ListByConversation(ctx context.Context, conversationID bson.ObjectID) ([]*data.Message, error) {
	s.state.mu.Lock()
	var out []*data.Message
	for _, id := range s.state.order {
		if msg := s.state.msgs[id]; msg != nil && msg.ConversationID == conversationID {
			out = append(out, cloneMessage(msg))
		}
	}
	s.state.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemMessages) LatestIn(ctx context.Context, conversationID bson.ObjectID) (*data.Message, error) {
	msgs, err := s.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[len(msgs)-1], nil
}

func (s *MemMessages) UpdateContent(ctx context.Context, id bson.ObjectID, content string, timestamp time.Time) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	msg, ok := s.state.msgs[id]
	if !ok {
		return data.ErrNotFound
	}
	msg.Content = content
	msg.Timestamp = timestamp.UTC().Truncate(time.Millisecond)
	return nil
}

func (s *MemMessages) SetRead(ctx context.Context, id bson.ObjectID) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	msg, ok := s.state.msgs[id]
	if !ok {
		return data.ErrNotFound
	}
	msg.Read = true
	return nil
}

func (s *MemMessages) AppendReaction(ctx context.Context, id bson.ObjectID, reaction data.Reaction) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	msg, ok := s.state.msgs[id]
	if !ok {
		return data.ErrNotFound
	}
	reaction.User = normalize.Identity(reaction.User)
	msg.Reactions = append(msg.Reactions, reaction)
	return nil
}

func (s *MemMessages) Delete(ctx context.Context, id bson.ObjectID) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if _, ok := s.state.msgs[id]; !ok {
		return data.ErrNotFound
	}
	delete(s.state.msgs, id)
	kept := s.state.order[:0]
	for _, existing := range s.state.order {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	s.state.order = kept
	return nil
}
