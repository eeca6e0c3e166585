package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/campushq/chat-relay/internal/auth"
	"github.com/campushq/chat-relay/internal/chat"
	"github.com/campushq/chat-relay/internal/middleware"
)

// newRelay builds the full server over the in-memory store and returns the
// business core too, so tests can seed conversations directly.
func newRelay(t *testing.T) (*httptest.Server, *chat.Service) {
	t.Helper()

	convs, msgs := chat.NewMemStore()
	svc := chat.NewService(convs, msgs)
	verifier := auth.NewVerifier("", 24*time.Hour)
	limiter := middleware.NewLimiterStore(1000, 10, time.Minute)
	t.Cleanup(limiter.Stop)

	srv := newServer(svc, verifier, limiter, nil, "http://localhost:3000")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

type relayClient struct {
	conn *websocket.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func dialRelay(t *testing.T, ts *httptest.Server) *relayClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, err := websocket.Dial(wsURL, "", ts.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	return &relayClient{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

func (c *relayClient) send(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	if err := c.enc.Encode(frame{Event: event, Payload: raw}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

// waitFor reads frames until one with the wanted event arrives, skipping
// interleaved presence broadcasts and the like.
func (c *relayClient) waitFor(t *testing.T, event string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		var f frame
		if err := c.dec.Decode(&f); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
	t.Fatalf("no %s frame after 20 reads", event)
	return frame{}
}

func (c *relayClient) authenticate(t *testing.T, identity string) {
	t.Helper()
	c.send(t, "authenticate", authenticatePayload{Token: identity})
	c.waitFor(t, "onlineUsers")
}

func TestWS_UnauthenticatedFramesAreRejected(t *testing.T) {
	ts, _ := newRelay(t)
	client := dialRelay(t, ts)

	client.send(t, "joinConversation", roomPayload{ConversationID: "aaaaaaaaaaaaaaaaaaaaaaaa"})
	f := client.waitFor(t, "error")

	var e errorPayload
	if err := json.Unmarshal(f.Payload, &e); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if e.Message != "authentication required" {
		t.Fatalf("error message = %q", e.Message)
	}
}

func TestWS_JoinRequiresMembership(t *testing.T) {
	ts, svc := newRelay(t)
	conv, _, err := svc.CreateConversation(context.Background(), "alice@example.com", []string{"bob@example.com"}, false, "")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	client := dialRelay(t, ts)
	client.authenticate(t, "mallory@example.com")

	client.send(t, "joinConversation", roomPayload{ConversationID: conv.ID.Hex()})
	f := client.waitFor(t, "error")

	var e errorPayload
	_ = json.Unmarshal(f.Payload, &e)
	if !strings.Contains(e.Message, "participant") {
		t.Fatalf("expected a membership error, got %q", e.Message)
	}
}

func TestWS_SendFanOutAndDuplicateReconciliation(t *testing.T) {
	ts, svc := newRelay(t)
	conv, _, err := svc.CreateConversation(context.Background(), "alice@example.com", []string{"bob@example.com"}, false, "")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	alice := dialRelay(t, ts)
	bob := dialRelay(t, ts)
	alice.authenticate(t, "alice@example.com")
	bob.authenticate(t, "bob@example.com")

	alice.send(t, "joinConversation", roomPayload{ConversationID: conv.ID.Hex()})
	alice.waitFor(t, "joinedConversation")
	bob.send(t, "joinConversation", roomPayload{ConversationID: conv.ID.Hex()})
	bob.waitFor(t, "joinedConversation")

	payload := sendPayload{
		ConversationID: conv.ID.Hex(),
		Content:        "hi",
		Timestamp:      time.Now().UTC(),
		TempID:         "tmp-1",
	}
	alice.send(t, "sendMessage", payload)

	aliceFrame := alice.waitFor(t, "newMessage")
	bobFrame := bob.waitFor(t, "newMessage")

	var fromAlice, fromBob struct {
		ID      string `json:"id"`
		Content string `json:"content"`
		Sender  string `json:"sender"`
		TempID  string `json:"tempId"`
	}
	if err := json.Unmarshal(aliceFrame.Payload, &fromAlice); err != nil {
		t.Fatalf("decode newMessage: %v", err)
	}
	if err := json.Unmarshal(bobFrame.Payload, &fromBob); err != nil {
		t.Fatalf("decode newMessage: %v", err)
	}

	if fromAlice.Content != "hi" || fromAlice.Sender != "alice@example.com" {
		t.Fatalf("sender's copy wrong: %+v", fromAlice)
	}
	if fromAlice.TempID != "tmp-1" {
		t.Fatalf("fan-out must echo the client's tempId, got %q", fromAlice.TempID)
	}
	if fromAlice.ID != fromBob.ID {
		t.Fatalf("peers saw different message ids: %s vs %s", fromAlice.ID, fromBob.ID)
	}

	// retransmit the identical payload; the relay fans out the stored row
	// again with the same identity so the client can reconcile
	alice.send(t, "sendMessage", payload)
	retried := alice.waitFor(t, "newMessage")
	var fromRetry struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(retried.Payload, &fromRetry)
	if fromRetry.ID != fromAlice.ID {
		t.Fatalf("duplicate send produced a new identity: %s vs %s", fromRetry.ID, fromAlice.ID)
	}
}

func TestWS_TypingExcludesSender(t *testing.T) {
	ts, svc := newRelay(t)
	conv, _, err := svc.CreateConversation(context.Background(), "alice@example.com", []string{"bob@example.com"}, false, "")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	alice := dialRelay(t, ts)
	bob := dialRelay(t, ts)
	alice.authenticate(t, "alice@example.com")
	bob.authenticate(t, "bob@example.com")

	alice.send(t, "joinConversation", roomPayload{ConversationID: conv.ID.Hex()})
	alice.waitFor(t, "joinedConversation")
	bob.send(t, "joinConversation", roomPayload{ConversationID: conv.ID.Hex()})
	bob.waitFor(t, "joinedConversation")

	alice.send(t, "typing", typingPayload{ConversationID: conv.ID.Hex(), IsTyping: true})

	f := bob.waitFor(t, "typing")
	var typing typingEvent
	if err := json.Unmarshal(f.Payload, &typing); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if typing.User != "alice@example.com" || !typing.IsTyping {
		t.Fatalf("typing payload wrong: %+v", typing)
	}

	// alice then sends a message; her next room frame must be newMessage,
	// proving her own typing event was never delivered back to her
	alice.send(t, "sendMessage", sendPayload{ConversationID: conv.ID.Hex(), Content: "done typing"})
	for i := 0; i < 20; i++ {
		var next frame
		if err := alice.dec.Decode(&next); err != nil {
			t.Fatalf("read after typing: %v", err)
		}
		switch next.Event {
		case "typing":
			t.Fatal("sender received its own typing event")
		case "newMessage":
			return
		}
	}
	t.Fatal("newMessage never arrived")
}

func TestWS_DisconnectUpdatesPresence(t *testing.T) {
	ts, _ := newRelay(t)

	alice := dialRelay(t, ts)
	bob := dialRelay(t, ts)
	alice.authenticate(t, "alice@example.com")
	bob.authenticate(t, "bob@example.com")

	_ = bob.conn.Close()

	// alice eventually sees a presence list without bob
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f := alice.waitFor(t, "onlineUsers")
		var users []string
		if err := json.Unmarshal(f.Payload, &users); err != nil {
			t.Fatalf("decode onlineUsers: %v", err)
		}
		online := map[string]bool{}
		for _, u := range users {
			online[u] = true
		}
		if !online["bob@example.com"] {
			if !online["alice@example.com"] {
				t.Fatalf("alice missing from presence list: %v", users)
			}
			return
		}
	}
	t.Fatal("presence list never dropped the disconnected client")
}
