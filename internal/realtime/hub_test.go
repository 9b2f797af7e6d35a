package realtime

import (
	"testing"
	"time"

	"bookstall/pkg/domain"
)

func TestPublishDeliversOnlyToMatchingConversation(t *testing.T) {
	hub := NewHub()
	alice := hub.Subscribe("user-alice")
	bob := hub.Subscribe("user-bob")
	defer alice.Close()
	defer bob.Close()

	hub.Publish(domain.Message{
		SenderID:    "user-alice",
		RecipientID: domain.AdminInbox,
		Content:     "hello",
	})

	select {
	case msg := <-alice.Messages():
		if msg.Content != "hello" {
			t.Fatalf("content = %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatalf("alice never received her message")
	}
	select {
	case msg := <-bob.Messages():
		t.Fatalf("bob received foreign message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdminReplyReachesUserSubscription(t *testing.T) {
	hub := NewHub()
	alice := hub.Subscribe("user-alice")
	defer alice.Close()

	hub.Publish(domain.Message{
		SenderID:    "admin-1",
		RecipientID: "user-alice",
		IsAdmin:     true,
		Content:     "we got you",
	})

	select {
	case msg := <-alice.Messages():
		if !msg.IsAdmin {
			t.Fatalf("expected admin reply, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("admin reply never delivered")
	}
}

func TestConversationKey(t *testing.T) {
	user := domain.Message{SenderID: "u1", RecipientID: domain.AdminInbox}
	if got := ConversationKey(user); got != "u1" {
		t.Fatalf("user message key = %q, want u1", got)
	}
	admin := domain.Message{SenderID: "a1", RecipientID: "u1", IsAdmin: true}
	if got := ConversationKey(admin); got != "u1" {
		t.Fatalf("admin message key = %q, want u1", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("user-x")
	sub.Close()
	sub.Close()
	hub.Publish(domain.Message{SenderID: "user-x"})
}
