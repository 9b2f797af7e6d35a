package app

import (
	"fmt"
	"strings"
	"time"

	"bookstall/internal/util"
	"bookstall/pkg/domain"
)

// Publisher receives every stored message for realtime fan-out.
type Publisher interface {
	Publish(domain.Message)
}

// SendMessage appends a chat message. Non-admin senders always write to the
// admin inbox regardless of what recipient the client claims; admins must
// address a specific user.
func (a *App) SendMessage(sender domain.User, recipientID, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, ErrMessageEmpty
	}
	isAdmin := sender.Role == domain.RoleAdmin
	if isAdmin {
		recipientID = strings.TrimSpace(recipientID)
		if recipientID == "" || recipientID == domain.AdminInbox {
			return domain.Message{}, ErrRecipientRequired
		}
	} else {
		recipientID = domain.AdminInbox
	}
	msg := domain.Message{
		ID:          util.NewID(),
		SenderID:    sender.ID,
		SenderEmail: sender.Email,
		RecipientID: recipientID,
		Content:     content,
		IsAdmin:     isAdmin,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.AppendMessage(msg); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	if a.publisher != nil {
		a.publisher.Publish(msg)
	}
	return msg, nil
}

// Thread returns the caller's support conversation, oldest first.
func (a *App) Thread(user domain.User) ([]domain.Message, error) {
	msgs, err := a.store.ListThread(user.ID)
	if err != nil {
		return nil, fmt.Errorf("list thread: %w", err)
	}
	return msgs, nil
}

// AdminThread returns one user's conversation for the admin console.
func (a *App) AdminThread(userID string) ([]domain.Message, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrRecipientRequired
	}
	msgs, err := a.store.ListThread(userID)
	if err != nil {
		return nil, fmt.Errorf("list thread: %w", err)
	}
	return msgs, nil
}

// Conversations lists distinct users with support threads, most recent first.
func (a *App) Conversations() ([]domain.Conversation, error) {
	convs, err := a.store.ListConversations()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}
