package realtime

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bookstall/pkg/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 16
)

// ConversationKey maps a message to the support conversation it belongs to.
// Both sides of a thread share the non-admin user's ID: user messages carry
// it as sender, admin replies as recipient.
func ConversationKey(m domain.Message) string {
	if m.IsAdmin {
		return m.RecipientID
	}
	return m.SenderID
}

// Hub fans stored messages out to websocket subscribers. Each subscription
// is scoped to one conversation; published messages are matched against that
// scope before delivery, so a subscriber never sees another user's thread.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscription is one live listener on a conversation.
type Subscription struct {
	hub          *Hub
	conversation string
	ch           chan domain.Message
	closeOnce    sync.Once
}

// Subscribe registers a listener for one conversation.
func (h *Hub) Subscribe(conversation string) *Subscription {
	sub := &Subscription{
		hub:          h,
		conversation: conversation,
		ch:           make(chan domain.Message, sendBufferSize),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers a message to every subscriber of its conversation.
// Slow consumers are skipped rather than blocking the sender.
func (h *Hub) Publish(m domain.Message) {
	key := ConversationKey(m)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.conversation != key {
			continue
		}
		select {
		case sub.ch <- m:
		default:
			slog.Warn("dropping realtime message for slow subscriber", "conversation", key)
		}
	}
}

// Messages exposes the subscriber's delivery channel.
func (s *Subscription) Messages() <-chan domain.Message {
	return s.ch
}

// Close removes the subscription from the hub.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is already CORS-open; token auth happens before the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and streams the conversation until either
// side goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, conversation string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	sub := h.Subscribe(conversation)
	defer sub.Close()
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sub.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
