package domain

import "time"

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// AdminInbox is the recipient sentinel for messages a user sends to support.
const AdminInbox = "SYSTEM"

type Book struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Price        int64     `json:"price"`
	PDFKey       string    `json:"-"`
	ThumbnailKey string    `json:"-"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Purchase struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	BookID    string         `json:"bookId"`
	Status    PurchaseStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Book      *Book          `json:"book,omitempty"`
}

type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	SenderEmail string    `json:"senderEmail"`
	RecipientID string    `json:"recipientId"`
	Content     string    `json:"content"`
	IsAdmin     bool      `json:"isAdmin"`
	CreatedAt   time.Time `json:"createdAt"`
}

// User carries identity only. Role is derived from configuration at token
// resolution time and is never persisted.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Conversation is one entry in the admin support inbox roster.
type Conversation struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// Stats backs the admin dashboard counters.
type Stats struct {
	Books   int64 `json:"books"`
	Sales   int64 `json:"sales"`
	Pending int64 `json:"pending"`
}
