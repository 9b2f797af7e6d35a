package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type BookModel struct {
	ID           string `gorm:"primaryKey"`
	Title        string `gorm:"not null"`
	Description  string `gorm:"type:text;not null"`
	Price        int64  `gorm:"not null"`
	PDFKey       string `gorm:"not null"`
	ThumbnailKey string
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type PurchaseModel struct {
	ID        string     `gorm:"primaryKey"`
	UserID    string     `gorm:"not null;index"`
	BookID    string     `gorm:"not null;index"`
	Status    string     `gorm:"not null"`
	CreatedAt time.Time  `gorm:"not null;index"`
	UpdatedAt time.Time  `gorm:"not null"`
	Book      *BookModel `gorm:"foreignKey:BookID"`
}

type MessageModel struct {
	ID          string    `gorm:"primaryKey"`
	SenderID    string    `gorm:"not null;index"`
	SenderEmail string    `gorm:"not null"`
	RecipientID string    `gorm:"not null;index"`
	Content     string    `gorm:"type:text;not null"`
	IsAdmin     bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;index"`
}
