package store

import "bookstall/pkg/domain"

// Store defines persistence operations for users, books, purchases, and
// support messages.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	// books
	SaveBook(domain.Book) error
	ListBooks() ([]domain.Book, error)
	GetBook(id string) (domain.Book, bool, error)
	DeleteBook(id string) error
	CountBooks() (int64, error)

	// purchases
	UpsertPendingPurchase(userID, bookID string) (domain.Purchase, error)
	GetPurchase(id string) (domain.Purchase, bool, error)
	ListPurchases() ([]domain.Purchase, error)
	ListCompletedPurchases(userID string) ([]domain.Purchase, error)
	HasCompletedPurchase(userID, bookID string) (bool, error)
	SetPurchaseStatus(id string, status domain.PurchaseStatus) error
	CountPurchasesByStatus(status domain.PurchaseStatus) (int64, error)

	// messages
	AppendMessage(domain.Message) error
	ListThread(userID string) ([]domain.Message, error)
	ListConversations() ([]domain.Conversation, error)
}
