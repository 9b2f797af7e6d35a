package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookstall/pkg/domain"
)

// MemoryStore keeps everything in maps. Used by tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]domain.User
	books     map[string]domain.Book
	purchases map[string]domain.Purchase
	messages  []domain.Message
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]domain.User),
		books:     make(map[string]domain.Book),
		purchases: make(map[string]domain.Purchase),
	}
}

func (s *MemoryStore) SaveUser(u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) HasUserEmail(email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (s *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) SaveBook(b domain.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[b.ID] = b
	return nil
}

func (s *MemoryStore) ListBooks() ([]domain.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Book, 0, len(s.books))
	for _, b := range s.books {
		res = append(res, b)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (s *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	return b, ok, nil
}

func (s *MemoryStore) DeleteBook(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, id)
	for pid, p := range s.purchases {
		if p.BookID == id {
			delete(s.purchases, pid)
		}
	}
	return nil
}

func (s *MemoryStore) CountBooks() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.books)), nil
}

func (s *MemoryStore) UpsertPendingPurchase(userID, bookID string) (domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for id, p := range s.purchases {
		if p.UserID == userID && p.BookID == bookID && p.Status == domain.PurchasePending {
			p.UpdatedAt = now
			s.purchases[id] = p
			return p, nil
		}
	}
	p := domain.Purchase{
		ID:        uuid.NewString(),
		UserID:    userID,
		BookID:    bookID,
		Status:    domain.PurchasePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.purchases[p.ID] = p
	return p, nil
}

func (s *MemoryStore) GetPurchase(id string) (domain.Purchase, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.purchases[id]
	if !ok {
		return domain.Purchase{}, false, nil
	}
	return s.attachBook(p), true, nil
}

func (s *MemoryStore) ListPurchases() ([]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Purchase, 0, len(s.purchases))
	for _, p := range s.purchases {
		res = append(res, s.attachBook(p))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (s *MemoryStore) ListCompletedPurchases(userID string) ([]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Purchase, 0)
	for _, p := range s.purchases {
		if p.UserID == userID && p.Status == domain.PurchaseCompleted {
			res = append(res, s.attachBook(p))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (s *MemoryStore) HasCompletedPurchase(userID, bookID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.purchases {
		if p.UserID == userID && p.BookID == bookID && p.Status == domain.PurchaseCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) SetPurchaseStatus(id string, status domain.PurchaseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok {
		return nil
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	s.purchases[id] = p
	return nil
}

func (s *MemoryStore) CountPurchasesByStatus(status domain.PurchaseStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, p := range s.purchases {
		if p.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) AppendMessage(msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *MemoryStore) ListThread(userID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Message, 0)
	for _, m := range s.messages {
		if m.SenderID == userID || m.RecipientID == userID {
			res = append(res, m)
		}
	}
	return res, nil
}

func (s *MemoryStore) ListConversations() ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	res := make([]domain.Conversation, 0)
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.IsAdmin || seen[m.SenderID] {
			continue
		}
		seen[m.SenderID] = true
		res = append(res, domain.Conversation{UserID: m.SenderID, Email: m.SenderEmail})
	}
	return res, nil
}

func (s *MemoryStore) attachBook(p domain.Purchase) domain.Purchase {
	if b, ok := s.books[p.BookID]; ok {
		book := b
		p.Book = &book
	}
	return p
}
