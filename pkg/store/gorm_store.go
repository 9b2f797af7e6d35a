package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookstall/pkg/domain"
)

const migrateLockID int64 = 58215821

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &BookModel{}, &PurchaseModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// One open purchase per (user, book). Repeat confirmations collapse
		// into the existing pending row instead of piling up duplicates.
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS purchase_models_pending_unique
			ON purchase_models (user_id, book_id)
			WHERE status = 'pending';
		`).Error; err != nil {
			return fmt.Errorf("create pending purchase index: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM purchase_models p
				WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = p.book_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'purchase_models'
					AND constraint_name = 'purchase_models_book_id_fkey'
				) THEN
					ALTER TABLE purchase_models
					ADD CONSTRAINT purchase_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure purchase foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "updated_at"}),
	}).Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "description", "price", "pdf_key", "thumbnail_key", "updated_at"}),
	}).Create(&model).Error
}

// ListBooks returns the catalog newest first.
func (s *GormStore) ListBooks() ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// DeleteBook removes the metadata row (purchases cascade via FK).
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Delete(&BookModel{}, "id = ?", id).Error
}

// CountBooks returns the catalog size.
func (s *GormStore) CountBooks() (int64, error) {
	var count int64
	if err := s.db.Model(&BookModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// UpsertPendingPurchase records a payment self-report. A second confirmation
// for the same (user, book) touches the existing pending row.
func (s *GormStore) UpsertPendingPurchase(userID, bookID string) (domain.Purchase, error) {
	now := time.Now().UTC()
	model := PurchaseModel{
		ID:        uuid.NewString(),
		UserID:    userID,
		BookID:    bookID,
		Status:    string(domain.PurchasePending),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "book_id"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: "status", Value: string(domain.PurchasePending)},
		}},
		DoUpdates: clause.Assignments(map[string]any{"updated_at": now}),
	}).Create(&model).Error; err != nil {
		return domain.Purchase{}, err
	}
	var stored PurchaseModel
	if err := s.db.
		Where("user_id = ? AND book_id = ? AND status = ?", userID, bookID, string(domain.PurchasePending)).
		First(&stored).Error; err != nil {
		return domain.Purchase{}, err
	}
	return purchaseFromModel(stored), nil
}

// GetPurchase retrieves one purchase with its book.
func (s *GormStore) GetPurchase(id string) (domain.Purchase, bool, error) {
	var model PurchaseModel
	if err := s.db.Preload("Book").First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Purchase{}, false, nil
		}
		return domain.Purchase{}, false, err
	}
	return purchaseFromModel(model), true, nil
}

// ListPurchases returns every purchase newest first, for the admin console.
func (s *GormStore) ListPurchases() ([]domain.Purchase, error) {
	var models []PurchaseModel
	if err := s.db.Preload("Book").Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Purchase, 0, len(models))
	for _, m := range models {
		res = append(res, purchaseFromModel(m))
	}
	return res, nil
}

// ListCompletedPurchases returns the buyer's library entries.
func (s *GormStore) ListCompletedPurchases(userID string) ([]domain.Purchase, error) {
	var models []PurchaseModel
	if err := s.db.Preload("Book").
		Where("user_id = ? AND status = ?", userID, string(domain.PurchaseCompleted)).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Purchase, 0, len(models))
	for _, m := range models {
		res = append(res, purchaseFromModel(m))
	}
	return res, nil
}

// HasCompletedPurchase is the access-gate predicate.
func (s *GormStore) HasCompletedPurchase(userID, bookID string) (bool, error) {
	var count int64
	if err := s.db.Model(&PurchaseModel{}).
		Where("user_id = ? AND book_id = ? AND status = ?", userID, bookID, string(domain.PurchaseCompleted)).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetPurchaseStatus overwrites the status unconditionally.
func (s *GormStore) SetPurchaseStatus(id string, status domain.PurchaseStatus) error {
	return s.db.Model(&PurchaseModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}).Error
}

// CountPurchasesByStatus backs the admin dashboard counters.
func (s *GormStore) CountPurchasesByStatus(status domain.PurchaseStatus) (int64, error) {
	var count int64
	if err := s.db.Model(&PurchaseModel{}).Where("status = ?", string(status)).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// AppendMessage records a chat message.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// ListThread returns a conversation in chronological order. The thread of a
// user is every message they sent or received.
func (s *GormStore) ListThread(userID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("sender_id = ? OR recipient_id = ?", userID, userID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// ListConversations returns distinct non-admin senders for the inbox roster,
// most recently active first.
func (s *GormStore) ListConversations() ([]domain.Conversation, error) {
	var rows []struct {
		SenderID    string
		SenderEmail string
	}
	if err := s.db.Model(&MessageModel{}).
		Select("sender_id, max(sender_email) AS sender_email").
		Where("is_admin = ?", false).
		Group("sender_id").
		Order("max(created_at) DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Conversation, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.Conversation{UserID: row.SenderID, Email: row.SenderEmail})
	}
	return res, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:           b.ID,
		Title:        b.Title,
		Description:  b.Description,
		Price:        b.Price,
		PDFKey:       b.PDFKey,
		ThumbnailKey: b.ThumbnailKey,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:           m.ID,
		Title:        m.Title,
		Description:  m.Description,
		Price:        m.Price,
		PDFKey:       m.PDFKey,
		ThumbnailKey: m.ThumbnailKey,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func purchaseFromModel(m PurchaseModel) domain.Purchase {
	p := domain.Purchase{
		ID:        m.ID,
		UserID:    m.UserID,
		BookID:    m.BookID,
		Status:    domain.PurchaseStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.Book != nil {
		book := bookFromModel(*m.Book)
		p.Book = &book
	}
	return p
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		SenderEmail: msg.SenderEmail,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		IsAdmin:     msg.IsAdmin,
		CreatedAt:   msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:          m.ID,
		SenderID:    m.SenderID,
		SenderEmail: m.SenderEmail,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		IsAdmin:     m.IsAdmin,
		CreatedAt:   m.CreatedAt,
	}
}
