package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bookstall/internal/session"
	"bookstall/internal/util"
	"bookstall/pkg/domain"
	"bookstall/pkg/storage"
	"bookstall/pkg/store"
)

const downloadURLExpiry = 600 * time.Second

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL          string
	Store                store.Store
	MinioEndpoint        string
	MinioAccessKey       string
	MinioSecretKey       string
	MinioBookBucket      string
	MinioThumbnailBucket string
	MinioUseSSL          bool
	RedisAddr            string
	RedisPassword        string
	JWTSecret            string
	SessionTTL           time.Duration
	AdminEmail           string
	MerchantUPIID        string
	MerchantName         string
	Currency             string

	// Overrides for tests.
	PDFs      storage.ObjectStore
	Thumbs    storage.ObjectStore
	Sessions  *session.Store
	Publisher Publisher
}

// App is the core application service wiring together storage, payments,
// access control, and support chat.
type App struct {
	store         store.Store
	pdfs          storage.ObjectStore
	thumbs        storage.ObjectStore
	sessions      *session.Store
	publisher     Publisher
	adminEmail    string
	merchantUPIID string
	merchantName  string
	currency      string
	presignExpiry time.Duration
}

// New constructs the application with database-backed metadata storage and
// MinIO object storage. PDFs live in a private bucket, thumbnails in a
// public-read one.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	pdfs := cfg.PDFs
	if pdfs == nil {
		var err error
		pdfs, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBookBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init book bucket: %w", err)
		}
	}
	thumbs := cfg.Thumbs
	if thumbs == nil {
		var err error
		thumbs, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioThumbnailBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init thumbnail bucket: %w", err)
		}
	}

	sessions := cfg.Sessions
	if sessions == nil {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for session revocation")
		}
		revoker := session.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		var err error
		sessions, err = session.New(cfg.JWTSecret, cfg.SessionTTL, revoker, session.Options{})
		if err != nil {
			return nil, fmt.Errorf("init session store: %w", err)
		}
	}

	adminEmail := strings.TrimSpace(strings.ToLower(cfg.AdminEmail))
	if adminEmail == "" {
		return nil, fmt.Errorf("admin email required")
	}
	if strings.TrimSpace(cfg.MerchantUPIID) == "" {
		return nil, fmt.Errorf("merchant UPI id required")
	}
	currency := strings.TrimSpace(cfg.Currency)
	if currency == "" {
		currency = "INR"
	}

	return &App{
		store:         dataStore,
		pdfs:          pdfs,
		thumbs:        thumbs,
		sessions:      sessions,
		publisher:     cfg.Publisher,
		adminEmail:    adminEmail,
		merchantUPIID: cfg.MerchantUPIID,
		merchantName:  cfg.MerchantName,
		currency:      currency,
		presignExpiry: downloadURLExpiry,
	}, nil
}

// Upload is one incoming file part.
type Upload struct {
	Filename string
	Reader   io.Reader
	Size     int64
}

// Catalog lists all books, newest first.
func (a *App) Catalog() ([]domain.Book, error) {
	books, err := a.store.ListBooks()
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	for i := range books {
		a.fillThumbnailURL(&books[i])
	}
	return books, nil
}

// GetBook retrieves a book by ID.
func (a *App) GetBook(id string) (domain.Book, bool, error) {
	book, ok, err := a.store.GetBook(id)
	if err != nil || !ok {
		return domain.Book{}, ok, err
	}
	a.fillThumbnailURL(&book)
	return book, true, nil
}

// CreateBook uploads the PDF and optional thumbnail, then inserts the row.
// Object writes that cannot be completed are compensated so no orphan row
// references a missing object.
func (a *App) CreateBook(title, description string, price int64, pdf Upload, thumb *Upload) (domain.Book, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Book{}, fmt.Errorf("title required")
	}
	if price <= 0 {
		return domain.Book{}, fmt.Errorf("price must be positive")
	}
	if pdf.Reader == nil || pdf.Filename == "" {
		return domain.Book{}, fmt.Errorf("pdf file required")
	}

	id := util.NewID()
	ctx := context.Background()

	thumbKey := ""
	if thumb != nil && thumb.Reader != nil {
		thumbKey = buildObjectKey(id, thumb.Filename, "thumbnail")
		if err := a.thumbs.Put(ctx, thumbKey, thumb.Reader, thumb.Size, contentTypeFor(thumb.Filename)); err != nil {
			return domain.Book{}, fmt.Errorf("save thumbnail: %w", err)
		}
	}

	pdfKey := buildObjectKey(id, pdf.Filename, "book.pdf")
	if err := a.pdfs.Put(ctx, pdfKey, pdf.Reader, pdf.Size, "application/pdf"); err != nil {
		if thumbKey != "" {
			_ = a.thumbs.Delete(ctx, thumbKey)
		}
		return domain.Book{}, fmt.Errorf("save pdf: %w", err)
	}

	now := time.Now().UTC()
	book := domain.Book{
		ID:           id,
		Title:        title,
		Description:  strings.TrimSpace(description),
		Price:        price,
		PDFKey:       pdfKey,
		ThumbnailKey: thumbKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveBook(book); err != nil {
		_ = a.pdfs.Delete(ctx, pdfKey)
		if thumbKey != "" {
			_ = a.thumbs.Delete(ctx, thumbKey)
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	a.fillThumbnailURL(&book)
	return book, nil
}

// UpdateBook edits metadata and optionally replaces the stored files.
// Replaced objects are removed best-effort after the row is saved.
func (a *App) UpdateBook(id, title, description string, price int64, pdf, thumb *Upload) (domain.Book, error) {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Book{}, fmt.Errorf("title required")
	}
	if price <= 0 {
		return domain.Book{}, fmt.Errorf("price must be positive")
	}

	ctx := context.Background()
	oldPDFKey, oldThumbKey := "", ""

	if pdf != nil && pdf.Reader != nil {
		newKey := buildObjectKey(book.ID, pdf.Filename, "book.pdf")
		if err := a.pdfs.Put(ctx, newKey, pdf.Reader, pdf.Size, "application/pdf"); err != nil {
			return domain.Book{}, fmt.Errorf("save pdf: %w", err)
		}
		if newKey != book.PDFKey {
			oldPDFKey = book.PDFKey
		}
		book.PDFKey = newKey
	}
	if thumb != nil && thumb.Reader != nil {
		newKey := buildObjectKey(book.ID, thumb.Filename, "thumbnail")
		if err := a.thumbs.Put(ctx, newKey, thumb.Reader, thumb.Size, contentTypeFor(thumb.Filename)); err != nil {
			return domain.Book{}, fmt.Errorf("save thumbnail: %w", err)
		}
		if newKey != book.ThumbnailKey {
			oldThumbKey = book.ThumbnailKey
		}
		book.ThumbnailKey = newKey
	}

	book.Title = title
	book.Description = strings.TrimSpace(description)
	book.Price = price
	book.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}

	if oldPDFKey != "" {
		if err := a.pdfs.Delete(ctx, oldPDFKey); err != nil {
			slog.Warn("delete replaced pdf failed", "book_id", book.ID, "key", oldPDFKey, "error", err)
		}
	}
	if oldThumbKey != "" {
		if err := a.thumbs.Delete(ctx, oldThumbKey); err != nil {
			slog.Warn("delete replaced thumbnail failed", "book_id", book.ID, "key", oldThumbKey, "error", err)
		}
	}
	a.fillThumbnailURL(&book)
	return book, nil
}

// DeleteBook removes the row first, then cleans up both objects. Object
// removal failures are logged, never surfaced: the catalog row is the source
// of truth and must not stay behind because of storage hiccups.
func (a *App) DeleteBook(id string) error {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return ErrBookNotFound
	}
	if err := a.store.DeleteBook(id); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if book.PDFKey == "" {
			return nil
		}
		return a.pdfs.Delete(ctx, book.PDFKey)
	})
	g.Go(func() error {
		if book.ThumbnailKey == "" {
			return nil
		}
		return a.thumbs.Delete(ctx, book.ThumbnailKey)
	})
	if err := g.Wait(); err != nil {
		slog.Warn("book object cleanup failed", "book_id", id, "error", err)
	}
	return nil
}

// Stats returns the admin dashboard counters.
func (a *App) Stats() (domain.Stats, error) {
	books, err := a.store.CountBooks()
	if err != nil {
		return domain.Stats{}, fmt.Errorf("count books: %w", err)
	}
	sales, err := a.store.CountPurchasesByStatus(domain.PurchaseCompleted)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("count sales: %w", err)
	}
	pending, err := a.store.CountPurchasesByStatus(domain.PurchasePending)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("count pending: %w", err)
	}
	return domain.Stats{Books: books, Sales: sales, Pending: pending}, nil
}

func (a *App) fillThumbnailURL(book *domain.Book) {
	if book.ThumbnailKey != "" {
		book.ThumbnailURL = a.thumbs.URL(book.ThumbnailKey)
	}
}

func contentTypeFor(filename string) string {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return contentType
}

func buildObjectKey(bookID, filename, fallback string) string {
	name := sanitizeFilename(filepath.Base(filename))
	if name == "" {
		name = fallback
	}
	return path.Join("books", bookID, name)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
