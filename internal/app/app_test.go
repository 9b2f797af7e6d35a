package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"bookstall/internal/session"
	"bookstall/pkg/domain"
	"bookstall/pkg/store"
)

type fakeObjectStore struct {
	objects map[string]bool
	failPut bool
	failDel bool
	deleted []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string]bool)}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if f.failPut {
		return errors.New("put failed")
	}
	_, _ = io.Copy(io.Discard, r)
	f.objects[key] = true
	return nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	if f.failDel {
		return errors.New("delete failed")
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStore) URL(key string) string {
	return "https://cdn.example/" + key
}

type testEnv struct {
	app    *App
	store  *store.MemoryStore
	pdfs   *fakeObjectStore
	thumbs *fakeObjectStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sessions, err := session.New("test-secret", time.Hour, session.NewMemoryTokenRevoker(), session.Options{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	dataStore := store.NewMemoryStore()
	pdfs := newFakeObjectStore()
	thumbs := newFakeObjectStore()
	a, err := New(Config{
		Store:         dataStore,
		PDFs:          pdfs,
		Thumbs:        thumbs,
		Sessions:      sessions,
		AdminEmail:    "admin@bookstall.local",
		MerchantUPIID: "merchant@upi",
		MerchantName:  "Bookstall",
		Currency:      "INR",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testEnv{app: a, store: dataStore, pdfs: pdfs, thumbs: thumbs}
}

func (e *testEnv) addBook(t *testing.T, title string, price int64) domain.Book {
	t.Helper()
	book, err := e.app.CreateBook(title, "a fine read", price, Upload{
		Filename: title + ".pdf",
		Reader:   strings.NewReader("%PDF-1.4"),
		Size:     8,
	}, nil)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	return book
}

func (e *testEnv) signUpUser(t *testing.T, email string) domain.User {
	t.Helper()
	user, _, err := e.app.SignUp(email, "password123")
	if err != nil {
		t.Fatalf("sign up %s: %v", email, err)
	}
	return user
}

func TestConfirmPurchaseBuildsExactPaymentLink(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "Go in Anger", 999)
	user := env.signUpUser(t, "reader@example.com")

	details, err := env.app.ConfirmPurchase(user, book.ID)
	if err != nil {
		t.Fatalf("confirm purchase: %v", err)
	}
	if details.Amount != 999 {
		t.Fatalf("amount = %d, want 999", details.Amount)
	}
	if details.Purchase.Status != domain.PurchasePending {
		t.Fatalf("status = %q, want pending", details.Purchase.Status)
	}
	parsed, err := url.Parse(details.PaymentLink)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if parsed.Scheme != "upi" || parsed.Host != "pay" {
		t.Fatalf("link = %q, want upi://pay", details.PaymentLink)
	}
	q := parsed.Query()
	if q.Get("am") != "999" {
		t.Fatalf("am = %q, want exact price 999", q.Get("am"))
	}
	if q.Get("pa") != "merchant@upi" || q.Get("cu") != "INR" {
		t.Fatalf("payee params wrong: pa=%q cu=%q", q.Get("pa"), q.Get("cu"))
	}
}

func TestConfirmPurchaseTwiceKeepsOnePendingRow(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "Effective Reading", 499)
	user := env.signUpUser(t, "reader@example.com")

	first, err := env.app.ConfirmPurchase(user, book.ID)
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, err := env.app.ConfirmPurchase(user, book.ID)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if first.Purchase.ID != second.Purchase.ID {
		t.Fatalf("repeat confirmation created a new purchase: %q vs %q", first.Purchase.ID, second.Purchase.ID)
	}
	all, err := env.app.ListPurchases()
	if err != nil {
		t.Fatalf("list purchases: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("purchases = %d, want 1", len(all))
	}
}

func TestConfirmPurchaseUnknownBook(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpUser(t, "reader@example.com")
	if _, err := env.app.ConfirmPurchase(user, "missing"); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("err = %v, want ErrBookNotFound", err)
	}
}

func TestDownloadRequiresCompletedPurchase(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "Locked Tome", 250)
	user := env.signUpUser(t, "reader@example.com")

	if _, err := env.app.DownloadURL(user, book.ID); !errors.Is(err, ErrNotPurchased) {
		t.Fatalf("err = %v, want ErrNotPurchased before purchase", err)
	}

	details, err := env.app.ConfirmPurchase(user, book.ID)
	if err != nil {
		t.Fatalf("confirm purchase: %v", err)
	}
	if _, err := env.app.DownloadURL(user, book.ID); !errors.Is(err, ErrNotPurchased) {
		t.Fatalf("err = %v, want ErrNotPurchased while pending", err)
	}

	if _, err := env.app.SetPurchaseStatus(details.Purchase.ID, domain.PurchaseCompleted); err != nil {
		t.Fatalf("complete purchase: %v", err)
	}
	signed, err := env.app.DownloadURL(user, book.ID)
	if err != nil {
		t.Fatalf("download after completion: %v", err)
	}
	if !strings.Contains(signed, book.ID) {
		t.Fatalf("signed url %q does not reference the book object", signed)
	}

	if _, err := env.app.SetPurchaseStatus(details.Purchase.ID, domain.PurchaseFailed); err != nil {
		t.Fatalf("fail purchase: %v", err)
	}
	if _, err := env.app.DownloadURL(user, book.ID); !errors.Is(err, ErrNotPurchased) {
		t.Fatalf("err = %v, want ErrNotPurchased after failed verification", err)
	}
}

func TestAdminBypassesPurchaseGate(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "Staff Copy", 100)
	admin := env.signUpUser(t, "admin@bookstall.local")
	if admin.Role != domain.RoleAdmin {
		t.Fatalf("role = %q, want admin for configured email", admin.Role)
	}
	if _, err := env.app.DownloadURL(admin, book.ID); err != nil {
		t.Fatalf("admin download: %v", err)
	}
}

func TestCompletedPurchaseAppearsInLibrary(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "Shelved", 300)
	user := env.signUpUser(t, "reader@example.com")

	details, err := env.app.ConfirmPurchase(user, book.ID)
	if err != nil {
		t.Fatalf("confirm purchase: %v", err)
	}
	library, err := env.app.Library(user)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	if len(library) != 0 {
		t.Fatalf("pending purchase must not appear in library, got %d entries", len(library))
	}

	if _, err := env.app.SetPurchaseStatus(details.Purchase.ID, domain.PurchaseCompleted); err != nil {
		t.Fatalf("complete purchase: %v", err)
	}
	library, err = env.app.Library(user)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	if len(library) != 1 || library[0].Book == nil || library[0].Book.ID != book.ID {
		t.Fatalf("library = %+v, want one entry embedding the book", library)
	}
}

func TestCreateBookCompensatesFailedPDFUpload(t *testing.T) {
	env := newTestEnv(t)
	env.pdfs.failPut = true
	_, err := env.app.CreateBook("Doomed", "never lands", 100, Upload{
		Filename: "doomed.pdf",
		Reader:   strings.NewReader("%PDF-1.4"),
		Size:     8,
	}, &Upload{
		Filename: "cover.png",
		Reader:   strings.NewReader("png"),
		Size:     3,
	})
	if err == nil {
		t.Fatalf("expected error from failed pdf upload")
	}
	if len(env.thumbs.objects) != 0 {
		t.Fatalf("thumbnail not compensated, %d objects remain", len(env.thumbs.objects))
	}
	books, err := env.app.Catalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if len(books) != 0 {
		t.Fatalf("no row should exist after failed upload, got %d", len(books))
	}
}

func TestDeleteBookSurvivesObjectCleanupFailure(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "Going Away", 150)
	env.pdfs.failDel = true

	if err := env.app.DeleteBook(book.ID); err != nil {
		t.Fatalf("delete book: %v", err)
	}
	if _, ok, _ := env.app.GetBook(book.ID); ok {
		t.Fatalf("row still present after delete")
	}
	if len(env.pdfs.deleted) == 0 {
		t.Fatalf("pdf cleanup was never attempted")
	}
}

func TestAdminRoleFollowsConfiguredEmail(t *testing.T) {
	env := newTestEnv(t)
	admin, token, err := env.app.SignUp("admin@bookstall.local", "password123")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if admin.Role != domain.RoleAdmin {
		t.Fatalf("role = %q, want admin", admin.Role)
	}

	// Same store and sessions behind a rotated admin address: the old
	// admin's token must resolve to a plain user on the next request.
	rotated, err := New(Config{
		Store:         env.store,
		PDFs:          env.pdfs,
		Thumbs:        env.thumbs,
		Sessions:      env.app.sessions,
		AdminEmail:    "owner@bookstall.local",
		MerchantUPIID: "merchant@upi",
		MerchantName:  "Bookstall",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	resolved, ok := rotated.UserFromToken(token)
	if !ok {
		t.Fatalf("token no longer resolves")
	}
	if resolved.Role != domain.RoleUser {
		t.Fatalf("role = %q, want user after admin email rotation", resolved.Role)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	_, token, err := env.app.SignUp("reader@example.com", "password123")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, ok := env.app.UserFromToken(token); !ok {
		t.Fatalf("fresh token must resolve")
	}
	if err := env.app.Logout(token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok := env.app.UserFromToken(token); ok {
		t.Fatalf("token must not resolve after logout")
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.signUpUser(t, "reader@example.com")
	if _, _, err := env.app.SignUp("reader@example.com", "password123"); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("err = %v, want ErrEmailAlreadyExists", err)
	}
}

func TestSendMessageForcesAdminInbox(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpUser(t, "reader@example.com")

	msg, err := env.app.SendMessage(user, "someone-else", "hello?")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if msg.RecipientID != domain.AdminInbox {
		t.Fatalf("recipient = %q, want %q", msg.RecipientID, domain.AdminInbox)
	}
	if msg.IsAdmin {
		t.Fatalf("user message flagged as admin")
	}

	admin := env.signUpUser(t, "admin@bookstall.local")
	if _, err := env.app.SendMessage(admin, "", "reply"); !errors.Is(err, ErrRecipientRequired) {
		t.Fatalf("err = %v, want ErrRecipientRequired for admin without target", err)
	}
	reply, err := env.app.SendMessage(admin, user.ID, "reply")
	if err != nil {
		t.Fatalf("admin send: %v", err)
	}
	if reply.RecipientID != user.ID || !reply.IsAdmin {
		t.Fatalf("reply = %+v, want admin message to user", reply)
	}

	thread, err := env.app.Thread(user)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("thread = %d messages, want 2", len(thread))
	}
}

func TestStatsCountsCatalogAndSales(t *testing.T) {
	env := newTestEnv(t)
	a := env.addBook(t, "One", 100)
	env.addBook(t, "Two", 200)
	user := env.signUpUser(t, "reader@example.com")

	details, err := env.app.ConfirmPurchase(user, a.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	stats, err := env.app.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Books != 2 || stats.Sales != 0 || stats.Pending != 1 {
		t.Fatalf("stats = %+v, want 2 books, 0 sales, 1 pending", stats)
	}

	if _, err := env.app.SetPurchaseStatus(details.Purchase.ID, domain.PurchaseCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stats, err = env.app.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Sales != 1 || stats.Pending != 0 {
		t.Fatalf("stats = %+v, want 1 sale, 0 pending", stats)
	}
}

func TestSetPurchaseStatusRejectsUnknownValues(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "Strict", 100)
	user := env.signUpUser(t, "reader@example.com")
	details, err := env.app.ConfirmPurchase(user, book.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := env.app.SetPurchaseStatus(details.Purchase.ID, "refunded"); !errors.Is(err, ErrInvalidPurchaseStatus) {
		t.Fatalf("err = %v, want ErrInvalidPurchaseStatus", err)
	}
	if _, err := env.app.SetPurchaseStatus("missing", domain.PurchaseCompleted); !errors.Is(err, ErrPurchaseNotFound) {
		t.Fatalf("err = %v, want ErrPurchaseNotFound", err)
	}
}

func TestBuildUPILinkEncodesNote(t *testing.T) {
	link := BuildUPILink("m@upi", "Book Stall", 1250, "INR", "Payment for Go & You")
	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := parsed.Query()
	if q.Get("tn") != "Payment for Go & You" {
		t.Fatalf("tn = %q", q.Get("tn"))
	}
	if q.Get("am") != fmt.Sprintf("%d", int64(1250)) {
		t.Fatalf("am = %q, want 1250", q.Get("am"))
	}
}
