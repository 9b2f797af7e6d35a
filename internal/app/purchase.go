package app

import (
	"context"
	"fmt"
	"strings"

	"bookstall/pkg/domain"
)

// PaymentDetails is everything the buyer needs to pay and track the order.
type PaymentDetails struct {
	Purchase    domain.Purchase `json:"purchase"`
	PaymentLink string          `json:"paymentLink"`
	PayeeUPIID  string          `json:"payeeUpiId"`
	PayeeName   string          `json:"payeeName"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
}

// ConfirmPurchase records the buyer's self-reported payment as a pending
// purchase awaiting manual verification. Repeat confirmations for the same
// book land on the existing pending row instead of creating duplicates.
func (a *App) ConfirmPurchase(user domain.User, bookID string) (PaymentDetails, error) {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return PaymentDetails{}, ErrBookNotFound
	}
	purchase, err := a.store.UpsertPendingPurchase(user.ID, book.ID)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("record purchase: %w", err)
	}
	return PaymentDetails{
		Purchase:    purchase,
		PaymentLink: BuildUPILink(a.merchantUPIID, a.merchantName, book.Price, a.currency, "Payment for "+book.Title),
		PayeeUPIID:  a.merchantUPIID,
		PayeeName:   a.merchantName,
		Amount:      book.Price,
		Currency:    a.currency,
	}, nil
}

// Library returns the caller's completed purchases, each embedding its book.
func (a *App) Library(user domain.User) ([]domain.Purchase, error) {
	purchases, err := a.store.ListCompletedPurchases(user.ID)
	if err != nil {
		return nil, fmt.Errorf("list library: %w", err)
	}
	for i := range purchases {
		if purchases[i].Book != nil {
			a.fillThumbnailURL(purchases[i].Book)
		}
	}
	return purchases, nil
}

// DownloadURL returns a short-lived signed URL for the book PDF. Only owners
// of a completed purchase (or admins) get one.
func (a *App) DownloadURL(user domain.User, bookID string) (string, error) {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return "", fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return "", ErrBookNotFound
	}
	if user.Role != domain.RoleAdmin {
		purchased, err := a.store.HasCompletedPurchase(user.ID, book.ID)
		if err != nil {
			return "", fmt.Errorf("check purchase: %w", err)
		}
		if !purchased {
			return "", ErrNotPurchased
		}
	}
	if strings.TrimSpace(book.PDFKey) == "" {
		return "", fmt.Errorf("storage key missing")
	}
	url, err := a.pdfs.PresignGet(context.Background(), book.PDFKey, a.presignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return url, nil
}

// ListPurchases returns every purchase, newest first, for the admin console.
func (a *App) ListPurchases() ([]domain.Purchase, error) {
	purchases, err := a.store.ListPurchases()
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	for i := range purchases {
		if purchases[i].Book != nil {
			a.fillThumbnailURL(purchases[i].Book)
		}
	}
	return purchases, nil
}

// SetPurchaseStatus overwrites a purchase's verification status. Transitions
// are unrestricted: manual verification may walk a purchase back from
// completed to failed after a bounced payment.
func (a *App) SetPurchaseStatus(id string, status domain.PurchaseStatus) (domain.Purchase, error) {
	switch status {
	case domain.PurchasePending, domain.PurchaseCompleted, domain.PurchaseFailed:
	default:
		return domain.Purchase{}, ErrInvalidPurchaseStatus
	}
	if _, ok, err := a.store.GetPurchase(id); err != nil {
		return domain.Purchase{}, fmt.Errorf("fetch purchase: %w", err)
	} else if !ok {
		return domain.Purchase{}, ErrPurchaseNotFound
	}
	if err := a.store.SetPurchaseStatus(id, status); err != nil {
		return domain.Purchase{}, fmt.Errorf("set status: %w", err)
	}
	purchase, ok, err := a.store.GetPurchase(id)
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("fetch purchase: %w", err)
	}
	if !ok {
		return domain.Purchase{}, ErrPurchaseNotFound
	}
	if purchase.Book != nil {
		a.fillThumbnailURL(purchase.Book)
	}
	return purchase, nil
}
