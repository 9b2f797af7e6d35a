package app

import "errors"

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not match.
	// This message is intended to be shown to end users and should not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = errors.New("email already exists")

	ErrBookNotFound     = errors.New("book not found")
	ErrPurchaseNotFound = errors.New("purchase not found")

	// ErrNotPurchased gates downloads behind a completed purchase.
	ErrNotPurchased = errors.New("book not purchased")

	ErrInvalidPurchaseStatus = errors.New("invalid purchase status")
	ErrMessageEmpty          = errors.New("message content required")
	ErrRecipientRequired     = errors.New("recipient required")
)
