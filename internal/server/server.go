package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"bookstall/internal/app"
	"bookstall/internal/ratelimit"
	"bookstall/internal/realtime"
	"bookstall/internal/util"
	"bookstall/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                     *app.App
	Hub                     *realtime.Hub
	RedisAddr               string
	RedisPassword           string
	LoginRateLimitPerMinute int
	TrustedProxies          []string
	MaxUploadBytes          int64
}

// Server exposes the storefront HTTP API.
type Server struct {
	app            *app.App
	hub            *realtime.Hub
	mux            *http.ServeMux
	authLimiter    *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 * 1024 * 1024
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		hub:            cfg.Hub,
		mux:            http.NewServeMux(),
		trustedProxies: trusted,
		maxUploadBytes: maxUploadBytes,
	}
	if cfg.LoginRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "bookstall:ratelimit:auth", cfg.LoginRateLimitPerMinute, time.Minute)
		if err != nil {
			return nil, err
		}
		s.authLimiter = limiter
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("bookstall", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/books", s.handleCatalog)
	s.mux.Handle("/books/", s.withUser(s.handleBookByID))

	s.mux.HandleFunc("/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.Handle("/auth/me", s.withUser(s.handleMe))

	s.mux.Handle("/purchases", s.withUser(s.handlePurchases))
	s.mux.Handle("/library", s.withUser(s.handleLibrary))
	s.mux.Handle("/messages", s.withUser(s.handleMessages))
	s.mux.HandleFunc("/ws", s.handleWS)

	s.mux.Handle("/admin/books", s.adminOnly(s.handleAdminBooks))
	s.mux.Handle("/admin/books/", s.adminOnly(s.handleAdminBookByID))
	s.mux.Handle("/admin/purchases", s.adminOnly(s.handleAdminPurchases))
	s.mux.Handle("/admin/purchases/", s.adminOnly(s.handleAdminPurchaseByID))
	s.mux.Handle("/admin/stats", s.adminOnly(s.handleAdminStats))
	s.mux.Handle("/admin/chats", s.adminOnly(s.handleAdminChats))
	s.mux.Handle("/admin/messages", s.adminOnly(s.handleAdminMessages))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.currentUser(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.currentUser(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if user.Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) currentUser(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(token)
}

// auth handlers

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAuthRate(w, r) {
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.SignUp(req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAuthRate(w, r) {
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) allowAuthRate(w http.ResponseWriter, r *http.Request) bool {
	if s.authLimiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if s.authLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many attempts")
	return false
}

// storefront handlers

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	books, err := s.app.Catalog()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

// /books/{id} or /books/{id}/download
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 && parts[1] == "download" {
		s.handleDownload(w, r, user, id)
		return
	}
	if len(parts) == 2 {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	book, ok, err := s.app.GetBook(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		notFound(w, "book not found")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.DownloadURL(user, id)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrBookNotFound):
			notFound(w, "book not found")
		case errors.Is(err, app.ErrNotPurchased):
			writeError(w, http.StatusForbidden, "book not purchased")
		default:
			writeError(w, http.StatusInternalServerError, "failed to generate download URL")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type purchaseRequest struct {
	BookID string `json:"bookId"`
}

func (s *Server) handlePurchases(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	details, err := s.app.ConfirmPurchase(user, req.BookID)
	if err != nil {
		if errors.Is(err, app.ErrBookNotFound) {
			notFound(w, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, details)
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	purchases, err := s.app.Library(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": purchases,
		"count": len(purchases),
	})
}

// chat handlers

type messageRequest struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		msgs, err := s.app.Thread(user)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": msgs,
			"count": len(msgs),
		})
	case http.MethodPost:
		var req messageRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		msg, err := s.app.SendMessage(user, req.RecipientID, req.Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	default:
		methodNotAllowed(w)
	}
}

// handleWS authenticates via Authorization header or ?token= (browsers
// cannot set headers on websocket dials) and streams one conversation.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusInternalServerError, "realtime not configured")
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
		ok = token != ""
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, found := s.app.UserFromToken(token)
	if !found {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversation := user.ID
	if user.Role == domain.RoleAdmin {
		if target := strings.TrimSpace(r.URL.Query().Get("userId")); target != "" {
			conversation = target
		}
	}
	s.hub.ServeWS(w, r, conversation)
}

// admin handlers

func (s *Server) handleAdminBooks(w http.ResponseWriter, r *http.Request, _ domain.User) {
	switch r.Method {
	case http.MethodGet:
		books, err := s.app.Catalog()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": books,
			"count": len(books),
		})
	case http.MethodPost:
		s.handleAdminCreateBook(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAdminCreateBook(w http.ResponseWriter, r *http.Request) {
	form, ok := s.parseBookForm(w, r)
	if !ok {
		return
	}
	defer form.close()
	if form.pdf == nil {
		writeError(w, http.StatusBadRequest, "pdf file is required (field: pdf)")
		return
	}
	book, err := s.app.CreateBook(form.title, form.description, form.price, *form.pdf, form.thumb)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// /admin/books/{id}
func (s *Server) handleAdminBookByID(w http.ResponseWriter, r *http.Request, _ domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/books/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPatch:
		form, ok := s.parseBookForm(w, r)
		if !ok {
			return
		}
		defer form.close()
		book, err := s.app.UpdateBook(id, form.title, form.description, form.price, form.pdf, form.thumb)
		if err != nil {
			if errors.Is(err, app.ErrBookNotFound) {
				notFound(w, "book not found")
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		if err := s.app.DeleteBook(id); err != nil {
			if errors.Is(err, app.ErrBookNotFound) {
				notFound(w, "book not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAdminPurchases(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	purchases, err := s.app.ListPurchases()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": purchases,
		"count": len(purchases),
	})
}

type purchaseStatusRequest struct {
	Status string `json:"status"`
}

// /admin/purchases/{id}
func (s *Server) handleAdminPurchaseByID(w http.ResponseWriter, r *http.Request, _ domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/purchases/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req purchaseStatusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	purchase, err := s.app.SetPurchaseStatus(id, domain.PurchaseStatus(strings.ToLower(strings.TrimSpace(req.Status))))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidPurchaseStatus):
			writeError(w, http.StatusBadRequest, "invalid status")
		case errors.Is(err, app.ErrPurchaseNotFound):
			notFound(w, "purchase not found")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, purchase)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminChats(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	convs, err := s.app.Conversations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": convs,
		"count": len(convs),
	})
}

func (s *Server) handleAdminMessages(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}
	msgs, err := s.app.AdminThread(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": msgs,
		"count": len(msgs),
	})
}

// multipart helpers

type bookForm struct {
	title       string
	description string
	price       int64
	pdf         *app.Upload
	thumb       *app.Upload
	closers     []io.Closer
}

func (f *bookForm) close() {
	for _, c := range f.closers {
		_ = c.Close()
	}
}

func (s *Server) parseBookForm(w http.ResponseWriter, r *http.Request) (*bookForm, bool) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return nil, false
	}
	form := &bookForm{
		title:       r.FormValue("title"),
		description: r.FormValue("description"),
	}
	priceRaw := strings.TrimSpace(r.FormValue("price"))
	if priceRaw != "" {
		var err error
		form.price, err = parsePrice(priceRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid price")
			return nil, false
		}
	}
	if file, header, err := r.FormFile("pdf"); err == nil {
		form.pdf = &app.Upload{Filename: header.Filename, Reader: file, Size: header.Size}
		form.closers = append(form.closers, file)
	}
	if file, header, err := r.FormFile("thumbnail"); err == nil {
		form.thumb = &app.Upload{Filename: header.Filename, Reader: file, Size: header.Size}
		form.closers = append(form.closers, file)
	}
	return form, true
}

func parsePrice(raw string) (int64, error) {
	var price int64
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, errors.New("invalid price")
		}
		price = price*10 + int64(r-'0')
		if price < 0 {
			return 0, errors.New("invalid price")
		}
	}
	return price, nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == strings.ToLower(app.ErrInvalidCredentials.Error()):
		return "AUTH_INVALID_CREDENTIALS"
	case message == "email already exists":
		return "AUTH_EMAIL_EXISTS"
	case message == "forbidden":
		return "ADMIN_FORBIDDEN"
	case message == "book not found":
		return "BOOK_NOT_FOUND"
	case message == "book not purchased":
		return "BOOK_NOT_PURCHASED"
	case message == "purchase not found":
		return "PURCHASE_NOT_FOUND"
	case message == "invalid status":
		return "PURCHASE_INVALID_STATUS"
	case message == "invalid price":
		return "BOOK_INVALID_PRICE"
	case message == "invalid form data":
		return "BOOK_INVALID_UPLOAD_FORM"
	case strings.Contains(message, "pdf file is required"), message == "pdf file required":
		return "BOOK_FILE_REQUIRED"
	case message == "failed to generate download url":
		return "BOOK_DOWNLOAD_URL_FAILED"
	case message == "message content required":
		return "CHAT_EMPTY_MESSAGE"
	case message == "recipient required":
		return "CHAT_RECIPIENT_REQUIRED"
	case message == "userid query parameter is required":
		return "CHAT_USER_REQUIRED"
	case message == "too many attempts":
		return "AUTH_RATE_LIMITED"
	case message == "invalid json body":
		return "REQUEST_INVALID_BODY"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "ADMIN_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "AUTH_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
