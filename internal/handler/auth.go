package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/infographic/internal/auth"
	"github.com/dukerupert/infographic/internal/middleware"
	"github.com/dukerupert/infographic/internal/ratelimit"
	"github.com/dukerupert/infographic/internal/store"
)

const (
	resendLimit  = 3
	resendWindow = 15 * time.Minute
	resendGap    = 2 * time.Minute

	resendMessage   = "If an account exists for that email, a verification link has been sent."
	registerMessage = "Check your email for a verification link."
)

// VerificationSender delivers email-verification links.
type VerificationSender interface {
	SendVerification(ctx context.Context, to, token string) error
}

type AuthConfig struct {
	FreeSignupCredits int
	SecureCookies     bool
}

type AuthHandler struct {
	userStore    *store.UserStore
	sessionStore *store.SessionStore
	tokenStore   *store.VerificationTokenStore
	sender       VerificationSender
	limiter      ratelimit.Limiter
	cfg          AuthConfig
	logger       *slog.Logger
}

func NewAuthHandler(
	us *store.UserStore,
	ss *store.SessionStore,
	ts *store.VerificationTokenStore,
	sender VerificationSender,
	limiter ratelimit.Limiter,
	cfg AuthConfig,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		userStore:    us,
		sessionStore: ss,
		tokenStore:   ts,
		sender:       sender,
		limiter:      limiter,
		cfg:          cfg,
		logger:       logger.With("component", "auth"),
	}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"max=100"`
}

// Register creates an unverified account and mails a verification link.
// An existing email gets the same answer so accounts cannot be probed.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = normalizeEmail(req.Email)
	if err := check(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	emailAddr := req.Email
	// Registering starts the resend gap whether or not the account is new.
	h.startResendGap(r.Context(), emailAddr)

	existing, err := h.userStore.GetByEmail(r.Context(), emailAddr)
	if err != nil {
		h.logger.Error("register lookup", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if existing != nil {
		writeMessage(w, http.StatusCreated, registerMessage)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash password", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	user, err := h.userStore.Create(r.Context(), emailAddr, strings.TrimSpace(req.Name), string(hash), h.cfg.FreeSignupCredits)
	if err != nil {
		h.logger.Error("create user", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.logger.Info("user registered", "user_id", user.ID)

	if err := h.issueAndSend(r.Context(), emailAddr); err != nil {
		h.logger.Error("send verification after register", "user_id", user.ID, "error", err)
	}
	writeMessage(w, http.StatusCreated, registerMessage)
}

func resendGapKey(emailAddr string) string {
	return "resend:gap:" + emailAddr
}

func (h *AuthHandler) startResendGap(ctx context.Context, emailAddr string) {
	if _, err := h.limiter.Check(ctx, resendGapKey(emailAddr), 1, resendGap); err != nil {
		h.logger.Warn("rate limiter unavailable", "error", err)
	}
}

func (h *AuthHandler) issueAndSend(ctx context.Context, emailAddr string) error {
	vt, err := h.tokenStore.Issue(ctx, emailAddr)
	if err != nil {
		return err
	}
	return h.sender.SendVerification(ctx, emailAddr, vt.Token)
}

type resendRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Honeypot string `json:"honeypot"`
}

// ResendVerification issues a fresh verification token. It is limited per
// IP and per email, and refuses to send twice within a short gap. All limits
// apply before the account lookup, so they look the same for unknown emails.
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Honeypot != "" {
		h.logger.Info("resend verification honeypot triggered", "remote", middleware.RealIP(r))
		writeMessage(w, http.StatusOK, resendMessage)
		return
	}
	req.Email = normalizeEmail(req.Email)
	if err := check(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	emailAddr := req.Email

	for _, key := range []string{
		"resend:ip:" + middleware.RealIP(r),
		"resend:email:" + emailAddr,
	} {
		allowed, err := h.limiter.Check(r.Context(), key, resendLimit, resendWindow)
		if err != nil {
			h.logger.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
			continue
		}
		if !allowed {
			middleware.TooManyRequests(w, resendWindow)
			return
		}
	}

	allowed, err := h.limiter.Check(r.Context(), resendGapKey(emailAddr), 1, resendGap)
	if err != nil {
		h.logger.Warn("rate limiter unavailable, allowing request", "key", resendGapKey(emailAddr), "error", err)
		allowed = true
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(resendGap/time.Second)))
		writeMessage(w, http.StatusTooManyRequests, "Please wait a couple of minutes before requesting another email.")
		return
	}

	user, err := h.userStore.GetByEmail(r.Context(), emailAddr)
	if err != nil {
		h.logger.Error("resend lookup", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if user == nil || user.Verified() {
		writeMessage(w, http.StatusOK, resendMessage)
		return
	}

	if err := h.issueAndSend(r.Context(), emailAddr); err != nil {
		h.logger.Error("resend verification", "user_id", user.ID, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Failed to send verification email")
		return
	}
	h.logger.Info("verification email resent", "user_id", user.ID)
	writeMessage(w, http.StatusOK, resendMessage)
}

// VerifyEmail consumes a verification token.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeMessage(w, http.StatusBadRequest, "token is required")
		return
	}

	vt, err := h.tokenStore.GetValid(r.Context(), token)
	if err != nil {
		h.logger.Error("verify token lookup", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if vt == nil {
		writeMessage(w, http.StatusBadRequest, "Invalid or expired verification link")
		return
	}

	user, err := h.userStore.GetByEmail(r.Context(), vt.Identifier)
	if err != nil {
		h.logger.Error("verify user lookup", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if user == nil {
		writeMessage(w, http.StatusBadRequest, "Invalid or expired verification link")
		return
	}

	if err := h.userStore.MarkVerified(r.Context(), user.ID); err != nil {
		h.logger.Error("mark verified", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err := h.tokenStore.DeleteByIdentifier(r.Context(), vt.Identifier); err != nil {
		h.logger.Warn("delete used verification tokens", "error", err)
	}

	h.logger.Info("email verified", "user_id", user.ID)
	writeMessage(w, http.StatusOK, "Email verified. You can now sign in.")
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// dummyHash keeps the cost of a login for an unknown email equal to a
// wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = normalizeEmail(req.Email)
	if err := check(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.userStore.GetByEmail(r.Context(), req.Email)
	if err != nil {
		h.logger.Error("login lookup", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	hash := dummyHash
	if user != nil && user.PasswordHash != "" {
		hash = []byte(user.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil || user == nil {
		if err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			h.logger.Warn("compare password hash", "error", err)
		}
		writeMessage(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if !user.Verified() {
		writeMessage(w, http.StatusForbidden, "Please verify your email before signing in")
		return
	}

	sess, err := h.sessionStore.Create(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("create session", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	h.logger.Info("user logged in", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if id := auth.SessionID(r.Context()); id != 0 {
		if err := h.sessionStore.Delete(r.Context(), id); err != nil {
			h.logger.Error("delete session", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
