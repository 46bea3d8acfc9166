// Package auth gates the admin and investor halves of the API.
//
// Admins log in with a shared token and receive a signed session cookie.
// Investors are authenticated upstream by the hosted auth provider; its
// proxy forwards the identity in request headers, which are trusted here.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/moneyflow888/moneyflow-web/internal/metrics"
)

const (
	// CookieName is the admin session cookie.
	CookieName = "admin_session"

	// DefaultSessionTTL is how long an admin session stays valid.
	DefaultSessionTTL = 12 * time.Hour

	HeaderUserID    = "X-Auth-User-Id"
	HeaderUserEmail = "X-Auth-User-Email"
)

var (
	ErrBadToken       = errors.New("auth: invalid admin token")
	ErrNoSession      = errors.New("auth: no admin session")
	ErrInvalidSession = errors.New("auth: invalid admin session")
	ErrSessionExpired = errors.New("auth: admin session expired")
)

// Sessions issues and verifies admin session cookies. The cookie value is
// "<unix-expiry>.<hex HMAC-SHA256(expiry)>"; no server-side state is kept.
type Sessions struct {
	adminToken []byte
	secret     []byte
	ttl        time.Duration
	secure     bool
	now        func() time.Time
}

// NewSessions creates a session manager. ttl <= 0 uses DefaultSessionTTL.
func NewSessions(adminToken, secret string, ttl time.Duration, secureCookie bool) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{
		adminToken: []byte(adminToken),
		secret:     []byte(secret),
		ttl:        ttl,
		secure:     secureCookie,
		now:        time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Sessions) SetClock(now func() time.Time) {
	s.now = now
}

// Enabled reports whether admin sessions can exist at all. Without both an
// admin token and a signing secret every session is rejected.
func (s *Sessions) Enabled() bool {
	return len(s.adminToken) > 0 && len(s.secret) > 0
}

func (s *Sessions) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue returns a fresh session value and its expiry.
func (s *Sessions) Issue() (string, time.Time) {
	exp := s.now().Add(s.ttl).Truncate(time.Second)
	payload := strconv.FormatInt(exp.Unix(), 10)
	return payload + "." + s.sign(payload), exp
}

// Verify checks a session value and returns its expiry.
func (s *Sessions) Verify(value string) (time.Time, error) {
	if !s.Enabled() {
		return time.Time{}, ErrNoSession
	}
	payload, sig, ok := strings.Cut(value, ".")
	if !ok || payload == "" || sig == "" {
		return time.Time{}, ErrInvalidSession
	}
	if !hmac.Equal([]byte(s.sign(payload)), []byte(sig)) {
		return time.Time{}, ErrInvalidSession
	}
	unix, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return time.Time{}, ErrInvalidSession
	}
	exp := time.Unix(unix, 0).UTC()
	if !s.now().Before(exp) {
		return time.Time{}, ErrSessionExpired
	}
	return exp, nil
}

// CheckToken compares a login token with the configured admin token in
// constant time. Nothing matches while sessions are disabled.
func (s *Sessions) CheckToken(token string) error {
	if !s.Enabled() || subtle.ConstantTimeCompare(s.adminToken, []byte(token)) != 1 {
		return ErrBadToken
	}
	return nil
}

// SetCookie writes the session cookie.
func (s *Sessions) SetCookie(w http.ResponseWriter, value string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Expires:  exp,
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func (s *Sessions) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// FromRequest verifies the session cookie on r.
func (s *Sessions) FromRequest(r *http.Request) (time.Time, error) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return time.Time{}, ErrNoSession
	}
	return s.Verify(c.Value)
}

// Login validates the token and starts a session. The login counter is
// labelled by result.
func (s *Sessions) Login(w http.ResponseWriter, token string) (time.Time, error) {
	if err := s.CheckToken(token); err != nil {
		metrics.AdminLogins.WithLabelValues("rejected").Inc()
		slog.Warn("admin login rejected")
		return time.Time{}, err
	}
	value, exp := s.Issue()
	s.SetCookie(w, value, exp)
	metrics.AdminLogins.WithLabelValues("ok").Inc()
	slog.Info("admin login", "expires_at", exp)
	return exp, nil
}

type ctxKey int

const (
	adminExpiryKey ctxKey = iota
	investorKey
)

// RequireAdmin rejects requests without a valid admin session.
func (s *Sessions) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exp, err := s.FromRequest(r)
		if err != nil {
			unauthorized(w, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), adminExpiryKey, exp)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminExpiry returns the session expiry stored by RequireAdmin.
func AdminExpiry(ctx context.Context) (time.Time, bool) {
	exp, ok := ctx.Value(adminExpiryKey).(time.Time)
	return exp, ok
}

// Investor is the identity forwarded by the auth provider.
type Investor struct {
	UserID string
	Email  string
}

// RequireInvestor rejects requests without an X-Auth-User-Id header.
func RequireInvestor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			unauthorized(w, "missing investor identity")
			return
		}
		inv := Investor{UserID: id, Email: strings.TrimSpace(r.Header.Get(HeaderUserEmail))}
		ctx := context.WithValue(r.Context(), investorKey, inv)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// InvestorFrom returns the identity stored by RequireInvestor.
func InvestorFrom(ctx context.Context) (Investor, bool) {
	inv, ok := ctx.Value(investorKey).(Investor)
	return inv, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "Unauthorized"})
}
