package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"

	"github.com/GoCodeAlone/taskboard/identity"
	"github.com/GoCodeAlone/taskboard/server/api"
)

const (
	tokenIssuer     = "taskboard"
	tokenCookie     = "jwt"
	defaultTokenTTL = time.Hour
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// signJWT issues an HS256 token for subject valid for ttl from now.
func signJWT(secret, subject string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// verifyJWT validates a token and returns the subject claim.
func verifyJWT(secret, token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// generateSecret creates a random 32-byte secret.
func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// jwtSecret returns the configured JWT secret, generating one if empty.
// Generated secrets do not survive a restart.
func (s *Server) jwtSecret() string {
	if s.cfg.Auth.JWTSecret != "" {
		return s.cfg.Auth.JWTSecret
	}
	s.secretOnce.Do(func() {
		s.logger.Warn("no jwt_secret configured, sessions will not survive a restart")
		s.generatedSecret = generateSecret()
	})
	return s.generatedSecret
}

func (s *Server) tokenTTL() time.Duration {
	if s.cfg.Auth.TokenTTL > 0 {
		return s.cfg.Auth.TokenTTL
	}
	return defaultTokenTTL
}

// tokenFromRequest reads the session token from the Authorization header or
// the session cookie.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(tokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// loginRequest is the body accepted by POST /api/auth/login.
type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required"`
}

// loginResponse is the body returned by a successful login.
type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin validates credentials and issues a JWT, both in the body and
// as an http-only cookie.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if s.directory == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "login unavailable")
		return
	}

	u, err := s.directory.Authenticate(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	case errors.Is(err, identity.ErrDisabled):
		writeJSONError(w, http.StatusForbidden, "account disabled")
		return
	case err != nil:
		s.logger.Error("authenticate", slog.String("user", req.Username), slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not verify credentials")
		return
	}

	now := time.Now()
	ttl := s.tokenTTL()
	token, err := signJWT(s.jwtSecret(), u.Username, now, ttl)
	if err != nil {
		s.logger.Error("sign jwt", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.logger.Info("user logged in", slog.String("user", u.Username))
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: now.Add(ttl).UTC()})
}

// handleLogout clears the session cookie.
func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the currently authenticated user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	subject := api.Subject(r.Context())
	if s.directory == nil {
		writeJSON(w, http.StatusOK, map[string]any{"username": subject, "groups": []string{}})
		return
	}
	u, err := s.directory.GetUser(r.Context(), subject)
	if err != nil {
		s.logger.Error("load user", slog.String("user", subject), slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not load user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// activeSubject verifies token and returns its subject. Users disabled
// after the token was issued are refused.
func (s *Server) activeSubject(ctx context.Context, token string) (string, error) {
	subject, err := verifyJWT(s.jwtSecret(), token)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if s.directory != nil {
		u, err := s.directory.GetUser(ctx, subject)
		if err != nil || u.Disabled {
			return "", errors.New("account is not active")
		}
	}
	return subject, nil
}

// authMiddleware enforces JWT authentication on wrapped handlers. Users
// disabled after their token was issued are refused.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		subject, err := s.activeSubject(r.Context(), token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := api.WithSubject(r.Context(), subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
