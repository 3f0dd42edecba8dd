// Package auth implements the single-operator bearer-token scheme that
// protects the REST surface: no OAuth, no device flow, no per-user
// accounts — one shared secret configured out of band exchanges for a
// short-lived signed bearer token (spec.md §1 "authentication/user
// management" beyond a bearer token is explicitly out of scope).
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

// tokenLifetime bounds how long an issued bearer token is accepted before
// the operator must re-authenticate with the shared secret.
const tokenLifetime = 24 * time.Hour

const bearerPrefix = "Bearer "

// Handler issues and validates the operator bearer token.
type Handler struct {
	secretHash []byte // bcrypt hash of the operator secret; never compared in plaintext
	signingKey []byte
	log        *slog.Logger
}

// New creates a Handler. operatorSecret is the plaintext shared secret the
// operator configures out of band; signingKey signs issued tokens.
func New(operatorSecret string, signingKey []byte, log *slog.Logger) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if operatorSecret == "" {
		return nil, errors.New("operator secret must not be empty")
	}
	if len(signingKey) == 0 {
		return nil, errors.New("signing key must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(operatorSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash operator secret: %w", err)
	}
	return &Handler{secretHash: hash, signingKey: signingKey, log: log}, nil
}

// loginRequest is the POST /auth/login body.
type loginRequest struct {
	Secret string `json:"secret"`
}

// Login exchanges the operator secret for a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if bcrypt.CompareHashAndPassword(h.secretHash, []byte(body.Secret)) != nil {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid operator secret"})
		return
	}
	token, err := h.issueToken()
	if err != nil {
		h.log.Error("issue bearer token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"token": token, "expires_in": tokenLifetime.String()})
}

func (h *Handler) issueToken() (string, error) {
	claims := jwt.MapClaims{
		"sub": "operator",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(tokenLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.signingKey)
}

// RequireAuth rejects any request without a currently-valid bearer token.
// Every dispatchd API route is JSON, so unauthenticated requests get a
// JSON 401 rather than a browser redirect.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Valid(r) {
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Valid reports whether r carries a currently-valid bearer token.
func (h *Handler) Valid(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return false
	}
	tokenString := strings.TrimPrefix(authHeader, bearerPrefix)
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.signingKey, nil
	})
	return err == nil && token.Valid
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("write json response", "error", err)
	}
}
