package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is the authenticated caller attached by the auth middleware.
// Token issuance happens elsewhere; this service only consumes bearer
// tokens signed with the shared secret.
type Identity struct {
	UserID uuid.UUID
	Name   string
	Email  string
	Role   string
}

func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == "admin"
}

type identityContextKey struct{}

func identityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey{}).(*Identity)
	return identity
}

type Auth struct {
	secret []byte
}

func NewAuth(signingSecret string) (*Auth, error) {
	if len(signingSecret) < 32 {
		return nil, fmt.Errorf("auth signing secret must be at least 32 bytes")
	}
	return &Auth{secret: []byte(signingSecret)}, nil
}

type identityClaims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

func (a *Auth) parseToken(tokenString string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &identityClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid bearer token: %w", err)
	}
	claims, ok := parsed.Claims.(*identityClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid bearer token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("invalid bearer token subject: %w", err)
	}
	return &Identity{UserID: userID, Name: claims.Name, Email: claims.Email, Role: claims.Role}, nil
}

// AttachIdentity decodes a bearer token when present and puts the identity
// in context. Guests pass through; a malformed token is rejected rather
// than silently downgraded.
func (h *Handlers) AttachIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "malformed authorization header", Code: "unauthorized"})
			return
		}
		identity, err := h.auth.parseToken(strings.TrimSpace(token))
		if err != nil {
			h.loggerFromContext(r.Context()).Warn("rejected bearer token", "error", err)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid bearer token", Code: "unauthorized"})
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin guards the refund and sweeper administration routes.
func (h *Handlers) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := identityFromContext(r.Context())
		if identity == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required", Code: "unauthorized"})
			return
		}
		if !identity.IsAdmin() {
			h.loggerFromContext(r.Context()).Warn("forbidden admin access",
				"user_id", identity.UserID.String(), "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin access required", Code: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
