package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/cardsync/internal/errs"
)

type ctxKey struct{}

// WithOwnerID stores the authenticated owner in ctx.
func WithOwnerID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// OwnerIDFromCtx returns the owner stored by the identity middleware.
func OwnerIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// Identity verifies "Authorization: Bearer <JWT>" (HS256, sub = owner UUID)
// issued by the external auth service.
type Identity struct {
	key    []byte
	leeway time.Duration
}

// NewIdentity constructs a verifier for tokens signed with key.
func NewIdentity(key []byte) *Identity {
	return &Identity{key: key, leeway: 30 * time.Second}
}

// OwnerID extracts and verifies the caller identity of r.
func (i *Identity) OwnerID(r *http.Request) (uuid.UUID, error) {
	tok, err := bearerToken(r.Header)
	if err != nil {
		return uuid.Nil, err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	}, jwt.WithLeeway(i.leeway))
	if err != nil || !parsed.Valid {
		return uuid.Nil, errs.ErrUnauthorized
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errs.ErrUnauthorized
	}
	return id, nil
}

// Middleware rejects unauthenticated requests and stores the owner in the request context.
func (i *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := i.OwnerID(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), id)))
	})
}

func bearerToken(h http.Header) (string, error) {
	for _, v := range h.Values("Authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, nil
			}
		}
	}
	return "", errs.ErrUnauthorized
}
