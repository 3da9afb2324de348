package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-meter/internal/billing"
)

var ErrUnauthenticated = errors.New("invalid or missing credential")

const cacheTTL = 5 * time.Minute

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	accountKey   contextKey = "account"
	requestIDKey contextKey = "request_id"
)

// Resolver maps a bearer credential to its Account. The redis cache only
// holds credential hash -> account id; balances are always read from the
// store so the quota gate never sees a cached tokens_used.
type Resolver struct {
	store billing.Store
	cache *redis.Client
}

// NewResolver builds a resolver. cache may be nil.
func NewResolver(store billing.Store, cache *redis.Client) *Resolver {
	return &Resolver{store: store, cache: cache}
}

func HashCredential(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// Credential extracts the caller credential from the Authorization header.
// Both "Bearer <key>" and a bare key are accepted.
func Credential(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

func (rv *Resolver) Resolve(ctx context.Context, credential string) (*billing.Account, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}
	hash := HashCredential(credential)
	redisKey := fmt.Sprintf("auth:%s", hash)

	if rv.cache != nil {
		id, err := rv.cache.Get(ctx, redisKey).Result()
		if err == nil {
			acct, err := rv.store.GetAccount(ctx, id)
			if err == nil {
				return acct, nil
			}
			if !errors.Is(err, billing.ErrAccountNotFound) {
				return nil, err
			}
			// Stale mapping; fall through to the credential lookup.
			_ = rv.cache.Del(ctx, redisKey).Err()
		} else if err != redis.Nil {
			log.Warn().Err(err).Msg("auth: redis error")
		}
	}

	acct, err := rv.store.GetAccountByCredential(ctx, hash)
	if err != nil {
		if errors.Is(err, billing.ErrAccountNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}

	if rv.cache != nil {
		if err := rv.cache.Set(ctx, redisKey, acct.ID, cacheTTL).Err(); err != nil {
			log.Warn().Err(err).Msg("auth: failed to cache credential")
		}
	}
	return acct, nil
}

// ResolveRequest resolves the credential carried by r.
func (rv *Resolver) ResolveRequest(r *http.Request) (*billing.Account, error) {
	return rv.Resolve(r.Context(), Credential(r))
}

// NewMiddleware rejects requests whose credential does not resolve. An
// account already placed in the context by the metering interceptor is
// reused as is.
func NewMiddleware(rv *Resolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AccountFrom(r.Context()) != nil {
				next.ServeHTTP(w, r)
				return
			}

			acct, err := rv.ResolveRequest(r)
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					writeUnauthorized(w)
					return
				}
				log.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("auth: account lookup failed")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acct)))
		})
	}
}

// RequestID reuses an inbound X-Request-ID or mints one, and echoes it back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  "unauthorized",
		"detail": ErrUnauthenticated.Error(),
	})
}

// Helpers to extract from context
func AccountFrom(ctx context.Context) *billing.Account {
	if a, ok := ctx.Value(accountKey).(*billing.Account); ok {
		return a
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithAccount(ctx context.Context, a *billing.Account) context.Context {
	return context.WithValue(ctx, accountKey, a)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
