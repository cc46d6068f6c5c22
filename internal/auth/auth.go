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

	"github.com/vnmchuo/ai-usage-gateway/pkg/logger"
)

var ErrKeyNotFound = errors.New("service key not found")

// ServiceKey authenticates one calling product service. End users never
// hold these; they are identified by the X-User-ID header.
type ServiceKey struct {
	ID        string    `json:"id"`
	Service   string    `json:"service"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"key_hash"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (k *ServiceKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(k)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (k *ServiceKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, k)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*ServiceKey, error)
	Create(ctx context.Context, key *ServiceKey) error
}

// KeyCache caches resolved keys by hash. Get returns nil, nil on a miss.
type KeyCache interface {
	Get(ctx context.Context, keyHash string) (*ServiceKey, error)
	Set(ctx context.Context, keyHash string, key *ServiceKey) error
}

type RedisKeyCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisKeyCache(rdb redis.Cmdable, ttl time.Duration) *RedisKeyCache {
	return &RedisKeyCache{rdb: rdb, ttl: ttl}
}

func (c *RedisKeyCache) Get(ctx context.Context, keyHash string) (*ServiceKey, error) {
	var k ServiceKey
	err := c.rdb.Get(ctx, "auth:"+keyHash).Scan(&k)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (c *RedisKeyCache) Set(ctx context.Context, keyHash string, key *ServiceKey) error {
	return c.rdb.Set(ctx, "auth:"+keyHash, key, c.ttl).Err()
}

// HashKey is the stored form of a raw service key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	serviceKey   contextKey = "service"
	keyIDKey     contextKey = "service_key_id"
	userIDKey    contextKey = "user_id"
	requestIDKey contextKey = "request_id"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderRequestID = "X-Request-ID"
)

func NewMiddleware(store Store, cache KeyCache, log *logger.Logger) Middleware {
	log = log.With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// A caller-supplied request id lets product services correlate retries.
			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx = WithRequestID(ctx, requestID)
			w.Header().Set(HeaderRequestID, requestID)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}
			raw := strings.TrimPrefix(authHeader, "Bearer ")
			keyHash := HashKey(raw)

			key, err := cache.Get(ctx, keyHash)
			if err != nil {
				log.Warnw("key cache lookup failed", "error", err)
			}
			if key == nil {
				key, err = store.GetByKey(ctx, raw)
				if err != nil {
					if errors.Is(err, ErrKeyNotFound) {
						writeError(w, http.StatusUnauthorized, "invalid service key")
						return
					}
					log.Errorw("service key lookup failed", "error", err)
					writeError(w, http.StatusInternalServerError, "internal error")
					return
				}
				if err := cache.Set(ctx, keyHash, key); err != nil {
					log.Warnw("key cache write failed", "error", err)
				}
			}

			ctx = WithService(ctx, key.Service)
			ctx = context.WithValue(ctx, keyIDKey, key.ID)
			if userID := r.Header.Get(HeaderUserID); userID != "" {
				ctx = WithUserID(ctx, userID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func GetService(ctx context.Context) string {
	return stringValue(ctx, serviceKey)
}

func GetKeyID(ctx context.Context) string {
	return stringValue(ctx, keyIDKey)
}

func GetUserID(ctx context.Context) string {
	return stringValue(ctx, userIDKey)
}

func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// Helpers for testing
func WithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, serviceKey, service)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GenerateKey returns a new raw key with a recognisable prefix.
func GenerateKey() string {
	return fmt.Sprintf("aug_%s", strings.ReplaceAll(uuid.NewString(), "-", ""))
}
