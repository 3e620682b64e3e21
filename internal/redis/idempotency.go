package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a stored response is replayed for a client key.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the lock held while the first request runs.
	processingTTL = 5 * time.Minute

	// processingPrefix starts every lock value; the rest is the owner's token.
	processingPrefix = "processing:"
)

// releaseScript deletes the key only while it still holds the caller's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrDuplicateRequest means another request with the same key is still running.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key in progress")

// CachedResponse is the stored reply replayed for a repeated key.
type CachedResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  int64           `json:"created_at"`
}

// IdempotencyService stores responses by (scope, client key) so a retried
// event is answered from the first run instead of fanning out again.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

// Check returns the stored response, nil if none, or ErrDuplicateRequest
// while the first request still holds the key.
func (s *IdempotencyService) Check(ctx context.Context, scope, key string) (*CachedResponse, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(scope, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if strings.HasPrefix(val, processingPrefix) {
		return nil, ErrDuplicateRequest
	}

	var cached CachedResponse
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		s.logger.Error("failed to unmarshal cached response", zap.Error(err))
		return nil, fmt.Errorf("invalid cached response: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("scope", scope),
		zap.Int("status", cached.StatusCode),
	)

	return &cached, nil
}

// Store saves the response under the key, replacing the processing lock.
func (s *IdempotencyService) Store(ctx context.Context, scope, key string, resp *CachedResponse, ttl time.Duration) error {
	if resp.CreatedAt == 0 {
		resp.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(scope, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve takes the processing lock with SET NX and returns the owner token.
// An empty token means the key exists.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, key string) (string, error) {
	token := processingPrefix + uuid.NewString()
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(scope, key), token, processingTTL).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		return "", nil
	}
	return token, nil
}

// Release drops the processing lock taken with token so the client may retry
// after a failure. A stored response, or a lock now owned by another request,
// is left alone.
func (s *IdempotencyService) Release(ctx context.Context, scope, key, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, s.client.rdb, []string{s.buildKey(scope, key)}, token).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns the stored response if there is one, otherwise takes the lock.
// A non-empty token means the caller owns the key and must Store or Release it.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, key string) (*CachedResponse, string, error) {
	cached, err := s.Check(ctx, scope, key)
	if err != nil {
		return nil, "", err
	}
	if cached != nil {
		return cached, "", nil
	}

	token, err := s.Reserve(ctx, scope, key)
	if err != nil {
		return nil, "", err
	}
	if token == "" {
		return nil, "", ErrDuplicateRequest
	}
	return nil, token, nil
}
