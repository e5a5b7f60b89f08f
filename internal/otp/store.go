// Package otp issues and consumes short-lived one-time verification codes.
// Delivery (email) is outside this service; codes are stored keyed by email
// and consumed exactly once.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const codeDigits = 6

// DefaultTTL bounds how long an issued code stays valid.
const DefaultTTL = 10 * time.Minute

var (
	// ErrCodeNotFound indicates no code was issued for the email or it expired.
	ErrCodeNotFound = errors.New("otp.not_found")
	// ErrCodeMismatch indicates the presented code does not match the issued one.
	ErrCodeMismatch = errors.New("otp.mismatch")
)

// RedisStore keeps verification codes in Redis with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Issue generates a fresh code for the email, replacing any previous one.
func (store *RedisStore) Issue(ctx context.Context, email string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("otp.issue: %w", err)
	}
	if setErr := store.client.Set(ctx, redisKey(email), code, store.ttl).Err(); setErr != nil {
		return "", fmt.Errorf("otp.issue: %w", setErr)
	}
	return code, nil
}

// Consume validates the code and deletes it so it cannot be replayed.
func (store *RedisStore) Consume(ctx context.Context, email string, code string) error {
	stored, getErr := store.client.Get(ctx, redisKey(email)).Result()
	if getErr != nil {
		if errors.Is(getErr, redis.Nil) {
			return fmt.Errorf("otp.consume: %w", ErrCodeNotFound)
		}
		return fmt.Errorf("otp.consume: %w", getErr)
	}
	if !codesEqual(stored, code) {
		return fmt.Errorf("otp.consume: %w", ErrCodeMismatch)
	}
	if delErr := store.client.Del(ctx, redisKey(email)).Err(); delErr != nil {
		return fmt.Errorf("otp.consume: %w", delErr)
	}
	return nil
}

func redisKey(email string) string {
	return "otp:verify:" + email
}

// MemoryStore mirrors RedisStore semantics for runs without Redis.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	code      string
	expiresAt time.Time
}

// NewMemoryStore constructs an in-memory store with the given TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue generates a fresh code for the email, replacing any previous one.
func (store *MemoryStore) Issue(ctx context.Context, email string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("otp.issue: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[email] = memoryEntry{code: code, expiresAt: store.now().Add(store.ttl)}
	return code, nil
}

// Consume validates the code and removes it.
func (store *MemoryStore) Consume(ctx context.Context, email string, code string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[email]
	if !ok {
		return fmt.Errorf("otp.consume: %w", ErrCodeNotFound)
	}
	if store.now().After(entry.expiresAt) {
		delete(store.entries, email)
		return fmt.Errorf("otp.consume: %w", ErrCodeNotFound)
	}
	if !codesEqual(entry.code, code) {
		return fmt.Errorf("otp.consume: %w", ErrCodeMismatch)
	}
	delete(store.entries, email)
	return nil
}

func (store *MemoryStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for email, entry := range store.entries {
		if now.After(entry.expiresAt) {
			delete(store.entries, email)
		}
	}
}

func generateCode() (string, error) {
	upper := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		upper.Mul(upper, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, value), nil
}

func codesEqual(stored string, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
