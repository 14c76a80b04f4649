// Package redis provides a Redis implementation of billing.EventLedger.
// Processed webhook event ids are stored as expiring keys so the ledger
// stays bounded without a cleanup job.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger implements billing.EventLedger using Redis
type Ledger struct {
	client redis.UniversalClient
	config Config
	now    func() time.Time
}

// Config holds Redis ledger configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "paywebhook:")
	KeyPrefix string

	// TTL is how long a processed event id is remembered (default: 72h)
	TTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "paywebhook:",
		TTL:       72 * time.Hour,
	}
}

// eventRecord is the value stored under an event key
type eventRecord struct {
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// New creates a new Redis event ledger.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "paywebhook:"
	}
	if config.TTL <= 0 {
		config.TTL = 72 * time.Hour
	}

	return &Ledger{
		client: client,
		config: config,
		now:    time.Now,
	}, nil
}

// Seen implements billing.EventLedger
func (l *Ledger) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// MarkProcessed implements billing.EventLedger. The first record for an
// event wins; later marks leave it and its expiry untouched.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	data, err := json.Marshal(eventRecord{
		EventType:   eventType,
		ProcessedAt: l.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}

	err = l.client.SetArgs(ctx, l.eventKey(eventID), data, redis.SetArgs{
		Mode: "NX",
		TTL:  l.config.TTL,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to record event %s: %w", eventID, err)
	}
	return nil
}

// ProcessedAt implements billing.ProcessedAtLedger
func (l *Ledger) ProcessedAt(ctx context.Context, eventID string) (time.Time, bool, error) {
	data, err := l.client.Get(ctx, l.eventKey(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get event %s: %w", eventID, err)
	}

	var rec eventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to unmarshal event record: %w", err)
	}
	return rec.ProcessedAt, true, nil
}

func (l *Ledger) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", l.config.KeyPrefix, eventID)
}

// Close closes the Redis client connection
func (l *Ledger) Close() error {
	return l.client.Close()
}

// Ping checks the Redis connection
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
