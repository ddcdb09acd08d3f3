// Package common provides shared utilities for services.
package common

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"inbox_worker/core/domain"
	"inbox_worker/core/port/out"
	"inbox_worker/pkg/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Cache Configuration
// =============================================================================

// CacheConfig holds message cache settings.
type CacheConfig struct {
	RedisTTL time.Duration
	L1       *L1Config

	// Payloads larger than this are gzip-compressed in Redis.
	CompressionThreshold int
}

// DefaultCacheConfig returns default cache configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		RedisTTL:             30 * time.Minute,
		L1:                   DefaultL1Config(),
		CompressionThreshold: 2048,
	}
}

const keyPrefixMessage = "msg:" // msg:{account_id}:{message_id}

func messageKey(emailAccountID, messageID string) string {
	return keyPrefixMessage + emailAccountID + ":" + messageID
}

// =============================================================================
// Message Cache - 3 Tier
// =============================================================================

// MessageCache implements out.MessageProvider in front of a slower
// provider: L1 memory, then Redis, then the source. Concurrent misses for
// the same message share one source fetch.
type MessageCache struct {
	l1     *L1Cache
	redis  *redis.Client
	source out.MessageProvider
	config *CacheConfig
	log    *logger.Logger

	flight singleflight.Group

	metrics CacheMetrics
}

// CacheMetrics tracks cache hit/miss statistics
type CacheMetrics struct {
	L1Hits      atomic.Int64
	RedisHits   atomic.Int64
	RedisMisses atomic.Int64
	SourceHits  atomic.Int64
}

// CacheStats is a snapshot of CacheMetrics.
type CacheStats struct {
	L1Hits      int64 `json:"l1_hits"`
	RedisHits   int64 `json:"redis_hits"`
	RedisMisses int64 `json:"redis_misses"`
	SourceHits  int64 `json:"source_hits"`
}

// NewMessageCache wraps source. A nil redis client disables the Redis tier.
func NewMessageCache(redisClient *redis.Client, source out.MessageProvider, config *CacheConfig) *MessageCache {
	if config == nil {
		config = DefaultCacheConfig()
	}
	return &MessageCache{
		l1:     NewL1Cache(config.L1),
		redis:  redisClient,
		source: source,
		config: config,
		log:    logger.Scoped("message-cache"),
	}
}

// GetMessage returns the message from the fastest tier that has it.
func (s *MessageCache) GetMessage(ctx context.Context, emailAccountID, messageID string) (*domain.ParsedMessage, error) {
	key := messageKey(emailAccountID, messageID)

	if data, ok := s.l1.Get(key); ok {
		if msg, err := decodeMessage(data); err == nil {
			s.metrics.L1Hits.Add(1)
			return msg, nil
		}
		s.l1.Delete(key)
	}

	result, err, _ := s.flight.Do(key, func() (interface{}, error) {
		if msg := s.getFromRedis(ctx, key); msg != nil {
			s.metrics.RedisHits.Add(1)
			return msg, nil
		}
		s.metrics.RedisMisses.Add(1)

		msg, err := s.source.GetMessage(ctx, emailAccountID, messageID)
		if err != nil {
			return nil, err
		}
		s.metrics.SourceHits.Add(1)
		s.cacheToRedis(ctx, key, msg)
		return msg, nil
	})
	if err != nil {
		return nil, err
	}

	msg := result.(*domain.ParsedMessage)
	if data, err := json.Marshal(msg); err == nil {
		s.l1.Set(key, data)
	}
	return msg, nil
}

// Invalidate drops a message from the L1 and Redis tiers.
func (s *MessageCache) Invalidate(ctx context.Context, emailAccountID, messageID string) error {
	key := messageKey(emailAccountID, messageID)
	s.l1.Delete(key)
	if s.redis == nil {
		return nil
	}
	return s.redis.Del(ctx, key).Err()
}

// Stats returns a snapshot of the cache counters.
func (s *MessageCache) Stats() CacheStats {
	return CacheStats{
		L1Hits:      s.metrics.L1Hits.Load(),
		RedisHits:   s.metrics.RedisHits.Load(),
		RedisMisses: s.metrics.RedisMisses.Load(),
		SourceHits:  s.metrics.SourceHits.Load(),
	}
}

func (s *MessageCache) getFromRedis(ctx context.Context, key string) *domain.ParsedMessage {
	if s.redis == nil {
		return nil
	}

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.WithError(err).Warn("redis get %s", key)
		}
		return nil
	}

	data, err = decompress(data)
	if err != nil {
		s.log.WithError(err).Warn("decompress %s", key)
		return nil
	}

	msg, err := decodeMessage(data)
	if err != nil {
		s.log.WithError(err).Warn("decode %s", key)
		return nil
	}
	return msg
}

// cacheToRedis is best effort; a failed write only costs a later miss.
func (s *MessageCache) cacheToRedis(ctx context.Context, key string, msg *domain.ParsedMessage) {
	if s.redis == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if len(data) > s.config.CompressionThreshold {
		if data, err = compress(data); err != nil {
			return
		}
	}

	if err := s.redis.Set(ctx, key, data, s.config.RedisTTL).Err(); err != nil {
		s.log.WithError(err).Warn("redis set %s", key)
	}
}

func decodeMessage(data []byte) (*domain.ParsedMessage, error) {
	var msg domain.ParsedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// =============================================================================
// Compression
// =============================================================================

var gzipMagic = []byte{0x1f, 0x8b}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress passes uncompressed payloads through unchanged.
func decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

var _ out.MessageProvider = (*MessageCache)(nil)
