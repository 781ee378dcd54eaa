package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storyteller-server/internal/models"
)

// Compile-time check to ensure redisSessionCache implements Cache
var _ Cache = (*redisSessionCache)(nil)

type redisSessionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache создает Redis-кэш снапшотов активных сессий.
// Ключи живут ttl с момента последней записи; durable-копией кэш не является.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) Cache {
	return &redisSessionCache{
		client: client,
		ttl:    ttl,
		logger: logger.Named("RedisSessionCache"),
	}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("story_session:%s", sessionID)
}

// Store сериализует сессию в JSON и кладет в Redis с обновлением TTL.
func (c *redisSessionCache) Store(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session for cache: %w", err)
	}

	key := sessionKey(sess.ID)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Error("Failed to set session snapshot in redis", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to set session snapshot in redis: %w", err)
	}
	return nil
}

// Load читает снапшот сессии. Отсутствие ключа не ошибка: возвращаем nil, nil.
func (c *redisSessionCache) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	key := sessionKey(sessionID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		c.logger.Error("Failed to get session snapshot from redis", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get session snapshot from redis: %w", err)
	}

	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// Поврежденный снапшот бесполезен, удаляем его
		c.logger.Warn("Corrupted session snapshot in redis, deleting", zap.String("key", key), zap.Error(err))
		_ = c.client.Del(ctx, key).Err()
		return nil, nil
	}
	return &sess, nil
}

// Delete удаляет снапшот сессии из Redis.
func (c *redisSessionCache) Delete(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session snapshot from redis: %w", err)
	}
	return nil
}
