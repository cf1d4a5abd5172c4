package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shopify-install-gateway/internal/domain"
	"shopify-install-gateway/internal/ports"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix   = "session:"
	shopSessionsPrefix = "shop_sessions:"
)

// RedisSessionStore implements SessionStore on Redis. Each session is a JSON
// value under session:<id>; a per-shop set under shop_sessions:<domain>
// indexes the ids so uninstall can purge a shop's sessions in one pass.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore creates a new Redis-backed session store.
func NewRedisSessionStore(client *redis.Client) ports.SessionStore {
	return &RedisSessionStore{client: client}
}

// Store saves a session and indexes it under its shop. Pending-auth sessions
// carry an ExpiresAt; the key TTL follows it so abandoned flows clean up.
func (s *RedisSessionStore) Store(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	var ttl time.Duration
	if !session.ExpiresAt.IsZero() {
		ttl = time.Until(session.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("session %s already expired", session.ID)
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+session.ID, data, ttl)
	pipe.SAdd(ctx, shopSessionsPrefix+session.Shop, session.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get returns (nil, nil) when no session exists under id.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Delete removes a single session and its shop-index entry.
func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+id)
	pipe.SRem(ctx, shopSessionsPrefix+session.Shop, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// FindSessionsByShop returns every live session for the shop. Ids whose keys
// have since expired are pruned from the index.
func (s *RedisSessionStore) FindSessionsByShop(ctx context.Context, shopDomain string) ([]*domain.Session, error) {
	ids, err := s.client.SMembers(ctx, shopSessionsPrefix+shopDomain).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list shop sessions: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if session == nil {
			s.client.SRem(ctx, shopSessionsPrefix+shopDomain, id)
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// DeleteSessions removes the given ids and the shop index in one pipeline.
func (s *RedisSessionStore) DeleteSessions(ctx context.Context, shopDomain string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, sessionKeyPrefix+id)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.Del(ctx, shopSessionsPrefix+shopDomain)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	return nil
}
