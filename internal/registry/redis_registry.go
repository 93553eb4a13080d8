package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zsiec/doorway/internal/logger"
)

var registerScript = redis.NewScript(`
	local key = KEYS[1]
	local index_key = KEYS[2]
	local data = ARGV[1]
	local ttl = tonumber(ARGV[2])
	local session_id = ARGV[3]
	local existing = redis.call('GET', key)
	if existing then
		local old = cjson.decode(existing)
		local new = cjson.decode(data)
		new.created_at = old.created_at
		data = cjson.encode(new)
	end
	redis.call('SET', key, data, 'PX', ttl)
	redis.call('SADD', index_key, session_id)
	return existing and 0 or 1
`)

var heartbeatScript = redis.NewScript(`
	local key = KEYS[1]
	local ttl = tonumber(ARGV[1])
	local now = ARGV[2]
	local data = redis.call('GET', key)
	if not data then
		return redis.error_reply("session not found")
	end
	local session = cjson.decode(data)
	session.last_heartbeat = now
	redis.call('SET', key, cjson.encode(session), 'PX', ttl)
	return "OK"
`)

var listScript = redis.NewScript(`
	local index_key = KEYS[1]
	local prefix = ARGV[1]
	local ids = redis.call('SMEMBERS', index_key)
	local result = {}
	for i, id in ipairs(ids) do
		local session = redis.call('GET', prefix .. id)
		if session then
			table.insert(result, session)
		else
			redis.call('SREM', index_key, id)
		end
	end
	return result
`)

// RedisRegistry implements Registry using Redis keys with a TTL, so sessions
// of a crashed process age out on their own.
type RedisRegistry struct {
	client *redis.Client
	logger logger.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a new Redis-backed registry
func NewRedisRegistry(client *redis.Client, log logger.Logger, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisRegistry{
		client: client,
		logger: logger.WithComponent(logger.OrNull(log), "registry"),
		prefix: "doorway:sessions:",
		ttl:    ttl,
	}
}

func (r *RedisRegistry) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisRegistry) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisRegistry) Register(ctx context.Context, session *Session) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.LastHeartbeat = now

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := registerScript.Run(ctx, r.client,
		[]string{r.key(session.ID), r.indexKey()},
		data, r.ttl.Milliseconds(), session.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"session_id": session.ID,
		"accessory":  session.Accessory,
		"status":     session.Status,
		"created":    created == 1,
	}).Debug("Session registered")

	return nil
}

// Heartbeat refreshes last_heartbeat and the key expiry.
func (r *RedisRegistry) Heartbeat(ctx context.Context, sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := heartbeatScript.Run(ctx, r.client, []string{r.key(sessionID)},
		r.ttl.Milliseconds(), now).Err()
	if err != nil {
		if strings.Contains(err.Error(), "session not found") {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, sessionID string) error {
	deleted, err := r.client.Del(ctx, r.key(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister session: %w", err)
	}

	if err := r.client.SRem(ctx, r.indexKey(), sessionID).Err(); err != nil {
		r.logger.WithError(err).Warnf("Failed to remove session %s from index", sessionID)
	}

	if deleted == 0 {
		return ErrSessionNotFound
	}

	r.logger.WithField("session_id", sessionID).Debug("Session unregistered")
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// List returns every live session, pruning index entries whose key expired.
func (r *RedisRegistry) List(ctx context.Context) ([]*Session, error) {
	res, err := listScript.Run(ctx, r.client, []string{r.indexKey()}, r.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from script")
	}

	sessions := make([]*Session, 0, len(values))
	for _, val := range values {
		data, ok := val.(string)
		if !ok {
			r.logger.Warn("Invalid data type in result")
			continue
		}

		var session Session
		if err := json.Unmarshal([]byte(data), &session); err != nil {
			r.logger.WithError(err).Warn("Failed to unmarshal session")
			continue
		}
		sessions = append(sessions, &session)
	}

	sortSessions(sessions)
	return sessions, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}
