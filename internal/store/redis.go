// Redis-backed store for sessions and one-time codes.
//
// Session saves use WATCH-based optimistic transactions so the version check
// holds across instances, matching the SQL backends.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	redisSessionKeyPrefix = "carepipe:session:"
	redisCodeKeyPrefix    = "carepipe:code:"
	redisCodeSetPrefix    = "carepipe:codes:"
)

type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store for the given address.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisStore invoked", "addr_set", cfg.RedisAddr != "")

	if cfg.RedisAddr == "" {
		slog.Error("RedisStore address not set")
		return nil, fmt.Errorf("redis address not set")
	}

	var client *redis.Client
	if ropts, err := redis.ParseURL(cfg.RedisAddr); err == nil {
		client = redis.NewClient(ropts)
	} else {
		client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func sessionKey(identity string) string { return redisSessionKeyPrefix + identity }

func redisCodeKey(address string, purpose models.CodePurpose, code string) string {
	return redisCodeKeyPrefix + address + ":" + string(purpose) + ":" + code
}

func redisCodeSetKey(address string, purpose models.CodePurpose) string {
	return redisCodeSetPrefix + address + ":" + string(purpose)
}

func (s *RedisStore) LoadSession(identity string) (*models.Session, error) {
	raw, err := s.client.Get(context.Background(), sessionKey(identity)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore LoadSession failed", "error", err, "identity", identity)
		return nil, models.Fatal("store.LoadSession", err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, models.Fatal("store.LoadSession", err)
	}
	return &sess, nil
}

func (s *RedisStore) CreateSessionIfAbsent(identity string) (*models.Session, error) {
	sess := newSession(identity, time.Now())
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, models.Fatal("store.CreateSessionIfAbsent", err)
	}
	created, err := s.client.SetNX(context.Background(), sessionKey(identity), raw, 0).Result()
	if err != nil {
		slog.Error("RedisStore CreateSessionIfAbsent failed", "error", err, "identity", identity)
		return nil, models.Fatal("store.CreateSessionIfAbsent", err)
	}
	if created {
		return sess, nil
	}
	return s.LoadSession(identity)
}

func (s *RedisStore) SaveSession(sess *models.Session) error {
	ctx := context.Background()
	key := sessionKey(sess.Identity)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return models.Conflict("store.SaveSession", sess.Identity)
		}
		if err != nil {
			return models.Fatal("store.SaveSession", err)
		}
		var current models.Session
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return models.Fatal("store.SaveSession", err)
		}
		if current.Version != sess.Version {
			return models.Conflict("store.SaveSession", sess.Identity)
		}
		next := *sess
		next.Version++
		next.UpdatedAt = time.Now()
		out, err := json.Marshal(&next)
		if err != nil {
			return models.Fatal("store.SaveSession", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == redis.TxFailedErr {
			return models.Conflict("store.SaveSession", sess.Identity)
		}
		if err != nil {
			return models.Fatal("store.SaveSession", err)
		}
		sess.Version = next.Version
		sess.UpdatedAt = next.UpdatedAt
		return nil
	}, key)
	if err != nil {
		if models.IsConflict(err) {
			slog.Warn("RedisStore SaveSession version conflict", "identity", sess.Identity, "version", sess.Version)
		}
		return err
	}
	slog.Debug("RedisStore SaveSession succeeded", "identity", sess.Identity, "state", sess.State, "version", sess.Version)
	return nil
}

func (s *RedisStore) SaveCode(c models.OneTimeCode) error {
	ctx := context.Background()
	raw, err := json.Marshal(&c)
	if err != nil {
		return models.Fatal("store.SaveCode", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisCodeKey(c.Address, c.Purpose, c.Code), raw, 0)
	pipe.SAdd(ctx, redisCodeSetKey(c.Address, c.Purpose), c.Code)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore SaveCode failed", "error", err, "address", c.Address, "purpose", c.Purpose)
		return models.Fatal("store.SaveCode", err)
	}
	return nil
}

func (s *RedisStore) GetCode(address string, purpose models.CodePurpose, code string) (*models.OneTimeCode, error) {
	raw, err := s.client.Get(context.Background(), redisCodeKey(address, purpose, code)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore GetCode failed", "error", err, "address", address, "purpose", purpose)
		return nil, models.Fatal("store.GetCode", err)
	}
	var c models.OneTimeCode
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, models.Fatal("store.GetCode", err)
	}
	return &c, nil
}

// codesFor loads every stored code record for (address, purpose).
func (s *RedisStore) codesFor(address string, purpose models.CodePurpose) ([]*models.OneTimeCode, error) {
	ctx := context.Background()
	values, err := s.client.SMembers(ctx, redisCodeSetKey(address, purpose)).Result()
	if err != nil {
		return nil, models.Fatal("store.codesFor", err)
	}
	var out []*models.OneTimeCode
	for _, v := range values {
		c, err := s.GetCode(address, purpose, v)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *RedisStore) SupersedeIssuedCodes(address string, purpose models.CodePurpose) (int64, error) {
	codes, err := s.codesFor(address, purpose)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, c := range codes {
		if c.Status != models.CodeStatusIssued {
			continue
		}
		c.Status = models.CodeStatusSuperseded
		if err := s.SaveCode(*c); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *RedisStore) MarkCodeConsumed(address string, purpose models.CodePurpose, code string, usedAt time.Time) error {
	ctx := context.Background()
	key := redisCodeKey(address, purpose, code)
	// WATCH the record so two concurrent deliveries cannot both consume it.
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return models.Conflict("store.MarkCodeConsumed", address)
		}
		if err != nil {
			return models.Fatal("store.MarkCodeConsumed", err)
		}
		var c models.OneTimeCode
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return models.Fatal("store.MarkCodeConsumed", err)
		}
		if c.Status != models.CodeStatusIssued {
			return models.Conflict("store.MarkCodeConsumed", address)
		}
		c.Status = models.CodeStatusConsumed
		t := usedAt
		c.UsedAt = &t
		out, err := json.Marshal(&c)
		if err != nil {
			return models.Fatal("store.MarkCodeConsumed", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == redis.TxFailedErr {
			return models.Conflict("store.MarkCodeConsumed", address)
		}
		return err
	}, key)
}

func (s *RedisStore) UnconsumeCode(address string, purpose models.CodePurpose) error {
	codes, err := s.codesFor(address, purpose)
	if err != nil {
		return err
	}
	var latest *models.OneTimeCode
	for _, c := range codes {
		if c.Status != models.CodeStatusConsumed {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return models.NotFound("store.UnconsumeCode", "consumed code")
	}
	latest.Status = models.CodeStatusIssued
	latest.UsedAt = nil
	if err := s.SaveCode(*latest); err != nil {
		return err
	}
	slog.Info("RedisStore UnconsumeCode restored code", "address", address, "purpose", purpose)
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
