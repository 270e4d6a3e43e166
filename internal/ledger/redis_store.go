package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyRules    = "sentinel:rules"
	keySettings = "sentinel:settings"
	keyIndex    = "sentinel:marked"
	userPrefix  = "sentinel:user:"
)

// userRecord is the stored envelope: a version counter for optimistic
// concurrency plus the (possibly legacy-shaped) user record.
type userRecord struct {
	Version uint64 `json:"v"`
	storedUser
}

// RedisStore implements Store on Redis. Per-user writes are compare-and-set
// on the record's version counter inside a WATCH/MULTI transaction.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func userKey(identity string) string {
	return userPrefix + identity
}

func (s *RedisStore) LoadUser(ctx context.Context, identity string) (MarkedUser, uint64, bool, error) {
	raw, err := s.client.Get(ctx, userKey(identity)).Result()
	if err == redis.Nil {
		return MarkedUser{}, 0, false, nil
	}
	if err != nil {
		return MarkedUser{}, 0, false, fmt.Errorf("get user %s: %w", identity, err)
	}
	var record userRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return MarkedUser{}, 0, false, fmt.Errorf("decode user %s: %w", identity, err)
	}
	if record.Version == 0 {
		// Records written before versioning count as version 1.
		record.Version = 1
	}
	return migrateStored(identity, record.storedUser), record.Version, true, nil
}

func (s *RedisStore) SaveUser(ctx context.Context, user MarkedUser, version uint64) error {
	key := userKey(user.Identity)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		var currentVersion uint64
		switch {
		case err == redis.Nil:
			currentVersion = 0
		case err != nil:
			return fmt.Errorf("get user %s: %w", user.Identity, err)
		default:
			var record userRecord
			if decodeErr := json.Unmarshal([]byte(current), &record); decodeErr != nil {
				return fmt.Errorf("decode user %s: %w", user.Identity, decodeErr)
			}
			currentVersion = record.Version
			if currentVersion == 0 {
				// Records written before versioning count as version 1.
				currentVersion = 1
			}
		}
		if currentVersion != version {
			return ErrConflict
		}

		payload, err := json.Marshal(userRecord{Version: version + 1, storedUser: toStored(user)})
		if err != nil {
			return fmt.Errorf("encode user %s: %w", user.Identity, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.SAdd(ctx, keyIndex, user.Identity)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) DeleteUser(ctx context.Context, identity string, version uint64) error {
	key := userKey(identity)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get user %s: %w", identity, err)
		}
		var record userRecord
		if decodeErr := json.Unmarshal([]byte(current), &record); decodeErr != nil {
			return fmt.Errorf("decode user %s: %w", identity, decodeErr)
		}
		if record.Version != version && !(record.Version == 0 && version == 1) {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, keyIndex, identity)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) LoadUsers(ctx context.Context) (map[string]MarkedUser, error) {
	identities, err := s.client.SMembers(ctx, keyIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("load user index: %w", err)
	}
	users := make(map[string]MarkedUser, len(identities))
	for _, identity := range identities {
		user, _, found, err := s.LoadUser(ctx, identity)
		if err != nil {
			return nil, err
		}
		if found {
			users[identity] = user
		}
	}
	return users, nil
}

func (s *RedisStore) LoadRules(ctx context.Context) ([]Rule, error) {
	raw, err := s.client.Get(ctx, keyRules).Result()
	if err == redis.Nil {
		return []Rule{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rules: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return rules, nil
}

func (s *RedisStore) SaveRules(ctx context.Context, rules []Rule) error {
	payload, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	if err := s.client.Set(ctx, keyRules, payload, 0).Err(); err != nil {
		return fmt.Errorf("save rules: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadSettings(ctx context.Context) (Settings, error) {
	raw, err := s.client.Get(ctx, keySettings).Result()
	if err == redis.Nil {
		return DefaultSettings(), nil
	}
	if err != nil {
		return DefaultSettings(), fmt.Errorf("get settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return DefaultSettings(), fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

func (s *RedisStore) SaveSettings(ctx context.Context, settings Settings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.client.Set(ctx, keySettings, payload, 0).Err(); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// ReplaceAll swaps the entire persisted state in one pipeline. Used by import.
func (s *RedisStore) ReplaceAll(ctx context.Context, snapshot Snapshot) error {
	existing, err := s.client.SMembers(ctx, keyIndex).Result()
	if err != nil {
		return fmt.Errorf("load user index: %w", err)
	}

	rulesPayload, err := json.Marshal(snapshot.Rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	settingsPayload, err := json.Marshal(snapshot.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, identity := range existing {
			pipe.Del(ctx, userKey(identity))
		}
		pipe.Del(ctx, keyIndex)
		pipe.Set(ctx, keyRules, rulesPayload, 0)
		pipe.Set(ctx, keySettings, settingsPayload, 0)
		for identity, user := range snapshot.Users {
			payload, marshalErr := json.Marshal(userRecord{Version: 1, storedUser: toStored(user)})
			if marshalErr != nil {
				return fmt.Errorf("encode user %s: %w", identity, marshalErr)
			}
			pipe.Set(ctx, userKey(identity), payload, 0)
			pipe.SAdd(ctx, keyIndex, identity)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
