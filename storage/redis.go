package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/bookflow/types"
)

const (
	bookPrefix         = "book:"
	bookIndexKey       = "books"
	rulePrefix         = "rule:"
	ruleOrderKey       = "rules:order"
	employeesKey       = "employees"
	notificationPrefix = "notifications:"
	runsKey            = "automation_runs"
	runSuccessPrefix   = "automation_run:success:"

	maxUpdateRetries = 3
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

func bookKey(id uint64) string { return bookPrefix + strconv.FormatUint(id, 10) }
func ruleKey(id uint64) string { return rulePrefix + strconv.FormatUint(id, 10) }

func runSuccessKey(ruleID uint64, key string) string {
	return runSuccessPrefix + strconv.FormatUint(ruleID, 10) + ":" + key
}

// getFromRedis retrieves and unmarshals a value stored under key.
func getFromRedis[T any](ctx context.Context, client redis.Cmdable, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// CreateBook stores a book and indexes its ID.
func (s *RedisStorage) CreateBook(ctx context.Context, book types.Book) error {
	if book.ID == 0 {
		return ErrInvalidID
	}
	return withContextError(ctx, func() error {
		data, err := json.Marshal(book)
		if err != nil {
			return fmt.Errorf("failed to marshal book %d: %w", book.ID, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, bookKey(book.ID), data, 0)
			pipe.SAdd(ctx, bookIndexKey, book.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save book %d: %w", book.ID, err)
		}
		return nil
	})
}

// GetBook retrieves a book from Redis.
func (s *RedisStorage) GetBook(ctx context.Context, id uint64) (types.Book, error) {
	return getFromRedis[types.Book](ctx, s.client, bookKey(id), ErrBookNotFound)
}

// UpdateBook applies patch with an optimistic WATCH/MULTI cycle on the book key.
func (s *RedisStorage) UpdateBook(ctx context.Context, id uint64, patch types.BookPatch) error {
	key := bookKey(id)
	update := func(tx *redis.Tx) error {
		book, err := getFromRedis[types.Book](ctx, tx, key, ErrBookNotFound)
		if err != nil {
			return err
		}
		patch.Apply(&book)
		data, err := json.Marshal(book)
		if err != nil {
			return fmt.Errorf("failed to marshal book %d: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	return withContextError(ctx, func() error {
		var err error
		for i := 0; i < maxUpdateRetries; i++ {
			err = s.client.Watch(ctx, update, key)
			if !errors.Is(err, redis.TxFailedErr) {
				return err
			}
		}
		return fmt.Errorf("update book %d: %w", id, err)
	})
}

// ListBooks loads every indexed book and applies filter.
func (s *RedisStorage) ListBooks(ctx context.Context, filter types.BookFilter) ([]types.Book, error) {
	return withContext(ctx, func() ([]types.Book, error) {
		ids, err := s.client.SMembers(ctx, bookIndexKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read book index: %w", err)
		}
		out := make([]types.Book, 0, len(ids))
		if len(ids) == 0 {
			return out, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = bookPrefix + id
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load books: %w", err)
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var b types.Book
			if err := json.Unmarshal([]byte(raw), &b); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
			}
			if filter.Match(b) {
				out = append(out, b)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// InsertNotifications writes the whole batch in one MULTI/EXEC.
func (s *RedisStorage) InsertNotifications(ctx context.Context, notifications []types.Notification) error {
	return withContextError(ctx, func() error {
		if len(notifications) == 0 {
			return nil
		}
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, n := range notifications {
				data, err := json.Marshal(n)
				if err != nil {
					return fmt.Errorf("failed to marshal notification %d: %w", n.ID, err)
				}
				pipe.RPush(ctx, notificationPrefix+n.RecipientRef, data)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to execute pipeline for notifications: %w", err)
		}
		return nil
	})
}

// ListNotifications returns a recipient's notifications, oldest first.
func (s *RedisStorage) ListNotifications(ctx context.Context, recipientRef string) ([]types.Notification, error) {
	return withContext(ctx, func() ([]types.Notification, error) {
		raw, err := s.client.LRange(ctx, notificationPrefix+recipientRef, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read notifications for %s: %w", recipientRef, err)
		}
		out := make([]types.Notification, 0, len(raw))
		for _, item := range raw {
			var n types.Notification
			if err := json.Unmarshal([]byte(item), &n); err != nil {
				return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
			}
			out = append(out, n)
		}
		return out, nil
	})
}

// SaveRule stores a rule; new rules are appended to the insertion order list.
// The existence check, the write and the append run in one WATCH/MULTI cycle.
func (s *RedisStorage) SaveRule(ctx context.Context, rule types.AutomationRule) error {
	if rule.ID == 0 {
		return ErrInvalidID
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule %d: %w", rule.ID, err)
	}

	key := ruleKey(rule.ID)
	save := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if exists == 0 {
				pipe.RPush(ctx, ruleOrderKey, rule.ID)
			}
			return nil
		})
		return err
	}

	return withContextError(ctx, func() error {
		var err error
		for i := 0; i < maxUpdateRetries; i++ {
			err = s.client.Watch(ctx, save, key)
			if !errors.Is(err, redis.TxFailedErr) {
				if err != nil {
					return fmt.Errorf("failed to save rule %d: %w", rule.ID, err)
				}
				return nil
			}
		}
		return fmt.Errorf("failed to save rule %d: %w", rule.ID, err)
	})
}

// DeleteRule removes a rule and its order entry.
func (s *RedisStorage) DeleteRule(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		var del *redis.IntCmd
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, ruleKey(id))
			pipe.LRem(ctx, ruleOrderKey, 0, id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to delete rule %d: %w", id, err)
		}
		if del.Val() == 0 {
			return fmt.Errorf("%w: id=%d", ErrRuleNotFound, id)
		}
		return nil
	})
}

// ListRules loads rules in insertion order and sorts them by priority.
func (s *RedisStorage) ListRules(ctx context.Context) ([]types.AutomationRule, error) {
	return withContext(ctx, func() ([]types.AutomationRule, error) {
		ids, err := s.client.LRange(ctx, ruleOrderKey, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read rule order: %w", err)
		}
		out := make([]types.AutomationRule, 0, len(ids))
		if len(ids) == 0 {
			return out, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = rulePrefix + id
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load rules: %w", err)
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var r types.AutomationRule
			if err := json.Unmarshal([]byte(raw), &r); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
			}
			out = append(out, r)
		}
		SortRules(out)
		return out, nil
	})
}

// ListActiveRulesForTrigger returns the active rules for trigger.
func (s *RedisStorage) ListActiveRulesForTrigger(ctx context.Context, trigger types.TriggerType) ([]types.AutomationRule, error) {
	all, err := s.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	return FilterActive(all, trigger), nil
}

// SaveEmployee stores a directory entry in the employees hash.
func (s *RedisStorage) SaveEmployee(ctx context.Context, employee types.Employee) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(employee)
		if err != nil {
			return fmt.Errorf("failed to marshal employee %s: %w", employee.Ref, err)
		}
		return s.client.HSet(ctx, employeesKey, employee.Ref, data).Err()
	})
}

// ResolveEmployee looks up ref in the employees hash.
func (s *RedisStorage) ResolveEmployee(ctx context.Context, ref string) (*types.Employee, error) {
	return withContext(ctx, func() (*types.Employee, error) {
		data, err := s.client.HGet(ctx, employeesKey, ref).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to resolve employee %s: %w", ref, err)
		}
		var e types.Employee
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal employee %s: %w", ref, err)
		}
		return &e, nil
	})
}

// ListEmployees returns the directory ordered by ref.
func (s *RedisStorage) ListEmployees(ctx context.Context) ([]types.Employee, error) {
	return withContext(ctx, func() ([]types.Employee, error) {
		all, err := s.client.HGetAll(ctx, employeesKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list employees: %w", err)
		}
		out := make([]types.Employee, 0, len(all))
		for ref, raw := range all {
			var e types.Employee
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return nil, fmt.Errorf("failed to unmarshal employee %s: %w", ref, err)
			}
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
		return out, nil
	})
}

// RecordRun appends the run to the audit list and marks keyed successes.
func (s *RedisStorage) RecordRun(ctx context.Context, run types.AutomationRun) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run for rule %d: %w", run.RuleID, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, runsKey, data)
			if run.Status == types.RunSuccess && run.IdempotencyKey != "" {
				pipe.SetNX(ctx, runSuccessKey(run.RuleID, run.IdempotencyKey), run.InvocationID, 0)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to record run for rule %d: %w", run.RuleID, err)
		}
		return nil
	})
}

// HasSucceeded checks the success marker for (ruleID, key).
func (s *RedisStorage) HasSucceeded(ctx context.Context, ruleID uint64, key string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		n, err := s.client.Exists(ctx, runSuccessKey(ruleID, key)).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check run marker: %w", err)
		}
		return n > 0, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
