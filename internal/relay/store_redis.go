package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/park285/relaychess/internal/event"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Indexed tag names; filters on other tags fall back to the kind index.
var indexedTags = map[string]struct{}{"d": {}, "p": {}, "e": {}}

// RedisStore is a self-hosted relay: events as JSON, sorted-set indexes
// scored by created_at, and a Pub/Sub channel for live delivery.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	logger *zap.Logger
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "relay"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, logger: logger}
}

func (s *RedisStore) keyEvent(id string) string        { return s.prefix + ":ev:" + id }
func (s *RedisStore) keyKind(kind int) string          { return s.prefix + ":idx:kind:" + strconv.Itoa(kind) }
func (s *RedisStore) keyAuthor(pk string) string       { return s.prefix + ":idx:author:" + pk }
func (s *RedisStore) keyTag(name, value string) string { return s.prefix + ":idx:tag:" + name + ":" + value }
func (s *RedisStore) keyAddress(addr string) string    { return s.prefix + ":addr:" + addr }
func (s *RedisStore) channel() string                  { return s.prefix + ":events" }

func (s *RedisStore) indexKeys(ev *nostr.Event) []string {
	keys := []string{s.keyKind(ev.Kind), s.keyAuthor(ev.PubKey)}
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		if _, ok := indexedTags[tag[0]]; ok {
			keys = append(keys, s.keyTag(tag[0], tag[1]))
		}
	}
	return keys
}

func (s *RedisStore) Publish(ctx context.Context, ev nostr.Event) error {
	if err := event.Verify(&ev); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	created, err := s.rdb.SetNX(ctx, s.keyEvent(ev.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("store event: %w", err)
	}
	if !created {
		return nil
	}

	if addr, ok := addressKey(&ev); ok {
		replaced, err := s.replace(ctx, addr, &ev)
		if err != nil {
			return err
		}
		if !replaced {
			_ = s.rdb.Del(ctx, s.keyEvent(ev.ID)).Err()
			return nil
		}
	}

	score := float64(ev.CreatedAt)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range s.indexKeys(&ev) {
			p.ZAdd(ctx, key, redis.Z{Score: score, Member: ev.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index event: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.channel(), raw).Err(); err != nil {
		s.logger.Warn("relay_redis_fanout_failed", zap.String("event_id", ev.ID), zap.Error(err))
	}
	return nil
}

// replace claims the address slot for ev. It reports false when the slot
// already holds a newer event.
func (s *RedisStore) replace(ctx context.Context, addr string, ev *nostr.Event) (bool, error) {
	oldID, err := s.rdb.Get(ctx, s.keyAddress(addr)).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("load address: %w", err)
	}
	if oldID != "" {
		old, err := s.load(ctx, oldID)
		if err != nil {
			return false, err
		}
		if old != nil {
			if event.Less(ev, old) {
				return false, nil
			}
			_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
				for _, key := range s.indexKeys(old) {
					p.ZRem(ctx, key, old.ID)
				}
				p.Del(ctx, s.keyEvent(old.ID))
				return nil
			})
			if err != nil {
				return false, fmt.Errorf("drop replaced event: %w", err)
			}
		}
	}
	if err := s.rdb.Set(ctx, s.keyAddress(addr), ev.ID, 0).Err(); err != nil {
		return false, fmt.Errorf("store address: %w", err)
	}
	return true, nil
}

func (s *RedisStore) load(ctx context.Context, id string) (*nostr.Event, error) {
	raw, err := s.rdb.Get(ctx, s.keyEvent(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// candidateKeys picks the narrowest index the filter allows.
func (s *RedisStore) candidateKeys(f nostr.Filter) []string {
	for name, values := range f.Tags {
		if _, ok := indexedTags[name]; !ok || len(values) == 0 {
			continue
		}
		keys := make([]string, 0, len(values))
		for _, v := range values {
			keys = append(keys, s.keyTag(name, v))
		}
		return keys
	}
	if len(f.Authors) > 0 {
		keys := make([]string, 0, len(f.Authors))
		for _, a := range f.Authors {
			keys = append(keys, s.keyAuthor(a))
		}
		return keys
	}
	keys := make([]string, 0, len(f.Kinds))
	for _, k := range f.Kinds {
		keys = append(keys, s.keyKind(k))
	}
	return keys
}

func (s *RedisStore) Query(ctx context.Context, f nostr.Filter) ([]nostr.Event, error) {
	var ids []string
	if len(f.IDs) > 0 {
		ids = append(ids, f.IDs...)
	} else {
		keys := s.candidateKeys(f)
		if len(keys) == 0 {
			return nil, fmt.Errorf("query: filter needs ids, tags, authors or kinds")
		}
		rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
		if f.Since != nil {
			rng.Min = strconv.FormatInt(int64(*f.Since), 10)
		}
		if f.Until != nil {
			rng.Max = strconv.FormatInt(int64(*f.Until), 10)
		}
		seen := make(map[string]struct{})
		for _, key := range keys {
			members, err := s.rdb.ZRangeByScore(ctx, key, rng).Result()
			if err != nil {
				return nil, fmt.Errorf("query index: %w", err)
			}
			for _, m := range members {
				if _, dup := seen[m]; dup {
					continue
				}
				seen[m] = struct{}{}
				ids = append(ids, m)
			}
		}
	}
	if len(ids) == 0 {
		return []nostr.Event{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyEvent(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	out := make([]nostr.Event, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var ev nostr.Event
		if err := json.Unmarshal([]byte(str), &ev); err != nil {
			s.logger.Warn("relay_redis_corrupt_event", zap.String("event_id", ids[i]), zap.Error(err))
			continue
		}
		if f.Matches(&ev) {
			out = append(out, ev)
		}
	}
	return sortNewest(out, f.Limit), nil
}

func (s *RedisStore) Subscribe(ctx context.Context, f nostr.Filter) (*Subscription, error) {
	ps := s.rdb.Subscribe(ctx, s.channel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	sub := newSubscription(ctx, func() { _ = ps.Close() })
	msgs := ps.Channel()
	go func() {
		defer sub.end()
		for {
			select {
			case <-sub.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev nostr.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if f.Matches(&ev) {
					sub.offer(ev)
				}
			}
		}
	}()
	return sub, nil
}
