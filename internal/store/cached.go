package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/redis/go-redis/v9"
)

// CachedStore puts a Redis read-through cache in front of basket reads.
// Basket definitions never change after creation, so entries only expire.
// Redis errors fall back to the primary store.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

func (s *CachedStore) CreateBasket(ctx context.Context, def basket.Definition) error {
	if err := s.Store.CreateBasket(ctx, def); err != nil {
		return err
	}
	s.cacheBasket(ctx, def)
	return nil
}

func (s *CachedStore) GetBasket(ctx context.Context, id string) (basket.Definition, error) {
	data, err := s.rdb.Get(ctx, basketKey(id)).Bytes()
	if err == nil {
		var def basket.Definition
		if json.Unmarshal(data, &def) == nil {
			return def, nil
		}
	}

	def, err := s.Store.GetBasket(ctx, id)
	if err != nil {
		return basket.Definition{}, err
	}
	s.cacheBasket(ctx, def)
	return def, nil
}

func (s *CachedStore) Close() error {
	rdbErr := s.rdb.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return rdbErr
}

func (s *CachedStore) cacheBasket(ctx context.Context, def basket.Definition) {
	if data, err := json.Marshal(def); err == nil {
		s.rdb.Set(ctx, basketKey(def.ID), data, s.ttl)
	}
}

func basketKey(id string) string { return fmt.Sprintf("basket:%s", id) }
