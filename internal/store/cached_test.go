package store

import (
	"context"
	"testing"
	"time"

	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func TestCachedStore_FallsBackWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	primary := NewMemoryStore()
	cached := NewCachedStore(primary, rdb, time.Minute)
	defer cached.Close()

	def, err := basket.NewDefinition("b1", "One", solana.NewWallet().PublicKey(), []basket.Leg{
		{Asset: solana.NewWallet().PublicKey(), Weight: decimal.NewFromInt(100)},
	})
	if err != nil {
		t.Fatalf("new definition: %v", err)
	}
	if err := cached.CreateBasket(ctx, def); err != nil {
		t.Fatalf("create basket: %v", err)
	}
	got, err := cached.GetBasket(ctx, "b1")
	if err != nil {
		t.Fatalf("get basket: %v", err)
	}
	if got.ID != "b1" || len(got.Legs) != 1 {
		t.Fatalf("unexpected basket %+v", got)
	}
	if _, err := cached.GetBalance(ctx, "nobody"); err != nil {
		t.Fatalf("passthrough failed: %v", err)
	}
}
