package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"app/internal/domain/model"

	"github.com/redis/go-redis/v9"
)

const productKeyPrefix = "product:"

// 商品詳細のread-throughキャッシュ。
// 在庫はトランザクション内で必ずDBを見るので、ここの値は表示用でしかない。
type ProductCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProductCache(client *redis.Client, ttl time.Duration) *ProductCache {
	return &ProductCache{client: client, ttl: ttl}
}

func (c *ProductCache) Get(ctx context.Context, productID int64) (model.Product, bool) {
	raw, err := c.client.Get(ctx, productKey(productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Product{}, false
	}
	if err != nil {
		return model.Product{}, false
	}

	var p model.Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Product{}, false
	}
	return p, true
}

func (c *ProductCache) Set(ctx context.Context, p model.Product) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, productKey(p.ID), raw, c.ttl).Err()
}

// 管理者が商品・在庫を更新したら必ず呼ぶ
func (c *ProductCache) Invalidate(ctx context.Context, productID int64) error {
	return c.client.Del(ctx, productKey(productID)).Err()
}

func productKey(productID int64) string {
	return productKeyPrefix + strconv.FormatInt(productID, 10)
}
