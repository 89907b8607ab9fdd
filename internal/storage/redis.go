package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/shortlink/internal/shortener"
	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
)

// negativeMarker 負快取值
//
// 查詢不存在的短碼時寫入，TTL 很短，
// 防止惡意請求大量不存在的短碼穿透到資料庫。
const negativeMarker = "null"

// getAndRenew 讀取並續期，只續期正向項目
//
// 讀取與續期放在同一個腳本裡，避免 GET 與 PEXPIRE 之間
// 項目被刪除後又被 PEXPIRE 影響到新寫入的墓碑。
var getAndRenew = redis.NewScript(`
	local v = redis.call('GET', KEYS[1])
	if not v then
		return false
	end
	local ttl = tonumber(ARGV[2])
	if v ~= ARGV[1] and ttl > 0 then
		redis.call('PEXPIRE', KEYS[1], ttl)
	end
	return v
`)

// RedisCache Redis 快取層
//
// 鍵：link:{code}
// 值：JSON（時間以 unix 秒保存）或負快取標記
//
// 快取問題對應：
//   - 穿透：負快取（短 TTL）
//   - 擊穿：ConsistencyStore 用 singleflight 合併回源
//   - 雪崩：TTL 以有效期為上限，建立時間分散，自然錯開
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCache 創建 Redis 快取層
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{
		client:    client,
		keyPrefix: "link:",
	}
}

// cachedLink 快取中的序列化格式
type cachedLink struct {
	ID            int64  `json:"id"`
	Code          string `json:"code"`
	LongURL       string `json:"long_url"`
	OwnerID       string `json:"owner_id,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     *int64 `json:"expires_at,omitempty"`
	IsCustomAlias bool   `json:"is_custom_alias,omitempty"`
	ClickTotal    int64  `json:"click_total"`
}

func encodeLink(link *shortener.ShortLink) (string, error) {
	c := cachedLink{
		ID:            link.ID,
		Code:          link.Code,
		LongURL:       link.LongURL,
		OwnerID:       link.OwnerID,
		CreatedAt:     link.CreatedAt.Unix(),
		IsCustomAlias: link.IsCustomAlias,
		ClickTotal:    link.ClickTotal,
	}
	if link.ExpiresAt != nil {
		exp := link.ExpiresAt.Unix()
		c.ExpiresAt = &exp
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cached link: %w", err)
	}
	return string(data), nil
}

func decodeLink(data string) (*shortener.ShortLink, error) {
	var c cachedLink
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("decode cached link: %w", err)
	}
	link := &shortener.ShortLink{
		ID:            c.ID,
		Code:          c.Code,
		LongURL:       c.LongURL,
		OwnerID:       c.OwnerID,
		CreatedAt:     time.Unix(c.CreatedAt, 0).UTC(),
		IsCustomAlias: c.IsCustomAlias,
		ClickTotal:    c.ClickTotal,
	}
	if c.ExpiresAt != nil {
		exp := time.Unix(*c.ExpiresAt, 0).UTC()
		link.ExpiresAt = &exp
	}
	return link, nil
}

func (r *RedisCache) key(code string) string {
	return r.keyPrefix + code
}

// unavailable 把 Redis I/O 錯誤歸類為 CACHE_UNAVAILABLE
func unavailable(op, code string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(fmt.Errorf("redis %s %s: %w", op, code, err), apperrors.CodeCacheUnavailable, "cache unavailable")
}

// Get 實現 shortener.Cache
func (r *RedisCache) Get(ctx context.Context, code string, renew time.Duration) (shortener.CacheEntry, error) {
	data, err := getAndRenew.Run(ctx, r.client, []string{r.key(code)}, negativeMarker, renew.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return shortener.CacheEntry{}, shortener.ErrCacheMiss
	}
	if err != nil {
		return shortener.CacheEntry{}, unavailable("get", code, err)
	}

	if data == negativeMarker {
		return shortener.CacheEntry{Negative: true}, nil
	}

	link, err := decodeLink(data)
	if err != nil {
		// 格式損壞的項目直接刪除，當作 miss；刪不掉就回報給呼叫方記錄
		if delErr := r.client.Del(ctx, r.key(code)).Err(); delErr != nil {
			return shortener.CacheEntry{}, unavailable("drop corrupt", code, errors.Join(err, delErr))
		}
		return shortener.CacheEntry{}, shortener.ErrCacheMiss
	}
	return shortener.CacheEntry{Link: link}, nil
}

// Set 覆寫寫入
func (r *RedisCache) Set(ctx context.Context, link *shortener.ShortLink, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := encodeLink(link)
	if err != nil {
		return err
	}
	return unavailable("set", link.Code, r.client.Set(ctx, r.key(link.Code), data, ttl).Err())
}

// Fill 僅在鍵不存在時寫入（SET NX）
func (r *RedisCache) Fill(ctx context.Context, link *shortener.ShortLink, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := encodeLink(link)
	if err != nil {
		return err
	}
	return unavailable("fill", link.Code, r.client.SetNX(ctx, r.key(link.Code), data, ttl).Err())
}

// MarkAbsent 寫入負快取
func (r *RedisCache) MarkAbsent(ctx context.Context, code string, ttl time.Duration, overwrite bool) error {
	if ttl <= 0 {
		return nil
	}
	if overwrite {
		return unavailable("mark absent", code, r.client.Set(ctx, r.key(code), negativeMarker, ttl).Err())
	}
	return unavailable("mark absent", code, r.client.SetNX(ctx, r.key(code), negativeMarker, ttl).Err())
}

// Delete 刪除快取項目
func (r *RedisCache) Delete(ctx context.Context, code string) error {
	return unavailable("delete", code, r.client.Del(ctx, r.key(code)).Err())
}
