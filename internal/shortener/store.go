package shortener

import (
	"context"
	"errors"
	"time"
)

// DurableStore 持久層契約
//
// 系統設計考量：
//
//  1. 唯一約束是建立操作唯一的同步原語
//     - Insert 遇到短碼衝突回傳 ErrAliasTaken
//     - 去重模式下 url_hash 衝突回傳 ErrDuplicateURL
//
//  2. 原子遞增是點擊計數唯一的同步原語
//     - click_total = click_total + n，不會丟失更新
//
//  3. 條件刪除保證清理與正常流量並行安全
//     - 只刪除讀取當下 expires_at 已過的記錄
//
// 實作：storage.Postgres（生產）、storage.Memory（開發與測試）、
// storage.Sharded（多分片）。
type DurableStore interface {
	// NextSequence 全域遞增序號（多實例共享）
	NextSequence(ctx context.Context) (uint64, error)

	// Insert 保存新映射
	Insert(ctx context.Context, link *ShortLink) error

	// Get 讀取映射（不檢查過期），不存在回傳 ErrNotFound
	Get(ctx context.Context, code string) (*ShortLink, error)

	// FindByURLHash 依正規化網址雜湊查找非別名映射
	FindByURLHash(ctx context.Context, hash string) (*ShortLink, error)

	// ListByOwner 依建立時間倒序列出擁有者的映射
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*ShortLink, error)

	// Delete 刪除映射與其每日計數，不存在回傳 ErrNotFound
	Delete(ctx context.Context, code string) error

	// DeleteIfExpired 只在 expires_at <= now 時刪除
	DeleteIfExpired(ctx context.Context, code string, now time.Time) (bool, error)

	// PurgeExpired 刪除最多 limit 筆已過期映射，回傳被刪除的短碼
	PurgeExpired(ctx context.Context, now time.Time, limit int) ([]string, error)

	// IncrementClicks 原子增加 click_total，不存在回傳 ErrNotFound
	IncrementClicks(ctx context.Context, code string, n int64) error

	// ApplyClicks 在同一交易內套用一批增量（click_total 與每日計數）
	//
	// 已被刪除的短碼直接略過，不視為錯誤。
	ApplyClicks(ctx context.Context, deltas []ClickDelta) error

	// DailyClicks 依日期升冪列出每日點擊數
	DailyClicks(ctx context.Context, code string) ([]DailyCount, error)
}

// ErrCacheMiss 快取中沒有這個短碼（不代表短碼不存在）
var ErrCacheMiss = errors.New("cache miss")

// CacheEntry 快取查詢結果
//
// Negative 為 true 表示持久層近期確認過不存在（短 TTL 的負快取）。
type CacheEntry struct {
	Link     *ShortLink
	Negative bool
}

// Cache 快取層契約
//
// 快取永遠不是權威來源，任何錯誤都由呼叫方降級為直接讀持久層。
type Cache interface {
	// Get 查詢，命中正向項目時把 TTL 續期為 renew；未命中回傳 ErrCacheMiss
	Get(ctx context.Context, code string, renew time.Duration) (CacheEntry, error)

	// Set 覆寫寫入（建立時使用）
	Set(ctx context.Context, link *ShortLink, ttl time.Duration) error

	// Fill 僅在鍵不存在時寫入（讀取回填使用，避免覆蓋刪除墓碑）
	Fill(ctx context.Context, link *ShortLink, ttl time.Duration) error

	// MarkAbsent 寫入負快取；overwrite 為 true 時覆蓋既有項目（刪除墓碑）
	MarkAbsent(ctx context.Context, code string, ttl time.Duration, overwrite bool) error

	// Delete 刪除項目
	Delete(ctx context.Context, code string) error
}

// Publisher 生命週期事件發佈
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher 不發佈任何事件
type NopPublisher struct{}

// Publish 實現 Publisher
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// nopCache 未配置快取時使用，所有查詢都是 miss
type nopCache struct{}

func (nopCache) Get(context.Context, string, time.Duration) (CacheEntry, error) {
	return CacheEntry{}, ErrCacheMiss
}
func (nopCache) Set(context.Context, *ShortLink, time.Duration) error          { return nil }
func (nopCache) Fill(context.Context, *ShortLink, time.Duration) error         { return nil }
func (nopCache) MarkAbsent(context.Context, string, time.Duration, bool) error { return nil }
func (nopCache) Delete(context.Context, string) error                          { return nil }
