package storage

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/koopa0/system-design/shortlink/internal/shortener"
)

// LRU 進程內快取（Least Recently Used + TTL）
//
// 資料結構：
//   - 雙向鏈結串列：維護存取順序（頭部為最近使用）
//   - HashMap：O(1) 查找
//
// 每個項目帶到期時間，讀取時順便淘汰已到期項目。
// 負快取項目與正向項目共用容量。
//
// 適用場景：單實例部署，或作為 Redis 前面的熱點快取。
type LRU struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
	now      func() time.Time
}

type lruEntry struct {
	code     string
	link     *shortener.ShortLink // nil 表示負快取
	deadline time.Time
}

// NewLRU 建立 LRU 快取
func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRU{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get 實現 shortener.Cache
//
// 命中正向項目時移到頭部並續期；負快取不續期。
func (c *LRU) Get(ctx context.Context, code string, renew time.Duration) (shortener.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[code]
	if !ok {
		return shortener.CacheEntry{}, shortener.ErrCacheMiss
	}

	e := elem.Value.(*lruEntry)
	now := c.now()
	if !now.Before(e.deadline) {
		c.removeElement(elem)
		return shortener.CacheEntry{}, shortener.ErrCacheMiss
	}

	if e.link == nil {
		return shortener.CacheEntry{Negative: true}, nil
	}

	c.order.MoveToFront(elem)
	if renew > 0 {
		if d := now.Add(renew); d.After(e.deadline) {
			e.deadline = d
		}
	}
	return shortener.CacheEntry{Link: e.link.Clone()}, nil
}

// Set 覆寫寫入
func (c *LRU) Set(ctx context.Context, link *shortener.ShortLink, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(link.Code, link.Clone(), ttl, true)
	return nil
}

// Fill 僅在不存在（或已到期）時寫入
func (c *LRU) Fill(ctx context.Context, link *shortener.ShortLink, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(link.Code, link.Clone(), ttl, false)
	return nil
}

// MarkAbsent 寫入負快取
func (c *LRU) MarkAbsent(ctx context.Context, code string, ttl time.Duration, overwrite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(code, nil, ttl, overwrite)
	return nil
}

// Delete 刪除快取項目
func (c *LRU) Delete(ctx context.Context, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[code]; ok {
		c.removeElement(elem)
	}
	return nil
}

// Len 目前項目數量（含尚未被讀到的到期項目）
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// put 呼叫方需持有鎖
func (c *LRU) put(code string, link *shortener.ShortLink, ttl time.Duration, overwrite bool) {
	if ttl <= 0 {
		return
	}
	now := c.now()
	deadline := now.Add(ttl)

	if elem, ok := c.items[code]; ok {
		e := elem.Value.(*lruEntry)
		if !overwrite && now.Before(e.deadline) {
			return
		}
		e.link = link
		e.deadline = deadline
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&lruEntry{code: code, link: link, deadline: deadline})
	c.items[code] = elem

	if c.order.Len() > c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

func (c *LRU) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).code)
}
