// Package storage 實現各種存儲後端
//
// 存儲架構：
//
//	持久層：Memory（開發測試）、Postgres（生產）、Sharded（多分片 Postgres）
//	快取層：LRU（進程內）、Redis（共享）
//
// 持久層實現 shortener.DurableStore，快取層實現 shortener.Cache。
package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/shortlink/internal/shortener"
	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
)

// Memory 內存持久層
//
// 使用場景：
//   - 開發環境快速測試
//   - 單元測試（隔離外部依賴）
//
// 與 Postgres 有相同的語意：code 與 url_hash 唯一、
// 刪除連帶清除每日計數、點擊增量略過已刪除短碼。
type Memory struct {
	mu       sync.RWMutex
	links    map[string]*shortener.ShortLink
	byHash   map[string]string
	daily    map[string]map[string]int64
	sequence uint64
}

// NewMemory 創建內存存儲實例
func NewMemory() *Memory {
	return &Memory{
		links:  make(map[string]*shortener.ShortLink),
		byHash: make(map[string]string),
		daily:  make(map[string]map[string]int64),
	}
}

// NextSequence 實現 shortener.DurableStore
func (m *Memory) NextSequence(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence++
	return m.sequence, nil
}

// Insert 保存新映射
func (m *Memory) Insert(ctx context.Context, link *shortener.ShortLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.links[link.Code]; exists {
		return apperrors.ErrAliasTaken
	}
	if link.URLHash != "" {
		if _, exists := m.byHash[link.URLHash]; exists {
			return apperrors.ErrDuplicateURL
		}
		m.byHash[link.URLHash] = link.Code
	}

	// 保存副本，防止呼叫方之後修改
	m.links[link.Code] = link.Clone()
	return nil
}

// Get 讀取映射（回傳副本）
func (m *Memory) Get(ctx context.Context, code string) (*shortener.ShortLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, exists := m.links[code]
	if !exists {
		return nil, apperrors.ErrNotFound
	}
	return link.Clone(), nil
}

// FindByURLHash 依雜湊查找
func (m *Memory) FindByURLHash(ctx context.Context, hash string) (*shortener.ShortLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	code, exists := m.byHash[hash]
	if !exists {
		return nil, apperrors.ErrNotFound
	}
	return m.links[code].Clone(), nil
}

// ListByOwner 依建立時間倒序列出
func (m *Memory) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*shortener.ShortLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*shortener.ShortLink
	for _, link := range m.links {
		if link.OwnerID == ownerID {
			out = append(out, link.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *shortener.ShortLink) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete 刪除映射與每日計數
func (m *Memory) Delete(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.links[code]; !exists {
		return apperrors.ErrNotFound
	}
	m.remove(code)
	return nil
}

// DeleteIfExpired 條件刪除
func (m *Memory) DeleteIfExpired(ctx context.Context, code string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, exists := m.links[code]
	if !exists || !shortener.IsExpired(link, now) {
		return false, nil
	}
	m.remove(code)
	return true, nil
}

// PurgeExpired 批量刪除已過期映射
func (m *Memory) PurgeExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged []string
	for code, link := range m.links {
		if limit > 0 && len(purged) >= limit {
			break
		}
		if shortener.IsExpired(link, now) {
			purged = append(purged, code)
		}
	}
	for _, code := range purged {
		m.remove(code)
	}
	return purged, nil
}

// remove 呼叫方需持有寫鎖
func (m *Memory) remove(code string) {
	if link := m.links[code]; link != nil && link.URLHash != "" {
		delete(m.byHash, link.URLHash)
	}
	delete(m.links, code)
	delete(m.daily, code)
}

// IncrementClicks 增加總點擊數
func (m *Memory) IncrementClicks(ctx context.Context, code string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, exists := m.links[code]
	if !exists {
		return apperrors.ErrNotFound
	}
	link.ClickTotal += n
	return nil
}

// ApplyClicks 套用一批增量（整批在同一把鎖內完成）
func (m *Memory) ApplyClicks(ctx context.Context, deltas []shortener.ClickDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range deltas {
		link, exists := m.links[d.Code]
		if !exists || d.Count <= 0 {
			continue
		}
		link.ClickTotal += d.Count

		days := m.daily[d.Code]
		if days == nil {
			days = make(map[string]int64)
			m.daily[d.Code] = days
		}
		days[d.Day] += d.Count
	}
	return nil
}

// DailyClicks 依日期升冪列出
func (m *Memory) DailyClicks(ctx context.Context, code string) ([]shortener.DailyCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	days := m.daily[code]
	out := make([]shortener.DailyCount, 0, len(days))
	for day, n := range days {
		out = append(out, shortener.DailyCount{Day: day, Count: n})
	}
	slices.SortFunc(out, func(a, b shortener.DailyCount) int {
		return cmp.Compare(a.Day, b.Day)
	})
	return out, nil
}
