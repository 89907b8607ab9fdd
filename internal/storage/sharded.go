package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/shortlink/internal/shard"
	"github.com/koopa0/system-design/shortlink/internal/shortener"
	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
)

// Sharded 把多個持久層組成一個邏輯存儲
//
// 路由規則：
//   - 單一短碼的操作：router.ShardFor(code) 決定分片
//   - 全域序號：固定由第 0 個分片提供
//   - 依擁有者或雜湊查詢：並行查詢所有分片後合併
//
// 限制：url_hash 唯一約束只在分片內生效，去重跨分片是盡力而為，
// 兩個並行請求可能在不同分片各建立一個映射。
type Sharded struct {
	shards []shortener.DurableStore
	router *shard.Router
}

// NewSharded 建立分片存儲，shards 數量必須與 router 一致
func NewSharded(router *shard.Router, shards ...shortener.DurableStore) (*Sharded, error) {
	if len(shards) != router.Count() {
		return nil, fmt.Errorf("router expects %d shards, got %d", router.Count(), len(shards))
	}
	return &Sharded{shards: shards, router: router}, nil
}

func (s *Sharded) shardFor(code string) shortener.DurableStore {
	return s.shards[s.router.ShardFor(code)]
}

// NextSequence 實現 shortener.DurableStore
func (s *Sharded) NextSequence(ctx context.Context) (uint64, error) {
	return s.shards[0].NextSequence(ctx)
}

// Insert 寫入短碼所屬分片
func (s *Sharded) Insert(ctx context.Context, link *shortener.ShortLink) error {
	return s.shardFor(link.Code).Insert(ctx, link)
}

// Get 讀取
func (s *Sharded) Get(ctx context.Context, code string) (*shortener.ShortLink, error) {
	return s.shardFor(code).Get(ctx, code)
}

// FindByURLHash 並行查詢所有分片，回傳任一命中
func (s *Sharded) FindByURLHash(ctx context.Context, hash string) (*shortener.ShortLink, error) {
	results := make([]*shortener.ShortLink, len(s.shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, store := range s.shards {
		g.Go(func() error {
			link, err := store.FindByURLHash(gctx, hash)
			if apperrors.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = link
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, link := range results {
		if link != nil {
			return link, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

// ListByOwner 各分片取前 limit 筆，合併後再截斷
func (s *Sharded) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*shortener.ShortLink, error) {
	parts := make([][]*shortener.ShortLink, len(s.shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, store := range s.shards {
		g.Go(func() error {
			links, err := store.ListByOwner(gctx, ownerID, limit)
			parts[i] = links
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := slices.Concat(parts...)
	slices.SortFunc(merged, func(a, b *shortener.ShortLink) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Delete 刪除
func (s *Sharded) Delete(ctx context.Context, code string) error {
	return s.shardFor(code).Delete(ctx, code)
}

// DeleteIfExpired 條件刪除
func (s *Sharded) DeleteIfExpired(ctx context.Context, code string, now time.Time) (bool, error) {
	return s.shardFor(code).DeleteIfExpired(ctx, code, now)
}

// PurgeExpired 依序清理各分片，總數不超過 limit
func (s *Sharded) PurgeExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var purged []string
	for _, store := range s.shards {
		remaining := limit - len(purged)
		if remaining <= 0 {
			break
		}
		codes, err := store.PurgeExpired(ctx, now, remaining)
		purged = append(purged, codes...)
		if err != nil {
			return purged, err
		}
	}
	return purged, nil
}

// IncrementClicks 遞增
func (s *Sharded) IncrementClicks(ctx context.Context, code string, n int64) error {
	return s.shardFor(code).IncrementClicks(ctx, code, n)
}

// ApplyClicks 依分片拆批並行寫入
//
// 每個分片內是一個交易；部分分片失敗時整批回傳錯誤，
// 重試會讓已成功的分片重複計數（at-least-once）。
func (s *Sharded) ApplyClicks(ctx context.Context, deltas []shortener.ClickDelta) error {
	groups := make([][]shortener.ClickDelta, len(s.shards))
	for _, d := range deltas {
		i := s.router.ShardFor(d.Code)
		groups[i] = append(groups[i], d)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		g.Go(func() error {
			return s.shards[i].ApplyClicks(gctx, group)
		})
	}
	return g.Wait()
}

// DailyClicks 每日點擊
func (s *Sharded) DailyClicks(ctx context.Context, code string) ([]shortener.DailyCount, error) {
	return s.shardFor(code).DailyClicks(ctx, code)
}
