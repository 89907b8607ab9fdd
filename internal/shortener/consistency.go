package shortener

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/koopa0/system-design/shortlink/pkg/base62"
	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
)

// ConsistencyOptions 快取旁路參數
type ConsistencyOptions struct {
	// CacheTTL 正向快取的最長 TTL（實際取與過期時間的較小者）
	CacheTTL time.Duration
	// NegativeTTL 負快取 TTL
	NegativeTTL time.Duration
	// CacheTimeout 單次快取呼叫逾時，超過即降級為讀持久層
	CacheTimeout time.Duration
	// StoreTimeout 單次持久層呼叫逾時，超過即回傳 StoreUnavailable
	StoreTimeout time.Duration
	// MaxCodeLength 超過此長度的短碼直接判定不存在，不產生 I/O
	MaxCodeLength int

	Clock  func() time.Time
	Logger *slog.Logger
}

// DefaultConsistencyOptions 預設參數
func DefaultConsistencyOptions() ConsistencyOptions {
	return ConsistencyOptions{
		CacheTTL:      30 * 24 * time.Hour,
		NegativeTTL:   time.Minute,
		CacheTimeout:  50 * time.Millisecond,
		StoreTimeout:  2 * time.Second,
		MaxCodeLength: 16,
	}
}

// ConsistencyStore 在持久層前面套一層快取旁路
//
// 讀取流程：
//
//	快取 ──命中──▶ 檢查過期 ──▶ 回傳（並續期 TTL）
//	  │ miss / 錯誤
//	  ▼
//	singleflight 合併 ──▶ 持久層 ──▶ Fill（不覆蓋既有項目）
//	                           └─不存在─▶ 負快取
//
// 寫入流程：持久層先提交，再更新快取；刪除後寫入墓碑，
// 讓並行的讀取回填無法把已刪除的映射寫回快取。
type ConsistencyStore struct {
	store  DurableStore
	cache  Cache
	opts   ConsistencyOptions
	group  singleflight.Group
	logger *slog.Logger
}

// NewConsistencyStore 創建一致性存儲，cache 為 nil 時所有讀取直接走持久層
func NewConsistencyStore(store DurableStore, cache Cache, opts ConsistencyOptions) *ConsistencyStore {
	def := DefaultConsistencyOptions()
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = def.NegativeTTL
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = def.CacheTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = def.StoreTimeout
	}
	if opts.MaxCodeLength <= 0 {
		opts.MaxCodeLength = def.MaxCodeLength
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cache == nil {
		cache = nopCache{}
	}

	return &ConsistencyStore{
		store:  store,
		cache:  cache,
		opts:   opts,
		logger: opts.Logger.With("component", "consistency"),
	}
}

// Create 持久化新映射，成功後寫入快取
//
// 回傳 nil 之後，任何後續 Lookup 都能讀到這個映射。
func (s *ConsistencyStore) Create(ctx context.Context, link *ShortLink) error {
	sctx, cancel := s.storeCtx(ctx)
	err := s.store.Insert(sctx, link)
	cancel()
	if err != nil {
		return s.storeErr(err, "insert")
	}

	if ttl := s.cacheTTL(link); ttl > 0 {
		cctx, cancel := s.cacheCtx(ctx)
		defer cancel()
		if err := s.cache.Set(cctx, link, ttl); err != nil {
			// 之前的負快取不能留著，否則新映射在 NegativeTTL 內讀不到
			s.logger.WarnContext(ctx, "cache set failed", "code", link.Code, "error", err)
			if err := s.cache.Delete(cctx, link.Code); err != nil {
				s.logger.ErrorContext(ctx, "cache delete failed, negative entry may be served until ttl", "code", link.Code, "error", err)
			}
		}
	}
	return nil
}

// Lookup 解析短碼
//
// 過期或不存在都回傳 ErrNotFound；持久層故障回傳 ErrStoreUnavailable。
func (s *ConsistencyStore) Lookup(ctx context.Context, code string) (*ShortLink, error) {
	if len(code) > s.opts.MaxCodeLength || !base62.IsValid(code) {
		return nil, apperrors.ErrNotFound
	}

	cctx, cancel := s.cacheCtx(ctx)
	entry, err := s.cache.Get(cctx, code, s.opts.CacheTTL)
	cancel()

	switch {
	case err == nil && entry.Negative:
		return nil, apperrors.ErrNotFound
	case err == nil && entry.Link != nil:
		if IsExpired(entry.Link, s.opts.Clock()) {
			s.evict(ctx, code)
			return nil, apperrors.ErrNotFound
		}
		return entry.Link, nil
	case err != nil && !errors.Is(err, ErrCacheMiss):
		s.logger.WarnContext(ctx, "cache get failed, falling back to store", "code", code, "error", err)
	}

	// 同一短碼的並行 miss 只打一次持久層
	//
	// 共享的呼叫不能跟第一個請求的取消綁在一起，
	// 所以用 WithoutCancel 脫離，再套上持久層逾時。
	v, err, _ := s.group.Do(code, func() (any, error) {
		return s.load(context.WithoutCancel(ctx), code)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ShortLink).Clone(), nil
}

// load 從持久層讀取並回填快取
func (s *ConsistencyStore) load(ctx context.Context, code string) (*ShortLink, error) {
	sctx, cancel := s.storeCtx(ctx)
	link, err := s.store.Get(sctx, code)
	cancel()

	if apperrors.IsNotFound(err) {
		cctx, cancel := s.cacheCtx(ctx)
		defer cancel()
		if err := s.cache.MarkAbsent(cctx, code, s.opts.NegativeTTL, false); err != nil {
			s.logger.DebugContext(ctx, "negative cache fill failed", "code", code, "error", err)
		}
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, s.storeErr(err, "get")
	}

	if IsExpired(link, s.opts.Clock()) {
		return nil, apperrors.ErrNotFound
	}

	if ttl := s.cacheTTL(link); ttl > 0 {
		cctx, cancel := s.cacheCtx(ctx)
		defer cancel()
		if err := s.cache.Fill(cctx, link, ttl); err != nil {
			s.logger.DebugContext(ctx, "cache fill failed", "code", code, "error", err)
		}
	}
	return link, nil
}

// Delete 刪除映射
//
// 持久層刪除成功後寫入墓碑（覆蓋正向項目），
// 墓碑寫入失敗時退而直接刪除快取鍵。
func (s *ConsistencyStore) Delete(ctx context.Context, code string) error {
	sctx, cancel := s.storeCtx(ctx)
	err := s.store.Delete(sctx, code)
	cancel()
	if err != nil {
		return s.storeErr(err, "delete")
	}

	cctx, cancel := s.cacheCtx(ctx)
	defer cancel()
	if err := s.cache.MarkAbsent(cctx, code, s.opts.NegativeTTL, true); err != nil {
		s.logger.WarnContext(ctx, "cache tombstone failed", "code", code, "error", err)
		if err := s.cache.Delete(cctx, code); err != nil {
			s.logger.ErrorContext(ctx, "cache delete failed, stale entry may be served until ttl", "code", code, "error", err)
		}
	}
	return nil
}

// IncrementClicks 原子增加總點擊數
func (s *ConsistencyStore) IncrementClicks(ctx context.Context, code string, n int64) error {
	if n <= 0 {
		return nil
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.IncrementClicks(sctx, code, n); err != nil {
		return s.storeErr(err, "increment clicks")
	}
	return nil
}

// ApplyClicks 套用一批合併後的點擊增量
func (s *ConsistencyStore) ApplyClicks(ctx context.Context, deltas []ClickDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.ApplyClicks(sctx, deltas); err != nil {
		return s.storeErr(err, "apply clicks")
	}
	return nil
}

// Stats 讀取統計（直接讀持久層，快取裡的 ClickTotal 不可信）
func (s *ConsistencyStore) Stats(ctx context.Context, code string) (*Stats, error) {
	if len(code) > s.opts.MaxCodeLength || !base62.IsValid(code) {
		return nil, apperrors.ErrNotFound
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	link, err := s.store.Get(sctx, code)
	if err != nil {
		return nil, s.storeErr(err, "get")
	}
	if IsExpired(link, s.opts.Clock()) {
		return nil, apperrors.ErrNotFound
	}

	daily, err := s.store.DailyClicks(sctx, code)
	if err != nil {
		return nil, s.storeErr(err, "daily clicks")
	}
	if daily == nil {
		daily = []DailyCount{}
	}

	return &Stats{
		Code:        link.Code,
		ClickTotal:  link.ClickTotal,
		ClicksByDay: daily,
	}, nil
}

// NextSequence 取得下一個全域序號
func (s *ConsistencyStore) NextSequence(ctx context.Context) (uint64, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, err := s.store.NextSequence(sctx)
	if err != nil {
		return 0, s.storeErr(err, "next sequence")
	}
	return n, nil
}

// FindByURLHash 去重查詢
func (s *ConsistencyStore) FindByURLHash(ctx context.Context, hash string) (*ShortLink, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	link, err := s.store.FindByURLHash(sctx, hash)
	if err != nil {
		return nil, s.storeErr(err, "find by url hash")
	}
	return link, nil
}

// ListByOwner 列出擁有者的映射（含已過期但尚未清理的）
func (s *ConsistencyStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*ShortLink, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	links, err := s.store.ListByOwner(sctx, ownerID, limit)
	if err != nil {
		return nil, s.storeErr(err, "list by owner")
	}
	return links, nil
}

// PurgeIfExpired 條件刪除單一過期映射
func (s *ConsistencyStore) PurgeIfExpired(ctx context.Context, code string, now time.Time) (bool, error) {
	sctx, cancel := s.storeCtx(ctx)
	deleted, err := s.store.DeleteIfExpired(sctx, code, now)
	cancel()
	if err != nil {
		return false, s.storeErr(err, "delete if expired")
	}
	if deleted {
		s.evict(ctx, code)
	}
	return deleted, nil
}

// PurgeExpired 批量刪除已過期映射，並清掉對應快取項目
func (s *ConsistencyStore) PurgeExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	sctx, cancel := s.storeCtx(ctx)
	codes, err := s.store.PurgeExpired(sctx, now, limit)
	cancel()
	if err != nil {
		return codes, s.storeErr(err, "purge expired")
	}
	for _, code := range codes {
		s.evict(ctx, code)
	}
	return codes, nil
}

func (s *ConsistencyStore) evict(ctx context.Context, code string) {
	cctx, cancel := s.cacheCtx(ctx)
	defer cancel()
	if err := s.cache.Delete(cctx, code); err != nil {
		s.logger.DebugContext(ctx, "cache evict failed", "code", code, "error", err)
	}
}

// cacheTTL 正向快取 TTL 不超過剩餘有效期
func (s *ConsistencyStore) cacheTTL(link *ShortLink) time.Duration {
	ttl := s.opts.CacheTTL
	if link.ExpiresAt != nil {
		if remaining := link.ExpiresAt.Sub(s.opts.Clock()); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

func (s *ConsistencyStore) cacheCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.CacheTimeout)
}

func (s *ConsistencyStore) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

// storeErr 領域錯誤原樣回傳，其他錯誤一律視為持久層不可用
func (s *ConsistencyStore) storeErr(err error, op string) error {
	if apperrors.CodeOf(err) != "" {
		return err
	}
	return apperrors.Wrap(err, apperrors.CodeStoreUnavailable, "durable store "+op+" failed")
}
