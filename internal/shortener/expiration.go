package shortener

import (
	"context"
	"log/slog"
	"time"
)

// ExpirationOptions 清理參數
type ExpirationOptions struct {
	// SweepInterval 背景清理間隔
	SweepInterval time.Duration
	// BatchSize 單次刪除的最大筆數
	BatchSize int

	Clock  func() time.Time
	Logger *slog.Logger
}

// ExpirationManager 過期處理
//
// 兩層機制：
//   - 惰性：每次讀取都用 IsExpired 檢查，過期即視為不存在
//   - 主動：背景定期批量刪除，回收儲存空間
//
// 正確性只依賴惰性檢查，背景清理停掉也不會讓過期映射被解析。
type ExpirationManager struct {
	cs     *ConsistencyStore
	opts   ExpirationOptions
	logger *slog.Logger
}

// NewExpirationManager 創建過期管理器
func NewExpirationManager(cs *ConsistencyStore, opts ExpirationOptions) *ExpirationManager {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ExpirationManager{
		cs:     cs,
		opts:   opts,
		logger: opts.Logger.With("component", "expiration"),
	}
}

// IsExpired 以管理器的時鐘判斷是否過期
func (m *ExpirationManager) IsExpired(link *ShortLink) bool {
	return IsExpired(link, m.opts.Clock())
}

// Sweep 分批刪除所有已過期映射，回傳刪除筆數
//
// 每一批都重新取時間，且持久層只刪除當下已過期的記錄，
// 與並行的讀寫流量互不干擾。
func (m *ExpirationManager) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		codes, err := m.cs.PurgeExpired(ctx, m.opts.Clock(), m.opts.BatchSize)
		total += len(codes)
		if err != nil {
			return total, err
		}
		if len(codes) < m.opts.BatchSize {
			return total, nil
		}
	}
}

// Run 定期清理，直到 ctx 取消
func (m *ExpirationManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("expiration sweeper started", "interval", m.opts.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("expiration sweeper stopped")
			return
		case <-ticker.C:
			start := time.Now()
			n, err := m.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				m.logger.Error("sweep failed", "purged", n, "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("expired links purged", "count", n, "duration", time.Since(start))
			}
		}
	}
}
