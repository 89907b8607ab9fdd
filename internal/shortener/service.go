package shortener

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
)

// MaxExpiryDays 有效期上限（100 年），超過即拒絕
const MaxExpiryDays = 36500

// CreateRequest 建立短網址請求
type CreateRequest struct {
	LongURL     string `json:"long_url"`
	CustomAlias string `json:"custom_alias,omitempty"`
	// ExpiryDays nil 表示永不過期，0 表示建立即過期
	ExpiryDays *int   `json:"expiry_days,omitempty"`
	OwnerID    string `json:"-"`
}

// Service 短網址服務入口
//
// 把生成器、一致性存儲、聚合器組合成對外的五個操作，
// 並在成功後發佈生命週期事件（失敗只記錄日誌）。
type Service struct {
	gen       *CodeGenerator
	cs        *ConsistencyStore
	clicks    *ClickAggregator
	publisher Publisher
	clock     func() time.Time
	logger    *slog.Logger
}

// ServiceOption 服務選項
type ServiceOption func(*Service)

// WithPublisher 設定事件發佈器
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithServiceClock 替換時間來源
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// WithServiceLogger 設定日誌
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService 創建服務
func NewService(gen *CodeGenerator, cs *ConsistencyStore, clicks *ClickAggregator, opts ...ServiceOption) *Service {
	s := &Service{
		gen:       gen,
		cs:        cs,
		clicks:    clicks,
		publisher: NopPublisher{},
		clock:     time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateShortLink 建立短網址
func (s *Service) CreateShortLink(ctx context.Context, req CreateRequest) (*ShortLink, error) {
	var lifetime *time.Duration
	if req.ExpiryDays != nil {
		if *req.ExpiryDays < 0 {
			return nil, apperrors.ErrInvalidExpiry.WithDetails("expiry_days must not be negative")
		}
		if *req.ExpiryDays > MaxExpiryDays {
			return nil, apperrors.ErrInvalidExpiry.WithDetails("expiry_days too large")
		}
		d := time.Duration(*req.ExpiryDays) * 24 * time.Hour
		lifetime = &d
	}

	link, err := s.gen.Generate(ctx, GenerateRequest{
		LongURL:     req.LongURL,
		CustomAlias: req.CustomAlias,
		OwnerID:     req.OwnerID,
		Lifetime:    lifetime,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "short link created",
		"code", link.Code,
		"custom_alias", link.IsCustomAlias,
		"expires_at", link.ExpiresAt,
	)
	s.publish(ctx, Event{
		Kind:    EventCreated,
		Code:    link.Code,
		LongURL: link.LongURL,
		OwnerID: link.OwnerID,
		At:      link.CreatedAt,
	})
	return link, nil
}

// Resolve 解析短碼並記錄一次點擊
//
// 點擊只在解析成功時記錄；記錄本身不會讓請求失敗或變慢。
func (s *Service) Resolve(ctx context.Context, code string, meta ClickMeta) (string, error) {
	link, err := s.cs.Lookup(ctx, code)
	if err != nil {
		return "", err
	}

	s.clicks.Record(ClickRecord{
		Code:      link.Code,
		Timestamp: s.clock(),
		ClickMeta: meta,
	})
	return link.LongURL, nil
}

// GetStats 取得統計
func (s *Service) GetStats(ctx context.Context, code string) (*Stats, error) {
	return s.cs.Stats(ctx, code)
}

// DeleteShortLink 刪除短網址
func (s *Service) DeleteShortLink(ctx context.Context, code string) error {
	if err := s.cs.Delete(ctx, code); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "short link deleted", "code", code)
	s.publish(ctx, Event{
		Kind: EventDeleted,
		Code: code,
		At:   s.clock().UTC(),
	})
	return nil
}

// ListByOwner 列出擁有者的短網址（最新的在前）
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*ShortLink, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.cs.ListByOwner(ctx, ownerID, limit)
}

// ClickMetrics 點擊聚合器計數
func (s *Service) ClickMetrics() AggregatorMetrics {
	return s.clicks.Metrics()
}

func (s *Service) publish(ctx context.Context, event Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "publish event failed", "kind", event.Kind, "code", event.Code, "error", err)
	}
}
