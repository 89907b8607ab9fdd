package shortener

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"math/bits"
	"time"

	"github.com/koopa0/system-design/shortlink/pkg/base62"
	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
	"github.com/koopa0/system-design/shortlink/pkg/snowflake"
)

// Strategy 短碼生成策略
type Strategy string

const (
	// StrategySequence 全域序號經雙射打散後編碼（預設）
	StrategySequence Strategy = "sequence"
	// StrategyRandom 隨機值編碼，碰撞時重試
	StrategyRandom Strategy = "random"
)

const (
	// maxGeneratedLength 生成短碼的最長長度
	maxGeneratedLength = 7

	// scrambleMultiplier 與 62^k 互質（不含因子 2 和 31），
	// 保證 n → (n*m + offset) mod 62^k 是雙射
	scrambleMultiplier uint64 = 2654435761
	scrambleOffset     uint64 = 1500450271
)

// GeneratorOptions 生成器參數
type GeneratorOptions struct {
	Strategy    Strategy
	Length      int // 生成短碼的基本長度（6）
	MaxAttempts int // random 策略的最大嘗試次數

	AliasMinLength int
	AliasMaxLength int

	// Dedup 同一長網址回傳既有短碼（部署時固定，不應在執行期切換）
	Dedup bool

	MaxURLLength      int
	AllowPrivateHosts bool

	Clock  func() time.Time
	Random io.Reader
	Logger *slog.Logger
}

// DefaultGeneratorOptions 預設參數
func DefaultGeneratorOptions() GeneratorOptions {
	return GeneratorOptions{
		Strategy:       StrategySequence,
		Length:         6,
		MaxAttempts:    5,
		AliasMinLength: 4,
		AliasMaxLength: 16,
		MaxURLLength:   2048,
	}
}

// GenerateRequest 生成請求
type GenerateRequest struct {
	LongURL     string
	CustomAlias string
	OwnerID     string

	// Lifetime 有效期，nil 表示永不過期，0 表示建立即過期
	Lifetime *time.Duration
}

// CodeGenerator 為長網址分配唯一短碼
//
// 唯一性由持久層的唯一約束保證：生成器只負責提出候選短碼，
// Insert 衝突時換下一個候選。兩個並行請求提出同一短碼，恰好一個成功。
type CodeGenerator struct {
	cs     *ConsistencyStore
	ids    *snowflake.Generator
	opts   GeneratorOptions
	logger *slog.Logger
}

// NewCodeGenerator 創建生成器
func NewCodeGenerator(cs *ConsistencyStore, ids *snowflake.Generator, opts GeneratorOptions) (*CodeGenerator, error) {
	def := DefaultGeneratorOptions()
	if opts.Strategy == "" {
		opts.Strategy = def.Strategy
	}
	if opts.Length == 0 {
		opts.Length = def.Length
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.AliasMinLength <= 0 {
		opts.AliasMinLength = def.AliasMinLength
	}
	if opts.AliasMaxLength <= 0 {
		opts.AliasMaxLength = def.AliasMaxLength
	}
	if opts.MaxURLLength <= 0 {
		opts.MaxURLLength = def.MaxURLLength
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Random == nil {
		opts.Random = rand.Reader
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Strategy != StrategySequence && opts.Strategy != StrategyRandom {
		return nil, fmt.Errorf("unknown generation strategy %q", opts.Strategy)
	}
	if opts.Length < 6 || opts.Length > maxGeneratedLength {
		return nil, fmt.Errorf("code length must be 6 or 7, got %d", opts.Length)
	}
	if opts.AliasMinLength > opts.AliasMaxLength {
		return nil, fmt.Errorf("alias min length %d exceeds max length %d", opts.AliasMinLength, opts.AliasMaxLength)
	}

	return &CodeGenerator{
		cs:     cs,
		ids:    ids,
		opts:   opts,
		logger: opts.Logger.With("component", "generator"),
	}, nil
}

// Generate 驗證請求並分配短碼，回傳已持久化的映射
//
// 錯誤：
//   - ErrInvalidURL / ErrInvalidAlias / ErrInvalidExpiry：輸入不合法
//   - ErrAliasTaken：自訂別名已被使用（不會自動改名）
//   - ErrGenerationExhausted：候選短碼用盡
//   - ErrStoreUnavailable：持久層故障
func (g *CodeGenerator) Generate(ctx context.Context, req GenerateRequest) (*ShortLink, error) {
	longURL, err := ValidateURL(req.LongURL, g.opts.MaxURLLength, g.opts.AllowPrivateHosts)
	if err != nil {
		return nil, err
	}
	if req.Lifetime != nil && *req.Lifetime < 0 {
		return nil, apperrors.ErrInvalidExpiry.WithDetails("expiry must not be negative")
	}
	if req.CustomAlias != "" {
		if err := ValidateAlias(req.CustomAlias, g.opts.AliasMinLength, g.opts.AliasMaxLength); err != nil {
			return nil, err
		}
	}

	id, err := g.ids.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	now := g.opts.Clock().UTC().Truncate(time.Second)
	link := &ShortLink{
		ID:        id,
		LongURL:   longURL,
		OwnerID:   req.OwnerID,
		CreatedAt: now,
	}
	if req.Lifetime != nil {
		expiresAt := now.Add(req.Lifetime.Truncate(time.Second))
		link.ExpiresAt = &expiresAt
	}

	if req.CustomAlias != "" {
		link.Code = req.CustomAlias
		link.IsCustomAlias = true
		if err := g.cs.Create(ctx, link); err != nil {
			return nil, err
		}
		return link, nil
	}

	if g.opts.Dedup {
		link.URLHash = URLHash(longURL)
		prior, err := g.reuse(ctx, link.URLHash, now)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return prior, nil
		}
	}

	return g.allocate(ctx, link)
}

// reuse 去重：回傳仍有效的既有映射；既有映射已過期則先清除
func (g *CodeGenerator) reuse(ctx context.Context, hash string, now time.Time) (*ShortLink, error) {
	prior, err := g.cs.FindByURLHash(ctx, hash)
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !IsExpired(prior, now) {
		return prior, nil
	}
	if _, err := g.cs.PurgeIfExpired(ctx, prior.Code, now); err != nil {
		return nil, err
	}
	return nil, nil
}

// allocate 提出候選短碼直到 Insert 成功
func (g *CodeGenerator) allocate(ctx context.Context, link *ShortLink) (*ShortLink, error) {
	for attempt := 1; ; attempt++ {
		if g.opts.Strategy == StrategyRandom && attempt > g.opts.MaxAttempts {
			return nil, apperrors.ErrGenerationExhausted
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		code, err := g.candidate(ctx)
		if err != nil {
			return nil, err
		}
		link.Code = code

		err = g.cs.Create(ctx, link)
		switch {
		case err == nil:
			return link, nil
		case apperrors.IsAliasTaken(err):
			// sequence 策略：被自訂別名佔用的號碼直接跳過
			g.logger.DebugContext(ctx, "code collision", "code", code, "attempt", attempt)
			if g.opts.Strategy == StrategySequence && attempt > g.opts.MaxAttempts*8 {
				return nil, apperrors.ErrGenerationExhausted
			}
		case apperrors.CodeOf(err) == apperrors.CodeDuplicateURL:
			// 並行去重：另一個請求剛為同一網址建好映射
			prior, ferr := g.cs.FindByURLHash(ctx, link.URLHash)
			if ferr == nil && !IsExpired(prior, g.opts.Clock()) {
				return prior, nil
			}
			if ferr != nil && !apperrors.IsNotFound(ferr) {
				return nil, ferr
			}
			if ferr == nil {
				if _, err := g.cs.PurgeIfExpired(ctx, prior.Code, g.opts.Clock()); err != nil {
					return nil, err
				}
			}
		default:
			return nil, err
		}
	}
}

// candidate 依策略提出一個候選短碼
func (g *CodeGenerator) candidate(ctx context.Context) (string, error) {
	if g.opts.Strategy == StrategyRandom {
		space := new(big.Int).SetUint64(base62.Space(g.opts.Length))
		v, err := rand.Int(g.opts.Random, space)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		return base62.EncodePadded(v.Uint64(), g.opts.Length)
	}

	n, err := g.cs.NextSequence(ctx)
	if err != nil {
		return "", err
	}
	return SequenceCode(n, g.opts.Length)
}

// SequenceCode 把序號映射到短碼
//
// 前 62^L 個序號映射到 L 位短碼，之後的 62^(L+1) 個映射到 L+1 位，
// 超過最長長度的空間回傳 ErrGenerationExhausted。
// 每個長度區段內用雙射打散，相鄰序號不會得到相鄰短碼。
func SequenceCode(n uint64, length int) (string, error) {
	for width := length; width <= maxGeneratedLength; width++ {
		space := base62.Space(width)
		if n < space {
			return base62.EncodePadded(scramble(n, space), width)
		}
		n -= space
	}
	return "", apperrors.ErrGenerationExhausted
}

// scramble (n*m + offset) mod space，中間結果用 128 位避免溢位
func scramble(n, space uint64) uint64 {
	hi, lo := bits.Mul64(n, scrambleMultiplier)
	r := bits.Rem64(hi, lo, space)
	return (r + scrambleOffset%space) % space
}
