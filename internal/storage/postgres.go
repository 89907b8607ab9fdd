package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/shortlink/internal/shortener"
	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
)

// 約束名稱（見 migrations/sql/000001_init.up.sql）
const (
	constraintCodeKey     = "short_links_pkey"
	constraintURLHashKey  = "short_links_url_hash_key"
	constraintExpiryCheck = "short_links_expiry_check"

	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PoolConfig 連接池參數
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// OpenPool 建立連接池並確認可連線
func OpenPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		config.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		config.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Postgres PostgreSQL 持久層
//
// 系統設計考量：
//
//  1. 併發控制
//     - code 主鍵與 url_hash 部分唯一索引：建立衝突由資料庫裁決
//     - click_total = click_total + n：原子遞增
//
//  2. 點擊批量寫入
//     - 一批增量在同一交易內以 pgx.Batch 送出（一次往返）
//     - 依短碼排序後套用，多實例同時刷新也不會互相死鎖
//
//  3. 過期清理
//     - FOR UPDATE SKIP LOCKED 分批刪除，多個清理者可並行
//     - 刪除條件在同一條語句內重新檢查 expires_at
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 創建 PostgreSQL 存儲實例（連接池由呼叫方管理）
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const linkColumns = `code, id, long_url, owner_id, url_hash, is_custom_alias, click_total, created_at, expires_at`

// NextSequence 實現 shortener.DurableStore
func (p *Postgres) NextSequence(ctx context.Context) (uint64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT nextval('short_link_code_seq')`).Scan(&n); err != nil {
		return 0, mapError(err, "next sequence")
	}
	return uint64(n), nil
}

// Insert 保存新映射
func (p *Postgres) Insert(ctx context.Context, link *shortener.ShortLink) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO short_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		link.Code,
		link.ID,
		link.LongURL,
		nullString(link.OwnerID),
		nullString(link.URLHash),
		link.IsCustomAlias,
		link.ClickTotal,
		link.CreatedAt,
		link.ExpiresAt,
	)
	if err != nil {
		return mapError(err, "insert")
	}
	return nil
}

// Get 讀取映射
func (p *Postgres) Get(ctx context.Context, code string) (*shortener.ShortLink, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM short_links WHERE code = $1`, code)
	link, err := scanLink(row)
	if err != nil {
		return nil, mapError(err, "get")
	}
	return link, nil
}

// FindByURLHash 依雜湊查找
func (p *Postgres) FindByURLHash(ctx context.Context, hash string) (*shortener.ShortLink, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM short_links WHERE url_hash = $1`, hash)
	link, err := scanLink(row)
	if err != nil {
		return nil, mapError(err, "find by url hash")
	}
	return link, nil
}

// ListByOwner 依建立時間倒序列出
func (p *Postgres) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*shortener.ShortLink, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+linkColumns+`
		FROM short_links
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, mapError(err, "list by owner")
	}
	defer rows.Close()

	var links []*shortener.ShortLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, mapError(err, "scan link")
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "list by owner")
	}
	return links, nil
}

// Delete 刪除映射（daily_clicks 由 ON DELETE CASCADE 清除）
func (p *Postgres) Delete(ctx context.Context, code string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM short_links WHERE code = $1`, code)
	if err != nil {
		return mapError(err, "delete")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// DeleteIfExpired 條件刪除
func (p *Postgres) DeleteIfExpired(ctx context.Context, code string, now time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM short_links
		WHERE code = $1 AND expires_at IS NOT NULL AND expires_at <= $2`,
		code, now,
	)
	if err != nil {
		return false, mapError(err, "delete if expired")
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeExpired 批量刪除已過期映射
func (p *Postgres) PurgeExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		DELETE FROM short_links
		WHERE code IN (
			SELECT code FROM short_links
			WHERE expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		AND expires_at <= $1
		RETURNING code`,
		now, limit,
	)
	if err != nil {
		return nil, mapError(err, "purge expired")
	}

	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapError(err, "purge expired")
	}
	return codes, nil
}

// IncrementClicks 原子增加總點擊數
func (p *Postgres) IncrementClicks(ctx context.Context, code string, n int64) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE short_links SET click_total = click_total + $2 WHERE code = $1`,
		code, n,
	)
	if err != nil {
		return mapError(err, "increment clicks")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// applyClickSQL 先遞增總數，只有短碼仍存在時才寫入每日計數
const applyClickSQL = `
	WITH bumped AS (
		UPDATE short_links
		SET click_total = click_total + $3::bigint
		WHERE code = $1
		RETURNING code
	)
	INSERT INTO daily_clicks (code, day, count)
	SELECT code, $2::date, $3::bigint FROM bumped
	ON CONFLICT (code, day) DO UPDATE SET count = daily_clicks.count + EXCLUDED.count`

// ApplyClicks 在同一交易內套用一批增量
func (p *Postgres) ApplyClicks(ctx context.Context, deltas []shortener.ClickDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	sorted := slices.Clone(deltas)
	slices.SortFunc(sorted, func(a, b shortener.ClickDelta) int {
		if c := cmp.Compare(a.Code, b.Code); c != 0 {
			return c
		}
		return cmp.Compare(a.Day, b.Day)
	})

	batch := &pgx.Batch{}
	for _, d := range sorted {
		if d.Count <= 0 {
			continue
		}
		day, err := time.Parse(time.DateOnly, d.Day)
		if err != nil {
			return fmt.Errorf("invalid day bucket %q: %w", d.Day, err)
		}
		batch.Queue(applyClickSQL, d.Code, day, d.Count)
	}
	if batch.Len() == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return mapError(err, "apply clicks")
	}
	return nil
}

// DailyClicks 依日期升冪列出
func (p *Postgres) DailyClicks(ctx context.Context, code string) ([]shortener.DailyCount, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT day, count FROM daily_clicks WHERE code = $1 ORDER BY day`,
		code,
	)
	if err != nil {
		return nil, mapError(err, "daily clicks")
	}

	counts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (shortener.DailyCount, error) {
		var day time.Time
		var n int64
		if err := row.Scan(&day, &n); err != nil {
			return shortener.DailyCount{}, err
		}
		return shortener.DailyCount{Day: day.Format(time.DateOnly), Count: n}, nil
	})
	if err != nil {
		return nil, mapError(err, "daily clicks")
	}
	return counts, nil
}

// scanLink 從單行結果還原映射
func scanLink(row pgx.Row) (*shortener.ShortLink, error) {
	var (
		link      shortener.ShortLink
		ownerID   *string
		urlHash   *string
		expiresAt *time.Time
	)
	err := row.Scan(
		&link.Code,
		&link.ID,
		&link.LongURL,
		&ownerID,
		&urlHash,
		&link.IsCustomAlias,
		&link.ClickTotal,
		&link.CreatedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if ownerID != nil {
		link.OwnerID = *ownerID
	}
	if urlHash != nil {
		link.URLHash = *urlHash
	}
	link.CreatedAt = link.CreatedAt.UTC()
	if expiresAt != nil {
		t := expiresAt.UTC()
		link.ExpiresAt = &t
	}
	return &link, nil
}

// mapError 把驅動錯誤轉成領域錯誤
//
//   - 查無資料 → ErrNotFound
//   - 主鍵衝突 → ErrAliasTaken
//   - url_hash 衝突 → ErrDuplicateURL
//   - 過期時間早於建立時間 → ErrInvalidExpiry
//   - 其他 → ErrStoreUnavailable（可重試）
func mapError(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraintCodeKey:
			return apperrors.ErrAliasTaken
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraintURLHashKey:
			return apperrors.ErrDuplicateURL
		case pgErr.Code == pgCheckViolation && pgErr.ConstraintName == constraintExpiryCheck:
			return apperrors.ErrInvalidExpiry.WithDetails("expires_at is before created_at")
		}
	}

	return apperrors.Wrap(err, apperrors.CodeStoreUnavailable, "postgres "+op+" failed")
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
