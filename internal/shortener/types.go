// Package shortener 實現短網址引擎的核心：短碼生成、快取旁路一致性、
// 點擊統計聚合與過期處理
//
// 系統設計要點：
//
//  1. 持久層是唯一的真相來源
//     - 只有持久層能斷言「短碼不存在」
//     - 快取只是帶 TTL 的衍生副本（可能被淘汰，不能用來判斷不存在）
//
//  2. 寫入以持久層為提交點
//     - 先寫資料庫，成功後才填快取
//     - 快取失敗只記錄日誌，不影響結果
//
//  3. 點擊統計與重定向解耦
//     - 重定向路徑只做非阻塞投遞
//     - 背景 goroutine 合併後批量寫入（at-least-once）
package shortener

import (
	"time"
)

// ShortLink 表示一個短網址映射
//
// 不變式：
//   - Code 建立後不可變
//   - ClickTotal 只增不減
//   - ExpiresAt 若有值，不早於 CreatedAt
//
// 時間欄位在建立時截斷到秒（UTC），保證任何序列化格式都能無損往返。
type ShortLink struct {
	ID            int64      `json:"id"`
	Code          string     `json:"code"`
	LongURL       string     `json:"long_url"`
	OwnerID       string     `json:"owner_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IsCustomAlias bool       `json:"is_custom_alias"`
	ClickTotal    int64      `json:"click_total"`

	// URLHash 正規化長網址的 SHA-256，只在啟用去重時設定
	URLHash string `json:"-"`
}

// Clone 深拷貝（ExpiresAt 是指標）
func (l *ShortLink) Clone() *ShortLink {
	if l == nil {
		return nil
	}
	cp := *l
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// IsExpired 惰性過期判斷：ExpiresAt 已到（含等於）即視為過期
func IsExpired(l *ShortLink, now time.Time) bool {
	return l != nil && l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// ClickMeta 重定向請求的粗略資訊，只用於聚合
type ClickMeta struct {
	Address  string
	Referrer string
}

// ClickRecord 一次重定向事件
type ClickRecord struct {
	Code      string
	Timestamp time.Time
	ClickMeta
}

// DayBucket 依指定時區把時間歸到日期鍵（YYYY-MM-DD）
func DayBucket(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}

// ClickDelta 合併後的一筆增量：某短碼某天增加 Count 次
type ClickDelta struct {
	Code  string
	Day   string
	Count int64
}

// DailyCount 某天的點擊數
type DailyCount struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

// Stats 短網址統計
type Stats struct {
	Code        string       `json:"code"`
	ClickTotal  int64        `json:"click_total"`
	ClicksByDay []DailyCount `json:"clicks_by_day"`
}

// EventKind 生命週期事件類型
type EventKind string

const (
	EventCreated EventKind = "created"
	EventDeleted EventKind = "deleted"
	EventClicked EventKind = "clicked"
)

// Event 對外發佈的生命週期事件
type Event struct {
	Kind     EventKind `json:"kind"`
	Code     string    `json:"code"`
	LongURL  string    `json:"long_url,omitempty"`
	OwnerID  string    `json:"owner_id,omitempty"`
	At       time.Time `json:"at"`
	Address  string    `json:"address,omitempty"`
	Referrer string    `json:"referrer,omitempty"`
}
