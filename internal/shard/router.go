// Package shard 決定短碼落在哪個分片
//
// 分片函數：xxhash64(code) mod N
//
// 分片數在部署時固定，短碼寫入後不會搬移。
// 改變分片數需要離線重新分佈資料。
package shard

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Router 短碼到分片的映射，建立後不可變，可併發使用
type Router struct {
	count uint64
}

// New 建立 N 個分片的路由
func New(count int) (*Router, error) {
	if count <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", count)
	}
	return &Router{count: uint64(count)}, nil
}

// ShardFor 回傳短碼所屬分片（0 ≤ index < Count）
//
// 同一短碼永遠得到同一分片。
func (r *Router) ShardFor(code string) int {
	return int(xxhash.Sum64String(code) % r.count)
}

// Count 分片數量
func (r *Router) Count() int {
	return int(r.count)
}
