// Package snowflake 生成短網址記錄的行 ID
//
// 64 位結構：
//
//	1 bit | 41 bit 時間戳(毫秒) | 10 bit 機器 ID | 12 bit 序列號
//
// 行 ID 只用來排序與追溯建立時間，短碼本身不依賴它，
// 所以這裡允許小幅度的時鐘回撥（等待追上），超過容忍範圍才報錯。
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// epoch 2024-01-01 00:00:00 UTC
	epoch int64 = 1704067200000

	machineBits  = 10
	sequenceBits = 12

	maxMachineID = (1 << machineBits) - 1
	maxSequence  = (1 << sequenceBits) - 1

	machineShift   = sequenceBits
	timestampShift = sequenceBits + machineBits

	// maxBackwardsWait 可容忍的時鐘回撥幅度
	maxBackwardsWait = 5 * time.Millisecond
)

var (
	// ErrInvalidMachineID 機器 ID 超出 0-1023
	ErrInvalidMachineID = errors.New("machine ID must be between 0 and 1023")

	// ErrClockMovedBackwards 時鐘回撥超過容忍範圍
	ErrClockMovedBackwards = errors.New("clock moved backwards, refusing to generate ID")
)

// Generator Snowflake ID 生成器，可併發使用
type Generator struct {
	mu        sync.Mutex
	machineID int64
	sequence  int64
	lastMilli int64
	now       func() time.Time
}

// Option 生成器選項
type Option func(*Generator)

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// NewGenerator 創建生成器
func NewGenerator(machineID int64, opts ...Option) (*Generator, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMachineID, machineID)
	}

	g := &Generator{machineID: machineID, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate 生成下一個 ID
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()

	if ms < g.lastMilli {
		drift := time.Duration(g.lastMilli-ms) * time.Millisecond
		if drift > maxBackwardsWait {
			return 0, fmt.Errorf("%w: drift %s", ErrClockMovedBackwards, drift)
		}
		ms = g.waitUntil(g.lastMilli)
	}

	if ms == g.lastMilli {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 同一毫秒的 4096 個序號用完
			ms = g.waitUntil(g.lastMilli + 1)
		}
	} else {
		g.sequence = 0
	}
	g.lastMilli = ms

	return ((ms - epoch) << timestampShift) | (g.machineID << machineShift) | g.sequence, nil
}

// waitUntil 等到時鐘至少走到 target 毫秒
func (g *Generator) waitUntil(target int64) int64 {
	ms := g.now().UnixMilli()
	for ms < target {
		time.Sleep(100 * time.Microsecond)
		ms = g.now().UnixMilli()
	}
	return ms
}
