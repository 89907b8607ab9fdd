package handler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter 依來源位址限流（令牌桶）
//
// 每個位址一個 rate.Limiter；閒置超過 idleTTL 的位址在下一次取用時順便清掉，
// 不另開背景 goroutine。
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rate      rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter 創建限流器，rps 為每秒允許的請求數
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Allow 該位址此刻是否還有令牌
func (rl *RateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	now := rl.now()
	rl.sweep(now)

	v, ok := rl.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[addr] = v
	}
	v.lastSeen = now
	limiter := v.limiter
	rl.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// sweep 呼叫方需持有鎖
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < time.Minute {
		return
	}
	rl.lastSweep = now
	for addr, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idleTTL {
			delete(rl.visitors, addr)
		}
	}
}

// size 目前追蹤的位址數
func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}
