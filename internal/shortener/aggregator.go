package shortener

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
)

// ClickSink 點擊增量的落地目標（通常是 ConsistencyStore）
type ClickSink interface {
	ApplyClicks(ctx context.Context, deltas []ClickDelta) error
}

// AggregatorOptions 聚合器參數
type AggregatorOptions struct {
	// BufferSize 投遞通道容量，滿了之後改寫入溢出表
	BufferSize int
	// BatchSize 待寫入的 (code, day) 鍵數量達到此值就立即刷新
	BatchSize int
	// FlushInterval 定期刷新間隔
	FlushInterval time.Duration
	// FlushTimeout 單次刷新（含重試）的總逾時
	FlushTimeout time.Duration
	// MaxRetries 刷新失敗的重試次數
	MaxRetries uint64
	// RetryBase 指數退避的起始間隔
	RetryBase time.Duration
	// Location 日期分桶時區
	Location *time.Location
	// EventBuffer 點擊事件發佈佇列容量，滿了就丟棄事件（計數不受影響）
	EventBuffer int

	Publisher Publisher
	Clock     func() time.Time
	Logger    *slog.Logger
}

// DefaultAggregatorOptions 預設參數
func DefaultAggregatorOptions() AggregatorOptions {
	return AggregatorOptions{
		BufferSize:    4096,
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
		FlushTimeout:  10 * time.Second,
		MaxRetries:    3,
		RetryBase:     100 * time.Millisecond,
		Location:      time.UTC,
		EventBuffer:   1024,
	}
}

// dayKey 合併鍵
type dayKey struct {
	code string
	day  string
}

// ClickAggregator 非同步點擊統計
//
// 系統設計考量：
//
//  1. 重定向路徑永不阻塞
//     - Record 對通道做非阻塞投遞
//     - 通道滿時寫入受鎖保護的溢出表（只做一次 map 累加）
//
//  2. 寫入放大最小化
//     - 背景 goroutine 依 (code, day) 合併
//     - 1000 次點擊同一短碼只產生一筆 UPDATE
//
//  3. At-least-once
//     - 刷新失敗時增量留在待寫表，下一輪再試
//     - 重試可能造成重複計數，但不會遺失
//
//  4. 事件發佈與計數分離
//     - 點擊事件交給獨立 goroutine 發佈，佇列滿就丟棄
//     - 發佈器卡住（例如 NATS 重連中）不影響刷新與關閉
//
// 與 batchWorker 相同的生命週期：New 啟動背景 goroutine，Close 排空並做最後一次刷新。
type ClickAggregator struct {
	sink   ClickSink
	opts   AggregatorOptions
	logger *slog.Logger

	// mu 保護 closed 與通道的關閉：Record 持讀鎖投遞，Close 持寫鎖關閉
	mu     sync.RWMutex
	closed bool
	events chan ClickRecord

	overflowMu sync.Mutex
	overflow   map[dayKey]int64

	flushReq chan chan error
	done     chan struct{}
	finalErr error

	// clickEvents 只由 run 寫入與關閉
	clickEvents chan Event
	eventsDone  chan struct{}

	recorded      atomic.Int64
	overflowed    atomic.Int64
	flushed       atomic.Int64
	dropped       atomic.Int64
	eventsDropped atomic.Int64
}

// AggregatorMetrics 聚合器計數
type AggregatorMetrics struct {
	Recorded   int64 `json:"recorded"`
	Overflowed int64 `json:"overflowed"`
	Flushed    int64 `json:"flushed"`
	Dropped    int64 `json:"dropped"`
	// EventsDropped 因發佈佇列已滿而未發出的點擊事件
	EventsDropped int64 `json:"events_dropped"`
}

// NewClickAggregator 創建並啟動聚合器
func NewClickAggregator(sink ClickSink, opts AggregatorOptions) *ClickAggregator {
	def := DefaultAggregatorOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = def.FlushTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.Publisher == nil {
		opts.Publisher = NopPublisher{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &ClickAggregator{
		sink:     sink,
		opts:     opts,
		logger:   opts.Logger.With("component", "aggregator"),
		events:   make(chan ClickRecord, opts.BufferSize),
		overflow: make(map[dayKey]int64),
		flushReq:    make(chan chan error),
		done:        make(chan struct{}),
		clickEvents: make(chan Event, opts.EventBuffer),
		eventsDone:  make(chan struct{}),
	}
	go a.run()
	go a.publishLoop()
	return a
}

// Record 記錄一次點擊，不阻塞、不回傳錯誤
func (a *ClickAggregator) Record(rec ClickRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.opts.Clock()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		a.logger.Warn("click recorded after close", "code", rec.Code)
		return
	}
	a.recorded.Add(1)

	select {
	case a.events <- rec:
	default:
		a.overflowed.Add(1)
		key := dayKey{code: rec.Code, day: DayBucket(rec.Timestamp, a.opts.Location)}
		a.overflowMu.Lock()
		a.overflow[key]++
		a.overflowMu.Unlock()
	}
}

// Flush 立即刷新所有已記錄的點擊，回傳時增量已寫入（或回傳錯誤）
func (a *ClickAggregator) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.flushReq <- reply:
	case <-a.done:
		return a.finalErr
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收並做最後一次刷新
//
// 可重複呼叫。ctx 逾時只代表呼叫方不再等待，背景刷新仍會完成。
// 刷新完成後在 ctx 內等待剩餘的點擊事件發出；等不到只記錄警告。
func (a *ClickAggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-a.eventsDone:
	case <-ctx.Done():
		a.logger.Warn("click events still pending at close", "pending", len(a.clickEvents))
	}
	return a.finalErr
}

// Metrics 回傳目前計數
func (a *ClickAggregator) Metrics() AggregatorMetrics {
	return AggregatorMetrics{
		Recorded:   a.recorded.Load(),
		Overflowed: a.overflowed.Load(),
		Flushed:    a.flushed.Load(),
		Dropped:    a.dropped.Load(),

		EventsDropped: a.eventsDropped.Load(),
	}
}

// run 背景合併迴圈，唯一擁有 pending
func (a *ClickAggregator) run() {
	defer close(a.done)
	defer close(a.clickEvents)

	pending := make(map[dayKey]int64)
	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-a.events:
			if !ok {
				a.mergeOverflow(pending)
				a.finalErr = a.flush(pending)
				if len(pending) > 0 {
					a.logger.Error("final flush left clicks unwritten", "keys", len(pending), "error", a.finalErr)
				}
				return
			}
			a.add(pending, rec)
			if len(pending) >= a.opts.BatchSize {
				_ = a.flush(pending)
			}

		case <-ticker.C:
			a.mergeOverflow(pending)
			_ = a.flush(pending)

		case reply := <-a.flushReq:
			a.drain(pending)
			a.mergeOverflow(pending)
			reply <- a.flush(pending)
		}
	}
}

func (a *ClickAggregator) add(pending map[dayKey]int64, rec ClickRecord) {
	pending[dayKey{code: rec.Code, day: DayBucket(rec.Timestamp, a.opts.Location)}]++

	select {
	case a.clickEvents <- Event{
		Kind:     EventClicked,
		Code:     rec.Code,
		At:       rec.Timestamp,
		Address:  rec.Address,
		Referrer: rec.Referrer,
	}:
	default:
		a.eventsDropped.Add(1)
	}
}

// publishLoop 發佈點擊事件，run 結束後排空佇列再退出
func (a *ClickAggregator) publishLoop() {
	defer close(a.eventsDone)
	for e := range a.clickEvents {
		if err := a.opts.Publisher.Publish(context.Background(), e); err != nil {
			a.logger.Debug("publish click event failed", "code", e.Code, "error", err)
		}
	}
}

// drain 把通道裡已投遞的記錄全部取出（不等待新記錄）
func (a *ClickAggregator) drain(pending map[dayKey]int64) {
	for {
		select {
		case rec, ok := <-a.events:
			if !ok {
				return
			}
			a.add(pending, rec)
		default:
			return
		}
	}
}

func (a *ClickAggregator) mergeOverflow(pending map[dayKey]int64) {
	a.overflowMu.Lock()
	defer a.overflowMu.Unlock()
	for k, n := range a.overflow {
		pending[k] += n
	}
	clear(a.overflow)
}

// flush 寫入 pending，成功才清空；失敗的增量留到下一輪
func (a *ClickAggregator) flush(pending map[dayKey]int64) error {
	if len(pending) == 0 {
		return nil
	}

	deltas := make([]ClickDelta, 0, len(pending))
	var total int64
	for k, n := range pending {
		deltas = append(deltas, ClickDelta{Code: k.code, Day: k.day, Count: n})
		total += n
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.FlushTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(a.opts.MaxRetries, retry.NewExponential(a.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := a.sink.ApplyClicks(ctx, deltas); err != nil {
			if apperrors.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		a.logger.Error("flush clicks failed, will retry next round",
			"keys", len(deltas),
			"clicks", total,
			"error", err,
		)
		return err
	}

	clear(pending)
	a.flushed.Add(total)
	a.logger.Debug("clicks flushed", "keys", len(deltas), "clicks", total)
	return nil
}
