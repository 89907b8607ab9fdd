package shortener_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/shortlink/internal/shortener"
	"github.com/koopa0/system-design/shortlink/internal/storage"
	"github.com/koopa0/system-design/shortlink/pkg/logger"
	"github.com/koopa0/system-design/shortlink/pkg/snowflake"
)

// testClock 可手動推進的時鐘
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness 以內存存儲組裝完整引擎
type harness struct {
	clock   *testClock
	store   *storage.Memory
	cache   shortener.Cache
	cs      *shortener.ConsistencyStore
	gen     *shortener.CodeGenerator
	clicks  *shortener.ClickAggregator
	expiry  *shortener.ExpirationManager
	service *shortener.Service
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	store     shortener.DurableStore
	cache     shortener.Cache
	generator shortener.GeneratorOptions
	clicks    shortener.AggregatorOptions
	publisher shortener.Publisher
}

func withGenerator(opts shortener.GeneratorOptions) harnessOption {
	return func(c *harnessConfig) { c.generator = opts }
}

func withCache(cache shortener.Cache) harnessOption {
	return func(c *harnessConfig) { c.cache = cache }
}

func withStore(store shortener.DurableStore) harnessOption {
	return func(c *harnessConfig) { c.store = store }
}

func withClicks(opts shortener.AggregatorOptions) harnessOption {
	return func(c *harnessConfig) { c.clicks = opts }
}

func withPublisher(p shortener.Publisher) harnessOption {
	return func(c *harnessConfig) { c.publisher = p }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		clock: newTestClock(),
		store: storage.NewMemory(),
	}
	cfg := harnessConfig{
		store:     h.store,
		cache:     storage.NewLRU(1000),
		generator: shortener.DefaultGeneratorOptions(),
		clicks:    shortener.DefaultAggregatorOptions(),
		publisher: shortener.NopPublisher{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.cache = cfg.cache
	log := logger.Discard()

	csOpts := shortener.DefaultConsistencyOptions()
	csOpts.Clock = h.clock.Now
	csOpts.Logger = log
	h.cs = shortener.NewConsistencyStore(cfg.store, cfg.cache, csOpts)

	ids, err := snowflake.NewGenerator(1)
	require.NoError(t, err)

	cfg.generator.Clock = h.clock.Now
	cfg.generator.Logger = log
	h.gen, err = shortener.NewCodeGenerator(h.cs, ids, cfg.generator)
	require.NoError(t, err)

	cfg.clicks.Clock = h.clock.Now
	cfg.clicks.Logger = log
	cfg.clicks.Publisher = cfg.publisher
	h.clicks = shortener.NewClickAggregator(h.cs, cfg.clicks)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.clicks.Close(ctx)
	})

	h.expiry = shortener.NewExpirationManager(h.cs, shortener.ExpirationOptions{
		Clock:     h.clock.Now,
		Logger:    log,
		BatchSize: 2,
	})

	h.service = shortener.NewService(h.gen, h.cs, h.clicks,
		shortener.WithPublisher(cfg.publisher),
		shortener.WithServiceClock(h.clock.Now),
		shortener.WithServiceLogger(log),
	)
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.clicks.Flush(ctx))
}

func days(n int) *int { return &n }

var errBoom = errors.New("boom")

// failingCache 所有操作都失敗的快取
type failingCache struct {
	calls atomic.Int64
}

func (c *failingCache) Get(context.Context, string, time.Duration) (shortener.CacheEntry, error) {
	c.calls.Add(1)
	return shortener.CacheEntry{}, errBoom
}

func (c *failingCache) Set(context.Context, *shortener.ShortLink, time.Duration) error {
	c.calls.Add(1)
	return errBoom
}

func (c *failingCache) Fill(context.Context, *shortener.ShortLink, time.Duration) error {
	c.calls.Add(1)
	return errBoom
}

func (c *failingCache) MarkAbsent(context.Context, string, time.Duration, bool) error {
	c.calls.Add(1)
	return errBoom
}

func (c *failingCache) Delete(context.Context, string) error {
	c.calls.Add(1)
	return errBoom
}

// slowCache 每次呼叫都阻塞到 ctx 逾時
type slowCache struct{}

func (slowCache) Get(ctx context.Context, _ string, _ time.Duration) (shortener.CacheEntry, error) {
	<-ctx.Done()
	return shortener.CacheEntry{}, ctx.Err()
}

func (slowCache) Set(ctx context.Context, _ *shortener.ShortLink, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowCache) Fill(ctx context.Context, _ *shortener.ShortLink, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowCache) MarkAbsent(ctx context.Context, _ string, _ time.Duration, _ bool) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowCache) Delete(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

// setFailingCache 只有 Set 失敗的 LRU
type setFailingCache struct {
	*storage.LRU
}

func (c setFailingCache) Set(context.Context, *shortener.ShortLink, time.Duration) error {
	return errBoom
}

// instrumentedStore 包裝 Memory，計數 Get 並可注入延遲與錯誤
type instrumentedStore struct {
	*storage.Memory

	gets       atomic.Int64
	getDelay   time.Duration
	increments atomic.Int64

	mu         sync.Mutex
	failApply  int // 接下來幾次 ApplyClicks 失敗
	applyCalls int
	failAll    bool
}

func newInstrumentedStore() *instrumentedStore {
	return &instrumentedStore{Memory: storage.NewMemory()}
}

func (s *instrumentedStore) Get(ctx context.Context, code string) (*shortener.ShortLink, error) {
	s.gets.Add(1)
	if s.getDelay > 0 {
		time.Sleep(s.getDelay)
	}
	s.mu.Lock()
	failAll := s.failAll
	s.mu.Unlock()
	if failAll {
		return nil, errBoom
	}
	return s.Memory.Get(ctx, code)
}

func (s *instrumentedStore) ApplyClicks(ctx context.Context, deltas []shortener.ClickDelta) error {
	s.mu.Lock()
	s.applyCalls++
	if s.failApply > 0 {
		s.failApply--
		s.mu.Unlock()
		return errBoom
	}
	s.mu.Unlock()
	return s.Memory.ApplyClicks(ctx, deltas)
}

func (s *instrumentedStore) IncrementClicks(ctx context.Context, code string, n int64) error {
	s.increments.Add(1)
	s.mu.Lock()
	failAll := s.failAll
	s.mu.Unlock()
	if failAll {
		return errBoom
	}
	return s.Memory.IncrementClicks(ctx, code, n)
}

func (s *instrumentedStore) setFailAll(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = v
}

// recordingPublisher 記錄發佈的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []shortener.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e shortener.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) kinds() []shortener.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]shortener.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}
