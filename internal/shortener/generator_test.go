package shortener_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/shortlink/internal/shortener"
	"github.com/koopa0/system-design/shortlink/internal/storage"
	"github.com/koopa0/system-design/shortlink/pkg/base62"
	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
	"github.com/koopa0/system-design/shortlink/pkg/snowflake"
)

func TestSequenceCode(t *testing.T) {
	space6 := base62.Space(6)
	space7 := base62.Space(7)

	t.Run("distinct within width", func(t *testing.T) {
		seen := make(map[string]uint64, 5000)
		for n := uint64(0); n < 5000; n++ {
			code, err := shortener.SequenceCode(n, 6)
			require.NoError(t, err)
			require.Len(t, code, 6)
			require.True(t, base62.IsValid(code))

			prev, dup := seen[code]
			require.False(t, dup, "sequence %d and %d map to %s", prev, n, code)
			seen[code] = n
		}
	})

	t.Run("adjacent sequences are scattered", func(t *testing.T) {
		a, err := shortener.SequenceCode(1, 6)
		require.NoError(t, err)
		b, err := shortener.SequenceCode(2, 6)
		require.NoError(t, err)
		assert.NotEqual(t, a[:4], b[:4])
	})

	t.Run("width grows after space is used", func(t *testing.T) {
		last6, err := shortener.SequenceCode(space6-1, 6)
		require.NoError(t, err)
		assert.Len(t, last6, 6)

		first7, err := shortener.SequenceCode(space6, 6)
		require.NoError(t, err)
		assert.Len(t, first7, 7)
	})

	t.Run("exhausted past longest width", func(t *testing.T) {
		last, err := shortener.SequenceCode(space6+space7-1, 6)
		require.NoError(t, err)
		assert.Len(t, last, 7)

		_, err = shortener.SequenceCode(space6+space7, 6)
		assert.ErrorIs(t, err, apperrors.ErrGenerationExhausted)
	})

	t.Run("start at seven", func(t *testing.T) {
		code, err := shortener.SequenceCode(0, 7)
		require.NoError(t, err)
		assert.Len(t, code, 7)

		_, err = shortener.SequenceCode(space7, 7)
		assert.ErrorIs(t, err, apperrors.ErrGenerationExhausted)
	})
}

func TestNewCodeGenerator_InvalidOptions(t *testing.T) {
	cs := shortener.NewConsistencyStore(storage.NewMemory(), nil, shortener.ConsistencyOptions{})
	ids, err := snowflake.NewGenerator(1)
	require.NoError(t, err)

	tests := []struct {
		name string
		opts shortener.GeneratorOptions
	}{
		{"unknown strategy", shortener.GeneratorOptions{Strategy: "uuid"}},
		{"length too short", shortener.GeneratorOptions{Length: 5}},
		{"length too long", shortener.GeneratorOptions{Length: 8}},
		{"alias range", shortener.GeneratorOptions{AliasMinLength: 10, AliasMaxLength: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := shortener.NewCodeGenerator(cs, ids, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestGenerate_Basic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	link, err := h.gen.Generate(ctx, shortener.GenerateRequest{
		LongURL: "https://example.com/articles/42",
		OwnerID: "alice",
	})
	require.NoError(t, err)

	assert.Len(t, link.Code, 6)
	assert.True(t, base62.IsValid(link.Code))
	assert.False(t, link.IsCustomAlias)
	assert.Equal(t, "alice", link.OwnerID)
	assert.Nil(t, link.ExpiresAt)
	assert.Equal(t, h.clock.Now().UTC().Truncate(time.Second), link.CreatedAt)
	assert.NotZero(t, link.ID)
	assert.Empty(t, link.URLHash, "hash is only kept when dedup is enabled")

	stored, err := h.store.Get(ctx, link.Code)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/articles/42", stored.LongURL)
}

func TestGenerate_UniqueUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 200
	codes := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			link, err := h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://example.com/same"})
			if assert.NoError(t, err) {
				codes[i] = link.Code
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, c := range codes {
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}
}

func TestGenerate_CustomAlias(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	link, err := h.gen.Generate(ctx, shortener.GenerateRequest{
		LongURL:     "https://example.com/a",
		CustomAlias: "mylink",
	})
	require.NoError(t, err)
	assert.Equal(t, "mylink", link.Code)
	assert.True(t, link.IsCustomAlias)

	_, err = h.gen.Generate(ctx, shortener.GenerateRequest{
		LongURL:     "https://example.com/b",
		CustomAlias: "mylink",
	})
	assert.ErrorIs(t, err, apperrors.ErrAliasTaken)

	// 原映射不受影響
	got, err := h.cs.Lookup(ctx, "mylink")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", got.LongURL)
}

func TestGenerate_ConcurrentSameAlias(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		taken   int
	)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.gen.Generate(ctx, shortener.GenerateRequest{
				LongURL:     "https://example.com/" + string(rune('a'+i%26)),
				CustomAlias: "launch",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case apperrors.IsAliasTaken(err):
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, n-1, taken)
}

func TestGenerate_SequenceSkipsTakenCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Memory 的序號從 1 開始
	blocked, err := shortener.SequenceCode(1, 6)
	require.NoError(t, err)
	next, err := shortener.SequenceCode(2, 6)
	require.NoError(t, err)

	_, err = h.gen.Generate(ctx, shortener.GenerateRequest{
		LongURL:     "https://example.com/alias",
		CustomAlias: blocked,
	})
	require.NoError(t, err)

	link, err := h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://example.com/generated"})
	require.NoError(t, err)
	assert.Equal(t, next, link.Code)
}

func TestGenerate_InvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	negative := -time.Hour

	tests := []struct {
		name string
		req  shortener.GenerateRequest
		want error
	}{
		{"bad url", shortener.GenerateRequest{LongURL: "not a url"}, apperrors.ErrInvalidURL},
		{"bad alias", shortener.GenerateRequest{LongURL: "https://example.com", CustomAlias: "a/b"}, apperrors.ErrInvalidAlias},
		{"reserved alias", shortener.GenerateRequest{LongURL: "https://example.com", CustomAlias: "api"}, apperrors.ErrInvalidAlias},
		{"negative lifetime", shortener.GenerateRequest{LongURL: "https://example.com", Lifetime: &negative}, apperrors.ErrInvalidExpiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.gen.Generate(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGenerate_ZeroLifetimeIsImmediatelyExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	zero := time.Duration(0)

	link, err := h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://example.com", Lifetime: &zero})
	require.NoError(t, err)
	require.NotNil(t, link.ExpiresAt)
	assert.Equal(t, link.CreatedAt, *link.ExpiresAt)

	_, err = h.cs.Lookup(ctx, link.Code)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGenerate_Dedup(t *testing.T) {
	opts := shortener.DefaultGeneratorOptions()
	opts.Dedup = true
	h := newHarness(t, withGenerator(opts))
	ctx := context.Background()

	first, err := h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://example.com/x?b=1&a=2"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.URLHash)

	t.Run("equivalent url reuses code", func(t *testing.T) {
		again, err := h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://EXAMPLE.com:443/x?a=2&b=1"})
		require.NoError(t, err)
		assert.Equal(t, first.Code, again.Code)
		// 回傳的是既有映射，長網址保持第一次提交的原樣
		assert.Equal(t, "https://example.com/x?b=1&a=2", again.LongURL)
	})

	t.Run("different url gets new code", func(t *testing.T) {
		other, err := h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://example.com/y"})
		require.NoError(t, err)
		assert.NotEqual(t, first.Code, other.Code)
	})

	t.Run("custom alias bypasses dedup", func(t *testing.T) {
		alias, err := h.gen.Generate(ctx, shortener.GenerateRequest{
			LongURL:     "https://example.com/x?b=1&a=2",
			CustomAlias: "xlink",
		})
		require.NoError(t, err)
		assert.Equal(t, "xlink", alias.Code)
	})
}

func TestGenerate_DedupReplacesExpiredMapping(t *testing.T) {
	opts := shortener.DefaultGeneratorOptions()
	opts.Dedup = true
	h := newHarness(t, withGenerator(opts))
	ctx := context.Background()
	hour := time.Hour

	old, err := h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://example.com/promo", Lifetime: &hour})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)

	fresh, err := h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://example.com/promo"})
	require.NoError(t, err)
	assert.NotEqual(t, old.Code, fresh.Code)
	assert.Nil(t, fresh.ExpiresAt)

	_, err = h.store.Get(ctx, old.Code)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "expired mapping should be purged")
}

func TestGenerate_DisabledDedupCreatesDistinctCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://example.com/same"})
	require.NoError(t, err)
	b, err := h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://example.com/same"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Code, b.Code)
}

// zeroReader 永遠回傳 0，讓 random 策略每次都提出同一個候選
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestGenerate_RandomStrategyExhaustion(t *testing.T) {
	opts := shortener.DefaultGeneratorOptions()
	opts.Strategy = shortener.StrategyRandom
	opts.MaxAttempts = 3
	opts.Random = zeroReader{}
	h := newHarness(t, withGenerator(opts))
	ctx := context.Background()

	first, err := h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://example.com/1"})
	require.NoError(t, err)
	assert.Equal(t, "000000", first.Code)

	_, err = h.gen.Generate(ctx, shortener.GenerateRequest{LongURL: "https://example.com/2"})
	assert.ErrorIs(t, err, apperrors.ErrGenerationExhausted)
}

func TestGenerate_RandomStrategy(t *testing.T) {
	opts := shortener.DefaultGeneratorOptions()
	opts.Strategy = shortener.StrategyRandom
	opts.Length = 7
	h := newHarness(t, withGenerator(opts))

	link, err := h.gen.Generate(context.Background(), shortener.GenerateRequest{LongURL: "https://example.com"})
	require.NoError(t, err)
	assert.Len(t, link.Code, 7)
}

// sequenceDownStore 序號來源故障
type sequenceDownStore struct {
	*storage.Memory
}

func (sequenceDownStore) NextSequence(context.Context) (uint64, error) {
	return 0, errBoom
}

func TestGenerate_StoreUnavailable(t *testing.T) {
	h := newHarness(t, withStore(sequenceDownStore{storage.NewMemory()}))

	_, err := h.gen.Generate(context.Background(), shortener.GenerateRequest{LongURL: "https://example.com"})
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.True(t, apperrors.IsRetryable(err))
}
