package storage_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/shortlink/internal/shortener"
	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
)

var baseTime = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newLink(code string, opts ...func(*shortener.ShortLink)) *shortener.ShortLink {
	link := &shortener.ShortLink{
		ID:        time.Now().UnixNano(),
		Code:      code,
		LongURL:   "https://example.com/" + code,
		CreatedAt: baseTime,
	}
	for _, opt := range opts {
		opt(link)
	}
	return link
}

func expiringAt(t time.Time) func(*shortener.ShortLink) {
	return func(l *shortener.ShortLink) { l.ExpiresAt = &t }
}

func ownedBy(owner string, created time.Time) func(*shortener.ShortLink) {
	return func(l *shortener.ShortLink) {
		l.OwnerID = owner
		l.CreatedAt = created
	}
}

// runStoreContract 所有 DurableStore 實作共用的行為測試
//
// globalHashUnique 為 false 時（分片存儲）不檢查跨鍵的 url_hash 衝突。
func runStoreContract(t *testing.T, globalHashUnique bool, newStore func(t *testing.T) shortener.DurableStore) {
	ctx := context.Background()

	t.Run("InsertGetRoundTrip", func(t *testing.T) {
		store := newStore(t)
		exp := baseTime.Add(48 * time.Hour)
		in := newLink("RtRip1", expiringAt(exp), ownedBy("alice", baseTime))
		in.IsCustomAlias = true

		require.NoError(t, store.Insert(ctx, in))

		got, err := store.Get(ctx, "RtRip1")
		require.NoError(t, err)
		assert.Equal(t, in.Code, got.Code)
		assert.Equal(t, in.ID, got.ID)
		assert.Equal(t, in.LongURL, got.LongURL)
		assert.Equal(t, "alice", got.OwnerID)
		assert.True(t, got.IsCustomAlias)
		assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, exp.Equal(*got.ExpiresAt))
		assert.Zero(t, got.ClickTotal)
	})

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, "nope00")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("DuplicateCode", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx, newLink("dupe01")))
		err := store.Insert(ctx, newLink("dupe01"))
		assert.ErrorIs(t, err, apperrors.ErrAliasTaken)
	})

	t.Run("ConcurrentInsertSameCode", func(t *testing.T) {
		store := newStore(t)

		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Insert(ctx, newLink("race01"))
				switch {
				case err == nil:
					wins.Add(1)
				case apperrors.IsAliasTaken(err):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, wins.Load())
		assert.EqualValues(t, 19, conflicts.Load())
	})

	t.Run("URLHashUnique", func(t *testing.T) {
		store := newStore(t)
		a := newLink("hashA1")
		a.URLHash = "h1"
		require.NoError(t, store.Insert(ctx, a))

		if globalHashUnique {
			b := newLink("hashB1")
			b.URLHash = "h1"
			assert.ErrorIs(t, store.Insert(ctx, b), apperrors.ErrDuplicateURL)
		}

		got, err := store.FindByURLHash(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, "hashA1", got.Code)

		_, err = store.FindByURLHash(ctx, "h2")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("NextSequenceIncreases", func(t *testing.T) {
		store := newStore(t)
		a, err := store.NextSequence(ctx)
		require.NoError(t, err)
		b, err := store.NextSequence(ctx)
		require.NoError(t, err)
		assert.Greater(t, b, a)
	})

	t.Run("DeleteCascadesDailyClicks", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx, newLink("del001")))
		require.NoError(t, store.ApplyClicks(ctx, []shortener.ClickDelta{
			{Code: "del001", Day: "2026-05-01", Count: 3},
		}))

		require.NoError(t, store.Delete(ctx, "del001"))
		_, err := store.Get(ctx, "del001")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		daily, err := store.DailyClicks(ctx, "del001")
		require.NoError(t, err)
		assert.Empty(t, daily)

		assert.ErrorIs(t, store.Delete(ctx, "del001"), apperrors.ErrNotFound)

		// 刪除後短碼可以重新使用
		require.NoError(t, store.Insert(ctx, newLink("del001")))
	})

	t.Run("IncrementClicks", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx, newLink("inc001")))
		require.NoError(t, store.IncrementClicks(ctx, "inc001", 5))
		require.NoError(t, store.IncrementClicks(ctx, "inc001", 2))

		got, err := store.Get(ctx, "inc001")
		require.NoError(t, err)
		assert.EqualValues(t, 7, got.ClickTotal)

		assert.ErrorIs(t, store.IncrementClicks(ctx, "none01", 1), apperrors.ErrNotFound)
	})

	t.Run("ApplyClicks", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx, newLink("apA001")))
		require.NoError(t, store.Insert(ctx, newLink("apB001")))

		require.NoError(t, store.ApplyClicks(ctx, []shortener.ClickDelta{
			{Code: "apA001", Day: "2026-05-01", Count: 10},
			{Code: "apA001", Day: "2026-05-02", Count: 4},
			{Code: "apB001", Day: "2026-05-01", Count: 1},
			{Code: "gone01", Day: "2026-05-01", Count: 99}, // 已刪除的短碼略過
		}))
		require.NoError(t, store.ApplyClicks(ctx, []shortener.ClickDelta{
			{Code: "apA001", Day: "2026-05-02", Count: 6},
		}))

		a, err := store.Get(ctx, "apA001")
		require.NoError(t, err)
		assert.EqualValues(t, 20, a.ClickTotal)

		daily, err := store.DailyClicks(ctx, "apA001")
		require.NoError(t, err)
		assert.Equal(t, []shortener.DailyCount{
			{Day: "2026-05-01", Count: 10},
			{Day: "2026-05-02", Count: 10},
		}, daily)

		b, err := store.Get(ctx, "apB001")
		require.NoError(t, err)
		assert.EqualValues(t, 1, b.ClickTotal)
	})

	t.Run("ListByOwner", func(t *testing.T) {
		store := newStore(t)
		for i := 0; i < 5; i++ {
			code := fmt.Sprintf("own%03d", i)
			require.NoError(t, store.Insert(ctx, newLink(code, ownedBy("bob", baseTime.Add(time.Duration(i)*time.Minute)))))
		}
		require.NoError(t, store.Insert(ctx, newLink("other1", ownedBy("carol", baseTime))))

		links, err := store.ListByOwner(ctx, "bob", 3)
		require.NoError(t, err)
		require.Len(t, links, 3)
		assert.Equal(t, "own004", links[0].Code)
		assert.Equal(t, "own003", links[1].Code)
		assert.Equal(t, "own002", links[2].Code)

		none, err := store.ListByOwner(ctx, "dave", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		store := newStore(t)
		now := baseTime.Add(time.Hour)

		require.NoError(t, store.Insert(ctx, newLink("exp001", expiringAt(baseTime.Add(time.Minute)))))
		require.NoError(t, store.Insert(ctx, newLink("exp002", expiringAt(now)))) // 剛好到期
		require.NoError(t, store.Insert(ctx, newLink("live01", expiringAt(now.Add(time.Second)))))
		require.NoError(t, store.Insert(ctx, newLink("perm01")))

		purged, err := store.PurgeExpired(ctx, now, 100)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"exp001", "exp002"}, purged)

		_, err = store.Get(ctx, "live01")
		assert.NoError(t, err)
		_, err = store.Get(ctx, "perm01")
		assert.NoError(t, err)

		again, err := store.PurgeExpired(ctx, now, 100)
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("PurgeExpiredRespectsLimit", func(t *testing.T) {
		store := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, store.Insert(ctx, newLink(fmt.Sprintf("lim%03d", i), expiringAt(baseTime))))
		}

		first, err := store.PurgeExpired(ctx, baseTime.Add(time.Hour), 3)
		require.NoError(t, err)
		assert.Len(t, first, 3)

		rest, err := store.PurgeExpired(ctx, baseTime.Add(time.Hour), 3)
		require.NoError(t, err)
		assert.Len(t, rest, 2)
	})

	t.Run("DeleteIfExpired", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx, newLink("die001", expiringAt(baseTime.Add(time.Hour)))))

		deleted, err := store.DeleteIfExpired(ctx, "die001", baseTime)
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = store.DeleteIfExpired(ctx, "die001", baseTime.Add(2*time.Hour))
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.DeleteIfExpired(ctx, "die001", baseTime.Add(2*time.Hour))
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}
