package shortener_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/shortlink/internal/shortener"
	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
)

func TestService_CreateResolveStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	link, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{LongURL: "https://example.com/a?b=c"})
	require.NoError(t, err)
	assert.Len(t, link.Code, 6)

	longURL, err := h.service.Resolve(ctx, link.Code, shortener.ClickMeta{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a?b=c", longURL)

	h.flush(t)
	stats, err := h.service.GetStats(ctx, link.Code)
	require.NoError(t, err)
	assert.Equal(t, link.Code, stats.Code)
	assert.EqualValues(t, 1, stats.ClickTotal)
}

func TestService_CustomAliasConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{
		LongURL:     "https://example.com/first",
		CustomAlias: "mylink",
	})
	require.NoError(t, err)

	_, err = h.service.CreateShortLink(ctx, shortener.CreateRequest{
		LongURL:     "https://example.com/second",
		CustomAlias: "mylink",
	})
	assert.ErrorIs(t, err, apperrors.ErrAliasTaken)

	longURL, err := h.service.Resolve(ctx, "mylink", shortener.ClickMeta{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/first", longURL)
}

func TestService_Expiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("zero days is expired on creation", func(t *testing.T) {
		link, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{
			LongURL:    "https://example.com/now",
			ExpiryDays: days(0),
		})
		require.NoError(t, err)
		require.NotNil(t, link.ExpiresAt)
		assert.Equal(t, link.CreatedAt, *link.ExpiresAt)

		_, err = h.service.Resolve(ctx, link.Code, shortener.ClickMeta{})
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("negative days rejected", func(t *testing.T) {
		_, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{
			LongURL:    "https://example.com/neg",
			ExpiryDays: days(-1),
		})
		assert.ErrorIs(t, err, apperrors.ErrInvalidExpiry)
	})

	t.Run("beyond the maximum rejected", func(t *testing.T) {
		for _, n := range []int{shortener.MaxExpiryDays + 1, 200000, 300000} {
			_, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{
				LongURL:    "https://example.com/far",
				ExpiryDays: days(n),
			})
			require.ErrorIs(t, err, apperrors.ErrInvalidExpiry, n)
			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "expiry_days too large", appErr.Details)
		}
	})

	t.Run("maximum accepted", func(t *testing.T) {
		link, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{
			LongURL:    "https://example.com/century",
			ExpiryDays: days(shortener.MaxExpiryDays),
		})
		require.NoError(t, err)
		require.NotNil(t, link.ExpiresAt)
		assert.Equal(t, link.CreatedAt.Add(time.Duration(shortener.MaxExpiryDays)*24*time.Hour), *link.ExpiresAt)
		assert.Equal(t, 2126, link.ExpiresAt.Year())
	})

	t.Run("expires after the configured days", func(t *testing.T) {
		link, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{
			LongURL:    "https://example.com/week",
			ExpiryDays: days(7),
		})
		require.NoError(t, err)
		require.NotNil(t, link.ExpiresAt)
		assert.Equal(t, link.CreatedAt.Add(7*24*time.Hour), *link.ExpiresAt)

		_, err = h.service.Resolve(ctx, link.Code, shortener.ClickMeta{})
		require.NoError(t, err)

		h.clock.Advance(8 * 24 * time.Hour)
		_, err = h.service.Resolve(ctx, link.Code, shortener.ClickMeta{})
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		_, err = h.service.GetStats(ctx, link.Code)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestService_ResolveUnknownRecordsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Resolve(ctx, "zzzzzz", shortener.ClickMeta{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Zero(t, h.clicks.Metrics().Recorded)
}

func TestService_Delete(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHarness(t, withPublisher(pub))
	ctx := context.Background()

	link, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{LongURL: "https://example.com/del"})
	require.NoError(t, err)
	_, err = h.service.Resolve(ctx, link.Code, shortener.ClickMeta{})
	require.NoError(t, err)

	require.NoError(t, h.service.DeleteShortLink(ctx, link.Code))

	_, err = h.service.Resolve(ctx, link.Code, shortener.ClickMeta{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = h.service.GetStats(ctx, link.Code)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	err = h.service.DeleteShortLink(ctx, link.Code)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// 點擊事件由聚合器背景發出，與刪除事件的先後不固定
	h.flush(t)
	require.Eventually(t, func() bool { return len(pub.kinds()) == 3 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []shortener.EventKind{
		shortener.EventCreated,
		shortener.EventDeleted,
		shortener.EventClicked,
	}, pub.kinds())
}

func TestService_ListByOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var codes []string
	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		link, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{LongURL: u, OwnerID: "alice"})
		require.NoError(t, err)
		codes = append(codes, link.Code)
		h.clock.Advance(time.Minute)
	}
	_, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{LongURL: "https://example.com/bob", OwnerID: "bob"})
	require.NoError(t, err)

	links, err := h.service.ListByOwner(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, links, 3)
	assert.Equal(t, codes[2], links[0].Code, "newest first")
	assert.Equal(t, codes[0], links[2].Code)

	limited, err := h.service.ListByOwner(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := h.service.ListByOwner(ctx, "carol", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestService_DedupAcrossRequests(t *testing.T) {
	opts := shortener.DefaultGeneratorOptions()
	opts.Dedup = true
	pub := &recordingPublisher{}
	h := newHarness(t, withGenerator(opts), withPublisher(pub))
	ctx := context.Background()

	a, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{LongURL: "https://example.com/dup"})
	require.NoError(t, err)
	b, err := h.service.CreateShortLink(ctx, shortener.CreateRequest{LongURL: "https://example.com/dup"})
	require.NoError(t, err)
	assert.Equal(t, a.Code, b.Code)
	assert.Len(t, pub.kinds(), 2)
}
