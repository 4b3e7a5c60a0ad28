package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedNews(t *testing.T, s *Store, ticker string, n int) []*NewsItem {
	t.Helper()
	items := make([]*NewsItem, 0, n)
	for i := 0; i < n; i++ {
		item := &NewsItem{
			Ticker:      ticker,
			Headline:    fmt.Sprintf("%s headline %d", ticker, i),
			URL:         fmt.Sprintf("https://example.com/%s/%d", ticker, i),
			Source:      "TestWire",
			PublishedAt: time.Now().Add(-time.Duration(i) * time.Hour),
		}
		inserted, err := s.InsertNews(item)
		require.NoError(t, err)
		require.True(t, inserted)
		items = append(items, item)
	}
	return items
}

func TestPageNews(t *testing.T) {
	s := newTestStore(t)
	seedNews(t, s, "AAPL", 5)
	seedNews(t, s, "MSFT", 3)

	// Unfiltered paging covers everything, newest first.
	page1, total, err := s.PageNews(nil, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 8, total)
	require.Len(t, page1, 3)

	page2, _, err := s.PageNews(nil, 2, 3)
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)
	assert.True(t, page2[0].PublishedAt.Before(page1[len(page1)-1].PublishedAt.Add(time.Second)),
		"pages should advance backwards in time")

	// Ticker filter narrows both items and total.
	msft, total, err := s.PageNews([]string{"MSFT"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, item := range msft {
		assert.Equal(t, "MSFT", item.Ticker)
	}

	// An out-of-range page is empty but keeps the total.
	empty, total, err := s.PageNews([]string{"MSFT"}, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 3, total)

	// Degenerate page arguments fall back to sane values.
	fallback, _, err := s.PageNews(nil, -1, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, fallback)
}

func TestGetNewsItem(t *testing.T) {
	s := newTestStore(t)
	items := seedNews(t, s, "NVDA", 1)

	got, err := s.GetNewsItem(items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, items[0].Headline, got.Headline)

	_, err = s.GetNewsItem("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneNews(t *testing.T) {
	s := newTestStore(t)
	old := &NewsItem{
		Ticker:      "AAPL",
		Headline:    "Stale story",
		URL:         "https://example.com/stale",
		PublishedAt: time.Now().Add(-60 * 24 * time.Hour),
	}
	_, err := s.InsertNews(old)
	require.NoError(t, err)
	seedNews(t, s, "AAPL", 2)

	pruned, err := s.PruneNews(time.Now().Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	_, err = s.GetNewsItem(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatcherChatIDs(t *testing.T) {
	s := newTestStore(t)

	connected, err := s.CreateUser("connected@example.com", "hash", "Connected")
	require.NoError(t, err)
	require.NoError(t, s.SetTelegramChatID(connected.ID, "chat-1"))

	unconnected, err := s.CreateUser("quiet@example.com", "hash", "Quiet")
	require.NoError(t, err)

	inactive, err := s.CreateUser("gone@example.com", "hash", "Gone")
	require.NoError(t, err)
	require.NoError(t, s.SetTelegramChatID(inactive.ID, "chat-3"))
	require.NoError(t, s.SetUserActive(inactive.ID, false))

	for _, uid := range []string{connected.ID, unconnected.ID, inactive.ID} {
		wl, err := s.CreateWatchlist(uid, "Main", "")
		require.NoError(t, err)
		_, err = s.AddWatchlistItem(wl.ID, uid, "TSLA", "")
		require.NoError(t, err)
	}

	chats, err := s.WatcherChatIDs("tsla")
	require.NoError(t, err)
	assert.Equal(t, []string{"chat-1"}, chats)

	// A ticker nobody watches has no audience.
	chats, err = s.WatcherChatIDs("AMZN")
	require.NoError(t, err)
	assert.Empty(t, chats)
}
