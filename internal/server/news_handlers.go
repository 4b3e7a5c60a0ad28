package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketatlas/internal/store"
)

type newsResponse struct {
	ID             string    `json:"id"`
	Ticker         string    `json:"ticker"`
	Headline       string    `json:"headline"`
	Summary        string    `json:"summary"`
	Source         string    `json:"source"`
	URL            string    `json:"url"`
	PublishedAt    time.Time `json:"published_at"`
	Sentiment      string    `json:"sentiment,omitempty"`
	RelevanceScore float64   `json:"relevance_score"`
	Analyzed       bool      `json:"analyzed"`
}

func toNewsResponse(n *store.NewsItem) newsResponse {
	return newsResponse{
		ID:             n.ID,
		Ticker:         n.Ticker,
		Headline:       n.Headline,
		Summary:        n.Summary,
		Source:         n.Source,
		URL:            n.URL,
		PublishedAt:    n.PublishedAt,
		Sentiment:      n.Sentiment,
		RelevanceScore: n.RelevanceScore,
		Analyzed:       n.Analyzed,
	}
}

// handleListNews pages news, filtered by ticker or by all tickers on one of
// the caller's watchlists.
func (s *Server) handleListNews(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	var tickers []string
	if t := c.Query("ticker"); t != "" {
		tickers = []string{t}
	} else if wlID := c.Query("watchlist_id"); wlID != "" {
		wl, err := s.store.GetWatchlist(wlID, userID(c))
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(c, http.StatusNotFound, "Watchlist not found")
			return
		}
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, "Failed to load watchlist")
			return
		}
		if len(wl.Items) == 0 {
			c.JSON(http.StatusOK, gin.H{
				"items": []newsResponse{}, "total": 0,
				"page": page, "page_size": pageSize,
			})
			return
		}
		for _, item := range wl.Items {
			tickers = append(tickers, item.Ticker)
		}
	}

	items, total, err := s.store.PageNews(tickers, page, pageSize)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to list news")
		return
	}
	out := make([]newsResponse, 0, len(items))
	for _, n := range items {
		out = append(out, toNewsResponse(n))
	}
	c.JSON(http.StatusOK, gin.H{
		"items": out, "total": total,
		"page": page, "page_size": pageSize,
	})
}

func (s *Server) handleNewsForTicker(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	items, err := s.store.ListNews(c.Param("ticker"), limit)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to list news")
		return
	}
	out := make([]newsResponse, 0, len(items))
	for _, n := range items {
		out = append(out, toNewsResponse(n))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetNewsItem(c *gin.Context) {
	n, err := s.store.GetNewsItem(c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "News item not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to load news item")
		return
	}
	c.JSON(http.StatusOK, toNewsResponse(n))
}
