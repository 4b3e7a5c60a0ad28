package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"marketatlas/internal/marketdata"
	"marketatlas/internal/store"
)

func (s *Server) handleSearchStocks(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		errorJSON(c, http.StatusUnprocessableEntity, "query parameter q required")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if limit < 1 || limit > 50 {
		limit = 10
	}
	if s.finnhub == nil || !s.finnhub.Enabled() {
		errorJSON(c, http.StatusServiceUnavailable, "Stock search is not configured")
		return
	}

	// Symbol search results barely change; cache per query.
	cacheKey := "search:" + strings.ToLower(query)
	var cached []marketdata.SymbolMatch
	if s.cache.GetJSON(cacheKey, &cached) {
		c.JSON(http.StatusOK, clampMatches(cached, limit))
		return
	}

	matches, err := s.finnhub.Search(c.Request.Context(), query, 50)
	if err != nil {
		errorJSON(c, http.StatusBadGateway, "Stock search failed")
		return
	}
	_ = s.cache.SetJSON(cacheKey, matches)
	c.JSON(http.StatusOK, clampMatches(matches, limit))
}

func clampMatches(matches []marketdata.SymbolMatch, limit int) []marketdata.SymbolMatch {
	if matches == nil {
		matches = []marketdata.SymbolMatch{}
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func (s *Server) handleGetStock(c *gin.Context) {
	ticker := strings.ToUpper(strings.TrimSpace(c.Param("ticker")))
	stock, err := s.store.GetStock(ticker)
	if errors.Is(err, store.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "Stock not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to load stock")
		return
	}
	c.JSON(http.StatusOK, stock)
}
