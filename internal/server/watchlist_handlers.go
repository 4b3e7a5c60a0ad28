package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketatlas/internal/logging"
	"marketatlas/internal/marketdata"
	"marketatlas/internal/store"
)

type watchlistCreateRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type watchlistUpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type watchlistItemRequest struct {
	Ticker string `json:"ticker" binding:"required"`
	Notes  string `json:"notes"`
}

type watchlistItemResponse struct {
	ID      string       `json:"id"`
	Ticker  string       `json:"ticker"`
	Notes   string       `json:"notes"`
	AddedAt time.Time    `json:"added_at"`
	Stock   *store.Stock `json:"stock,omitempty"`
}

type watchlistResponse struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	Items       []watchlistItemResponse `json:"items"`
}

func (s *Server) toWatchlistResponse(w *store.Watchlist) watchlistResponse {
	resp := watchlistResponse{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
		Items:       []watchlistItemResponse{},
	}
	for _, item := range w.Items {
		ir := watchlistItemResponse{
			ID:      item.ID,
			Ticker:  item.Ticker,
			Notes:   item.Notes,
			AddedAt: item.AddedAt,
		}
		if st, err := s.store.GetStock(item.Ticker); err == nil {
			ir.Stock = st
		}
		resp.Items = append(resp.Items, ir)
	}
	return resp
}

func (s *Server) handleListWatchlists(c *gin.Context) {
	lists, err := s.store.ListWatchlists(userID(c))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to list watchlists")
		return
	}
	out := make([]watchlistResponse, 0, len(lists))
	for _, w := range lists {
		out = append(out, s.toWatchlistResponse(w))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateWatchlist(c *gin.Context) {
	var req watchlistCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w, err := s.store.CreateWatchlist(userID(c), req.Name, req.Description)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to create watchlist")
		return
	}
	c.JSON(http.StatusCreated, s.toWatchlistResponse(w))
}

func (s *Server) handleGetWatchlist(c *gin.Context) {
	w, err := s.store.GetWatchlist(c.Param("id"), userID(c))
	if errors.Is(err, store.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "Watchlist not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to load watchlist")
		return
	}
	c.JSON(http.StatusOK, s.toWatchlistResponse(w))
}

func (s *Server) handleUpdateWatchlist(c *gin.Context) {
	var req watchlistUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	w, err := s.store.GetWatchlist(c.Param("id"), userID(c))
	if errors.Is(err, store.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "Watchlist not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to load watchlist")
		return
	}

	name, description := w.Name, w.Description
	if req.Name != nil {
		name = *req.Name
	}
	if req.Description != nil {
		description = *req.Description
	}
	if err := s.store.UpdateWatchlist(w.ID, userID(c), name, description); err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to update watchlist")
		return
	}

	updated, err := s.store.GetWatchlist(w.ID, userID(c))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to load watchlist")
		return
	}
	c.JSON(http.StatusOK, s.toWatchlistResponse(updated))
}

func (s *Server) handleDeleteWatchlist(c *gin.Context) {
	err := s.store.DeleteWatchlist(c.Param("id"), userID(c))
	if errors.Is(err, store.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "Watchlist not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to delete watchlist")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAddWatchlistItem(c *gin.Context) {
	var req watchlistItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))

	item, err := s.store.AddWatchlistItem(c.Param("id"), userID(c), ticker, req.Notes)
	switch {
	case errors.Is(err, store.ErrNotFound):
		errorJSON(c, http.StatusNotFound, "Watchlist not found")
		return
	case errors.Is(err, store.ErrDuplicate):
		errorJSON(c, http.StatusBadRequest, "Stock already in watchlist")
		return
	case err != nil:
		errorJSON(c, http.StatusInternalServerError, "Failed to add stock")
		return
	}

	stock := s.resolveStock(c.Request.Context(), ticker)

	// Warm up news for the new ticker in the background.
	if s.fetch != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.fetch(ctx, ticker); err != nil {
				logging.APIDebug("Initial news fetch for %s failed: %v", ticker, err)
			}
		}()
	}

	c.JSON(http.StatusCreated, watchlistItemResponse{
		ID:      item.ID,
		Ticker:  item.Ticker,
		Notes:   item.Notes,
		AddedAt: item.AddedAt,
		Stock:   stock,
	})
}

func (s *Server) handleRemoveWatchlistItem(c *gin.Context) {
	err := s.store.RemoveWatchlistItem(c.Param("id"), userID(c), c.Param("ticker"))
	if errors.Is(err, store.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "Stock not found in watchlist")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to remove stock")
		return
	}
	c.Status(http.StatusNoContent)
}

// resolveStock returns the stored stock, creating it from the provider
// profile on first sight.
func (s *Server) resolveStock(ctx context.Context, ticker string) *store.Stock {
	if st, err := s.store.GetStock(ticker); err == nil {
		return st
	}
	stock := &store.Stock{Ticker: ticker}
	if p := s.fetchProfile(ctx, ticker); p != nil {
		stock.CompanyName = p.Name
		stock.Exchange = p.Exchange
		stock.Sector = p.Sector
		stock.Industry = p.Industry
		stock.MarketCap = p.MarketCap
	}
	if err := s.store.UpsertStock(stock); err != nil {
		logging.APIDebug("Failed to save stock %s: %v", ticker, err)
		return nil
	}
	return stock
}

// fetchProfile looks a company profile up through the TTL cache.
func (s *Server) fetchProfile(ctx context.Context, ticker string) *marketdata.CompanyProfile {
	if s.finnhub == nil || !s.finnhub.Enabled() {
		return nil
	}
	cacheKey := "profile:" + ticker
	var cached marketdata.CompanyProfile
	if s.cache.GetJSON(cacheKey, &cached) {
		return &cached
	}
	p, err := s.finnhub.Profile(ctx, ticker)
	if err != nil {
		logging.APIDebug("Profile lookup for %s failed: %v", ticker, err)
		return nil
	}
	_ = s.cache.SetJSON(cacheKey, p)
	return p
}
