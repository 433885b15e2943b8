package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/btimofeyev/dewey/internal/store"
)

// dbContext returns a request-scoped context bounded by the query timeout
func (h *HTTPServer) dbContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.config.Database.GetQueryTimeoutDuration())
}

// observe records a store query duration metric
func (h *HTTPServer) observe(query string, start time.Time) {
	h.metrics.RecordStoreQuery(query, time.Since(start).Seconds())
}

// createProfileRequest is the POST /v1/profiles payload
type createProfileRequest struct {
	Name       string `json:"name"`
	BirthYear  int    `json:"birth_year"`
	DailyQuota int    `json:"daily_quota"`
}

// handleCreateProfile implements POST /v1/profiles
func (h *HTTPServer) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	currentYear := time.Now().Year()
	if req.BirthYear < currentYear-18 || req.BirthYear > currentYear {
		respondError(w, http.StatusBadRequest, "birth_year out of range")
		return
	}

	if req.DailyQuota <= 0 {
		req.DailyQuota = h.config.Session.DefaultDailyQuota
	}

	ctx, cancel := h.dbContext(r)
	defer cancel()
	defer h.observe("insert_profile", time.Now())

	id, err := store.InsertProfile(ctx, h.db, store.InsertProfileParams{
		Name:       req.Name,
		BirthYear:  req.BirthYear,
		DailyQuota: req.DailyQuota,
	})
	if err != nil {
		h.logger.Error("Failed to create profile", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "could not create profile")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleGetProfile implements GET /v1/profiles/{id}
func (h *HTTPServer) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")

	ctx, cancel := h.dbContext(r)
	defer cancel()
	defer h.observe("get_profile", time.Now())

	profile, err := store.GetProfile(ctx, h.db, profileID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "profile not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load profile",
			slog.String("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "could not load profile")
		return
	}

	respondJSON(w, http.StatusOK, profile)
}

// handleListQuestions implements GET /v1/profiles/{id}/questions
func (h *HTTPServer) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	ctx, cancel := h.dbContext(r)
	defer cancel()
	defer h.observe("list_questions", time.Now())

	questions, err := store.ListQuestions(ctx, h.db, profileID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list questions",
			slog.String("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "could not load question history")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"profile_id": profileID,
		"count":      len(questions),
		"questions":  questions,
	})
}

// handleAddFavorite implements PUT /v1/profiles/{id}/favorites/{questionID}
func (h *HTTPServer) handleAddFavorite(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")
	questionID := chi.URLParam(r, "questionID")

	ctx, cancel := h.dbContext(r)
	defer cancel()
	defer h.observe("add_favorite", time.Now())

	// Reject favorites of questions that do not exist or belong elsewhere
	question, err := store.GetQuestion(ctx, h.db, questionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && question.ProfileID != profileID) {
		respondError(w, http.StatusNotFound, "question not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load question for favorite",
			slog.String("question_id", questionID),
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "could not add favorite")
		return
	}

	if _, err := store.AddFavorite(ctx, h.db, profileID, questionID); err != nil {
		h.logger.Error("Failed to add favorite",
			slog.String("profile_id", profileID),
			slog.String("question_id", questionID),
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "could not add favorite")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveFavorite implements DELETE /v1/profiles/{id}/favorites/{questionID}
func (h *HTTPServer) handleRemoveFavorite(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")
	questionID := chi.URLParam(r, "questionID")

	ctx, cancel := h.dbContext(r)
	defer cancel()
	defer h.observe("remove_favorite", time.Now())

	// Removing an absent favorite is not an error
	if _, err := store.RemoveFavorite(ctx, h.db, profileID, questionID); err != nil {
		h.logger.Error("Failed to remove favorite",
			slog.String("profile_id", profileID),
			slog.String("question_id", questionID),
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "could not remove favorite")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListFavorites implements GET /v1/profiles/{id}/favorites
func (h *HTTPServer) handleListFavorites(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	ctx, cancel := h.dbContext(r)
	defer cancel()
	defer h.observe("list_favorites", time.Now())

	favorites, err := store.ListFavorites(ctx, h.db, profileID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list favorites",
			slog.String("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "could not load favorites")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"profile_id": profileID,
		"count":      len(favorites),
		"favorites":  favorites,
	})
}

// handleExplore implements GET /v1/explore
func (h *HTTPServer) handleExplore(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	age := queryInt(r, "age", 0)

	ctx, cancel := h.dbContext(r)
	defer cancel()
	defer h.observe("list_explore", time.Now())

	items, err := store.ListExploreItems(ctx, h.db, category, age, 50)
	if err != nil {
		h.logger.Error("Failed to list explore items",
			slog.String("category", category),
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "could not load explore feed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(items),
		"items": items,
	})
}

// handleDashboard implements GET /v1/profiles/{id}/dashboard
func (h *HTTPServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")
	days := queryInt(r, "days", 7)
	if days > 90 {
		days = 90
	}

	ctx, cancel := h.dbContext(r)
	defer cancel()
	defer h.observe("get_dashboard", time.Now())

	if _, err := store.GetProfile(ctx, h.db, profileID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "profile not found")
			return
		}
		h.logger.Error("Failed to load profile for dashboard",
			slog.String("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "could not load dashboard")
		return
	}

	dashboard, err := store.GetDashboard(ctx, h.db, profileID, days)
	if err != nil {
		h.logger.Error("Failed to build dashboard",
			slog.String("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		respondError(w, http.StatusInternalServerError, "could not load dashboard")
		return
	}

	respondJSON(w, http.StatusOK, dashboard)
}

// queryInt parses an integer query parameter with a fallback
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
