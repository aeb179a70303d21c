package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"taskpulse/internal/core/contracts"
	"taskpulse/internal/core/services"
	"taskpulse/pkg/middleware"
)

// AuthHandler issues and revokes credentials for local development. In a
// real deployment tokens come from the external users service; the revoke
// route is the operational kill switch for a leaked token.
type AuthHandler struct {
	tokenSvc *services.TokenService
	revoked  contracts.RevocationStore
}

func NewAuthHandler(t *services.TokenService, revoked contracts.RevocationStore) *AuthHandler {
	return &AuthHandler{tokenSvc: t, revoked: revoked}
}

func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	log, _ := r.Context().Value(middleware.LoggerKey).(*slog.Logger)
	if log == nil {
		log = slog.Default()
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		log.ErrorContext(r.Context(), "auth handler - issue token - bad request")
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	token, err := h.tokenSvc.GenerateToken(req.UserID)
	if err != nil {
		log.ErrorContext(r.Context(), "auth handler - issue token failed", "user_id", req.UserID)
		http.Error(w, "failed to generate token", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"token": token})
	log.InfoContext(r.Context(), "auth handler - issue token success", "user_id", req.UserID)
}

func (h *AuthHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	log, _ := r.Context().Value(middleware.LoggerKey).(*slog.Logger)
	if log == nil {
		log = slog.Default()
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	claims, err := h.tokenSvc.ValidateToken(req.Token)
	if err != nil {
		// Unverifiable tokens need no revocation entry.
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.revoked.Revoke(r.Context(), claims.TokenID, time.Until(claims.ExpiresAt)); err != nil {
		log.ErrorContext(r.Context(), "auth handler - revoke token failed", "user_id", claims.Subject, "err", err)
		http.Error(w, "failed to revoke token", http.StatusInternalServerError)
		return
	}
	log.InfoContext(r.Context(), "auth handler - revoke token success", "user_id", claims.Subject)
	w.WriteHeader(http.StatusOK)
}
