package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"portal-auth/internal/auth"
)

// CleanupHandler is the cron-invoked endpoint that purges stale refresh
// tokens and clears elapsed lockouts and expired challenge codes. It is only
// reachable with the shared cron secret; without one configured it pretends
// not to exist.
type CleanupHandler struct {
	repo             *auth.Repository
	logger           *zap.Logger
	cronSecret       string
	refreshRetention time.Duration
	batchSize        int
}

func NewCleanupHandler(repo *auth.Repository, logger *zap.Logger, cronSecret string, refreshRetention time.Duration, batchSize int) *CleanupHandler {
	return &CleanupHandler{
		repo:             repo,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		refreshRetention: refreshRetention,
		batchSize:        batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.repo.CleanupStaleAuthData(r.Context(), h.refreshRetention, h.batchSize)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed",
		zap.Int64("deleted_refresh_tokens", result.DeletedRefreshTokens),
		zap.Int64("cleared_lockouts", result.ClearedLockouts),
		zap.Int64("cleared_challenges", result.ClearedChallenges),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
