package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/console/service"
)

type VerifyHandler struct {
	service *service.VerifyService
	logger  *zap.Logger
}

func NewVerifyHandler(s *service.VerifyService, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{service: s, logger: logger}
}

// Verify проверяет receipts.jsonl из тела. Разрыв цепочки — это данные
// отчета (ok=false), а не ошибка запроса.
// POST /v1/verify
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Verify(r.Context(), r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable receipts: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// VerifyRun проверяет цепочку, сохраненную в БД, и сверяет с анкером.
// GET /v1/runs/{id}/verify
func (h *VerifyHandler) VerifyRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}

	res, err := h.service.VerifyRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, service.ErrNotConfigured) {
			writeError(w, http.StatusNotImplemented, err.Error())
			return
		}
		h.logger.Error("verify run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load chain")
		return
	}
	if res.Report.Total == 0 {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
