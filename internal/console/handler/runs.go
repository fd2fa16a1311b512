package handler

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/audit"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/console/service"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/report"
)

type RunHandler struct {
	service *service.RunService
	logger  *zap.Logger
}

func NewRunHandler(s *service.RunService, logger *zap.Logger) *RunHandler {
	return &RunHandler{service: s, logger: logger}
}

// RunResponse — то же, что CLI пишет в каталог прогона, одним документом.
type RunResponse struct {
	RunID    string          `json:"run_id"`
	Badge    report.Badge    `json:"badge"`
	Receipts []audit.Receipt `json:"receipts"`
	Anchor   *audit.Anchor   `json:"anchor,omitempty"`
}

// Create прогоняет flight log из тела запроса (JSONL).
// POST /v1/runs?profile=strict&policy_sim=true&anchor=true
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.RunRequest{Profile: q.Get("profile")}
	var err error
	if req.PolicySim, err = queryBool(q.Get("policy_sim")); err != nil {
		writeError(w, http.StatusBadRequest, "policy_sim must be a boolean")
		return
	}
	if req.Anchor, err = queryBool(q.Get("anchor")); err != nil {
		writeError(w, http.StatusBadRequest, "anchor must be a boolean")
		return
	}

	res, err := h.service.Record(r.Context(), r.Body, req)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, service.ErrBadRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "flight log too large")
		default:
			h.logger.Error("run failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "run failed")
		}
		return
	}

	receipts := res.Receipts
	if receipts == nil {
		receipts = []audit.Receipt{}
	}
	writeJSON(w, http.StatusOK, RunResponse{
		RunID:    res.RunID,
		Badge:    res.Badge,
		Receipts: receipts,
		Anchor:   res.Anchor,
	})
}

// Profiles — GET /v1/profiles
func (h *RunHandler) Profiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"profiles": h.service.Profiles()})
}

func queryBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
