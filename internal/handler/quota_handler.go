package handler

import (
	"encoding/json"
	"net/http"

	"audiodrive/internal/auth"
	"audiodrive/internal/service"
)

type QuotaHandler struct {
	quotaService *service.QuotaService
}

func NewQuotaHandler(quotaService *service.QuotaService) *QuotaHandler {
	return &QuotaHandler{quotaService: quotaService}
}

// GetQuota возвращает состояние квоты пользователя: лимиты, занятое
// место и трафик текущего месяца.
func (h *QuotaHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	info, err := h.quotaService.GetQuotaInfo(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// UpdateLimits меняет лимиты квоты. Ручка административная: тарифный
// план применяет внешний биллинг от имени пользователя.
func (h *QuotaHandler) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		StorageLimitBytes   *int64 `json:"storage_limit_bytes"`
		BandwidthLimitBytes *int64 `json:"bandwidth_limit_bytes"`
		UnlimitedBandwidth  bool   `json:"unlimited_bandwidth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.StorageLimitBytes != nil {
		if *req.StorageLimitBytes <= 0 {
			http.Error(w, "Storage limit must be positive", http.StatusBadRequest)
			return
		}
		if err := h.quotaService.UpdateQuotaLimit(r.Context(), userID, *req.StorageLimitBytes); err != nil {
			writeError(w, err)
			return
		}
	}

	if req.UnlimitedBandwidth {
		if err := h.quotaService.UpdateBandwidthLimit(r.Context(), userID, nil); err != nil {
			writeError(w, err)
			return
		}
	} else if req.BandwidthLimitBytes != nil {
		if err := h.quotaService.UpdateBandwidthLimit(r.Context(), userID, req.BandwidthLimitBytes); err != nil {
			writeError(w, err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// Recalculate пересчитывает занятое место по фактическим записям
// ассетов. Ремонтная ручка на случай рассинхрона леджера.
func (h *QuotaHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.quotaService.RecalculateUsedSpace(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}

	info, err := h.quotaService.GetQuotaInfo(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}
