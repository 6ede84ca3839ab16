package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"audiodrive/internal/domain"
)

// errorMessage сводит доменную ошибку к одному из фиксированных текстов.
// Текст несопоставленных ошибок (хранилище, БД) наружу не раскрывается.
func errorMessage(err error) (string, int) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "Not found", http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return "Access denied", http.StatusForbidden
	case errors.Is(err, domain.ErrPasswordRequired):
		return "Password required", http.StatusUnauthorized
	case errors.Is(err, domain.ErrQuotaExceeded):
		return "Quota exceeded", http.StatusPaymentRequired
	case errors.Is(err, domain.ErrGone):
		return "Gone", http.StatusGone
	case errors.Is(err, domain.ErrConflict):
		return "Conflict", http.StatusConflict
	default:
		return "Internal server error", http.StatusInternalServerError
	}
}

// writeError переводит доменную ошибку в HTTP-статус.
func writeError(w http.ResponseWriter, err error) {
	msg, status := errorMessage(err)
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
