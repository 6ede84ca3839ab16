package domain

import "errors"

// Единая таксономия ошибок движка. Наружу никогда не уходят
// сырые ошибки базы данных или блоб-хранилища.
var (
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrPasswordRequired = errors.New("password required")
	ErrGone             = errors.New("gone")
	ErrConflict         = errors.New("conflict")
	ErrInternal         = errors.New("internal error")
)
