package domain

import "time"

// Quota хранит счетчики места и трафика одного пользователя.
// Инвариант: 0 <= StorageUsedBytes <= StorageLimitBytes после каждой
// зафиксированной операции. BandwidthLimitBytes == nil означает
// безлимитный трафик.
type Quota struct {
	ID                  int64     `json:"id" db:"id"`
	OwnerID             string    `json:"owner_id" db:"owner_id"`
	StorageLimitBytes   int64     `json:"storage_limit_bytes" db:"storage_limit_bytes"`
	StorageUsedBytes    int64     `json:"storage_used_bytes" db:"storage_used_bytes"`
	BandwidthLimitBytes *int64    `json:"bandwidth_limit_bytes,omitempty" db:"bandwidth_limit_bytes"`
	BandwidthUsedBytes  int64     `json:"bandwidth_used_bytes" db:"bandwidth_used_bytes"`
	BandwidthResetDate  time.Time `json:"bandwidth_reset_date" db:"bandwidth_reset_date"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// BandwidthUsage хранит накопленный трафик по ключу
// (владелец, год, месяц, тип события). Не более одной строки на ключ.
type BandwidthUsage struct {
	ID        int64     `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Year      int       `json:"year" db:"year"`
	Month     int       `json:"month" db:"month"`
	Kind      EventKind `json:"kind" db:"kind"`
	UsedBytes int64     `json:"used_bytes" db:"used_bytes"`
}

type QuotaInfo struct {
	TotalSpace         int64     `json:"total_space"`
	UsedSpace          int64     `json:"used_space"`
	AvailableSpace     int64     `json:"available_space"`
	UsagePercent       float64   `json:"usage_percent"`
	BandwidthLimit     *int64    `json:"bandwidth_limit,omitempty"`
	BandwidthUsed      int64     `json:"bandwidth_used"`
	BandwidthResetDate time.Time `json:"bandwidth_reset_date"`
}
