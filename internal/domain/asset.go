package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// LifecycleState задает явное состояние жизненного цикла ассета.
// Отдельный тип вместо разрозненных флагов, чтобы переходы
// в свипере были исчерпывающими и проверяемыми.
type LifecycleState string

const (
	StateActive  LifecycleState = "active"
	StateTrashed LifecycleState = "trashed"
)

// EventKind задает тип события доступа для учета трафика.
type EventKind string

const (
	EventView     EventKind = "view"
	EventDownload EventKind = "download"
	EventStream   EventKind = "stream"
)

// Ключи метаданных, проставляемые при клонировании.
const (
	MetaClonedFrom    = "cloned_from"
	MetaOriginalOwner = "original_owner"
)

type Asset struct {
	UUID         uuid.UUID      `json:"uuid" db:"uuid"`
	Name         string         `json:"name" db:"name"`
	MIMEType     string         `json:"mime_type" db:"mime_type"`
	SizeBytes    int64          `json:"size_bytes" db:"size_bytes"`
	FolderID     *int64         `json:"folder_id,omitempty" db:"folder_id"`
	OwnerID      string         `json:"owner_id" db:"owner_id"`
	IsPublic     bool           `json:"is_public" db:"is_public"`
	IsActive     bool           `json:"is_active" db:"is_active"`
	ShareToken   *string        `json:"share_token,omitempty" db:"share_token"`
	PasswordHash *string        `json:"-" db:"password_hash"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	Views        int64          `json:"views" db:"views"`
	Downloads    int64          `json:"downloads" db:"downloads"`
	Likes        int64          `json:"likes" db:"likes"`
	Metadata     types.JSONText `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

func (a *Asset) State() LifecycleState {
	if a.DeletedAt != nil {
		return StateTrashed
	}
	return StateActive
}

// Expired сообщает, истек ли срок жизни ассета на момент now.
func (a *Asset) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}

// Meta разбирает JSON-метаданные. Для пустых метаданных возвращает
// пустую карту.
func (a *Asset) Meta() map[string]interface{} {
	m := make(map[string]interface{})
	if len(a.Metadata) == 0 {
		return m
	}
	if err := json.Unmarshal(a.Metadata, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

// AssetUpload содержит входные данные загрузки нового ассета.
type AssetUpload struct {
	Name     string
	MIMEType string
	Size     int64
	FolderID *int64
	IsPublic bool
}

// TrashItem представляет элемент корзины (soft-deleted ассет).
type TrashItem struct {
	UUID      uuid.UUID `json:"uuid" db:"uuid"`
	Name      string    `json:"name" db:"name"`
	MIMEType  string    `json:"mime_type" db:"mime_type"`
	SizeBytes int64     `json:"size_bytes" db:"size_bytes"`
	DeletedAt time.Time `json:"deleted_at" db:"deleted_at"`
	PurgeAt   time.Time `json:"purge_at" db:"purge_at"`
}

// TrashSettings хранит настройки корзины пользователя.
type TrashSettings struct {
	ID              int64     `json:"id" db:"id"`
	OwnerID         string    `json:"owner_id" db:"owner_id"`
	RetentionPeriod string    `json:"retention_period" db:"retention_period"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}
