package domain

import "time"

type Folder struct {
	ID           int64     `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	ParentID     *int64    `json:"parent_id,omitempty" db:"parent_id"`
	IsPublic     bool      `json:"is_public" db:"is_public"`
	ShareToken   *string   `json:"share_token,omitempty" db:"share_token"`
	PasswordHash *string   `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// FolderListing объединяет папку с видимыми через шаринг ассетами:
// только публичные и не попавшие в корзину.
type FolderListing struct {
	Folder Folder  `json:"folder"`
	Assets []Asset `json:"assets"`
}
