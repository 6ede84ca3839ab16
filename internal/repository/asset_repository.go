package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"audiodrive/internal/domain"
)

const pqUniqueViolation = "23505"

type AssetRepository struct {
	db *sqlx.DB
}

func NewAssetRepository(db *sqlx.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

// Create резервирует квоту и вставляет строку ассета в одной транзакции:
// при падении процесса между шагами квота не утекает. При нехватке места
// возвращает domain.ErrQuotaExceeded, не оставляя никаких побочных эффектов.
func (r *AssetRepository) Create(ctx context.Context, asset *domain.Asset) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Строка квоты должна существовать до условного UPDATE
	_, err = tx.ExecContext(ctx, `
        INSERT INTO quotas (owner_id, storage_limit_bytes, storage_used_bytes, bandwidth_reset_date)
        VALUES ($1, $2, 0, date_trunc('month', CURRENT_TIMESTAMP) + interval '1 month')
        ON CONFLICT (owner_id) DO NOTHING`,
		asset.OwnerID, DefaultStorageLimit)
	if err != nil {
		return fmt.Errorf("failed to ensure quota row: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
        UPDATE quotas
        SET storage_used_bytes = storage_used_bytes + $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2
          AND storage_used_bytes + $1 <= storage_limit_bytes`,
		asset.SizeBytes, asset.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to reserve storage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return domain.ErrQuotaExceeded
	}

	metadata := asset.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}

	query := `
        INSERT INTO assets (uuid, name, mime_type, size_bytes, folder_id, owner_id, is_public, is_active, expires_at, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, $9)
        RETURNING is_active, created_at, updated_at`

	err = tx.QueryRowContext(ctx, query,
		asset.UUID,
		asset.Name,
		asset.MIMEType,
		asset.SizeBytes,
		asset.FolderID,
		asset.OwnerID,
		asset.IsPublic,
		asset.ExpiresAt,
		metadata,
	).Scan(&asset.IsActive, &asset.CreatedAt, &asset.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert asset: %w", err)
	}

	return tx.Commit()
}

func (r *AssetRepository) GetByUUID(ctx context.Context, id uuid.UUID) (*domain.Asset, error) {
	var asset domain.Asset
	err := r.db.GetContext(ctx, &asset, `SELECT * FROM assets WHERE uuid = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return &asset, nil
}

func (r *AssetRepository) GetByToken(ctx context.Context, token string) (*domain.Asset, error) {
	var asset domain.Asset
	err := r.db.GetContext(ctx, &asset, `SELECT * FROM assets WHERE share_token = $1`, token)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get asset by token: %w", err)
	}
	return &asset, nil
}

func (r *AssetRepository) Rename(ctx context.Context, id uuid.UUID, newName string) error {
	return r.metadataUpdate(ctx, id,
		`UPDATE assets SET name = $1, updated_at = CURRENT_TIMESTAMP WHERE uuid = $2 AND deleted_at IS NULL`,
		newName, id)
}

// Move меняет папку ассета. Метаданные, квота не затрагивается.
func (r *AssetRepository) Move(ctx context.Context, id uuid.UUID, folderID *int64) error {
	return r.metadataUpdate(ctx, id,
		`UPDATE assets SET folder_id = $1, updated_at = CURRENT_TIMESTAMP WHERE uuid = $2 AND deleted_at IS NULL`,
		folderID, id)
}

func (r *AssetRepository) SetVisibility(ctx context.Context, id uuid.UUID, isPublic bool) error {
	return r.metadataUpdate(ctx, id,
		`UPDATE assets SET is_public = $1, updated_at = CURRENT_TIMESTAMP WHERE uuid = $2 AND deleted_at IS NULL`,
		isPublic, id)
}

func (r *AssetRepository) SetExpiration(ctx context.Context, id uuid.UUID, expiresAt *time.Time) error {
	return r.metadataUpdate(ctx, id,
		`UPDATE assets SET expires_at = $1, updated_at = CURRENT_TIMESTAMP WHERE uuid = $2 AND deleted_at IS NULL`,
		expiresAt, id)
}

func (r *AssetRepository) SetPassword(ctx context.Context, id uuid.UUID, passwordHash *string) error {
	return r.metadataUpdate(ctx, id,
		`UPDATE assets SET password_hash = $1, updated_at = CURRENT_TIMESTAMP WHERE uuid = $2 AND deleted_at IS NULL`,
		passwordHash, id)
}

func (r *AssetRepository) metadataUpdate(ctx context.Context, id uuid.UUID, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetSharing выставляет или снимает токен шаринга ассета. Глобальная
// уникальность токена между ассетами и папками обеспечивается таблицей
// share_tokens; коллизия возвращается как domain.ErrConflict, чтобы
// сервис повторил попытку с новым токеном. Старый токен гаснет сразу.
func (r *AssetRepository) SetSharing(ctx context.Context, id uuid.UUID, token *string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT share_token FROM assets WHERE uuid = $1 AND deleted_at IS NULL FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to lock asset: %w", err)
	}

	if current.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM share_tokens WHERE token = $1`, current.String); err != nil {
			return fmt.Errorf("failed to drop old token: %w", err)
		}
	}

	if token != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO share_tokens (token, resource_type, resource_id) VALUES ($1, 'asset', $2)`,
			*token, id.String())
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
				return domain.ErrConflict
			}
			return fmt.Errorf("failed to register token: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE assets SET share_token = $1, updated_at = CURRENT_TIMESTAMP WHERE uuid = $2`,
		token, id)
	if err != nil {
		return fmt.Errorf("failed to update share token: %w", err)
	}

	return tx.Commit()
}

// SoftDelete помечает ассет удаленным и в той же транзакции возвращает его
// байты в квоту владельца. Условие deleted_at IS NULL делает операцию
// идемпотентной: повторный вызов не трогает счетчики и возвращает 0.
func (r *AssetRepository) SoftDelete(ctx context.Context, id uuid.UUID, now time.Time) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		size    int64
		ownerID string
	)
	err = tx.QueryRowContext(ctx, `
        UPDATE assets
        SET deleted_at = $2, updated_at = CURRENT_TIMESTAMP
        WHERE uuid = $1 AND deleted_at IS NULL
        RETURNING size_bytes, owner_id`,
		id, now).Scan(&size, &ownerID)
	if err != nil {
		if err == sql.ErrNoRows {
			// Уже в корзине или не существует
			return 0, nil
		}
		return 0, fmt.Errorf("failed to soft delete asset: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE quotas
        SET storage_used_bytes = GREATEST(0, storage_used_bytes - $1),
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2`,
		size, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to release storage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return size, nil
}

// Restore возвращает ассет из корзины, заново резервируя квоту. Если
// владелец успел занять место, возвращает domain.ErrQuotaExceeded.
func (r *AssetRepository) Restore(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var asset domain.Asset
	err = tx.GetContext(ctx, &asset, `SELECT * FROM assets WHERE uuid = $1 FOR UPDATE`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to lock asset: %w", err)
	}

	if asset.DeletedAt == nil {
		return nil
	}

	result, err := tx.ExecContext(ctx, `
        UPDATE quotas
        SET storage_used_bytes = storage_used_bytes + $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2
          AND storage_used_bytes + $1 <= storage_limit_bytes`,
		asset.SizeBytes, asset.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to reserve storage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return domain.ErrQuotaExceeded
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE assets
        SET deleted_at = NULL, updated_at = CURRENT_TIMESTAMP
        WHERE uuid = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to restore asset: %w", err)
	}

	return tx.Commit()
}

// HardPurge окончательно удаляет строку ассета из корзины и возвращает
// число байт для физической очистки блоба. Квота не трогается: байты
// были возвращены владельцу еще при soft delete.
func (r *AssetRepository) HardPurge(ctx context.Context, id uuid.UUID) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		size  int64
		token sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
        DELETE FROM assets
        WHERE uuid = $1 AND deleted_at IS NOT NULL
        RETURNING size_bytes, share_token`,
		id).Scan(&size, &token)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("failed to purge asset: %w", err)
	}

	if token.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM share_tokens WHERE token = $1`, token.String); err != nil {
			return 0, fmt.Errorf("failed to drop token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return size, nil
}

// Счетчики просмотров и скачиваний ведутся по принципу best-effort и
// не участвуют в инвариантах квоты.

func (r *AssetRepository) IncrementViews(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE assets SET views = views + 1 WHERE uuid = $1`, id)
	return err
}

func (r *AssetRepository) IncrementDownloads(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE assets SET downloads = downloads + 1 WHERE uuid = $1`, id)
	return err
}

func (r *AssetRepository) IncrementLikes(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE assets SET likes = likes + 1 WHERE uuid = $1`, id)
	return err
}

func (r *AssetRepository) ListByOwner(ctx context.Context, ownerID string, folderID *int64) ([]domain.Asset, error) {
	var assets []domain.Asset
	var err error

	if folderID != nil {
		err = r.db.SelectContext(ctx, &assets,
			`SELECT * FROM assets WHERE owner_id = $1 AND folder_id = $2 AND deleted_at IS NULL ORDER BY name`,
			ownerID, *folderID)
	} else {
		err = r.db.SelectContext(ctx, &assets,
			`SELECT * FROM assets WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY name`,
			ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return assets, nil
}

// ListPublicByFolder возвращает видимое через шаринг содержимое папки:
// только публичные и не удаленные ассеты.
func (r *AssetRepository) ListPublicByFolder(ctx context.Context, folderID int64) ([]domain.Asset, error) {
	var assets []domain.Asset
	err := r.db.SelectContext(ctx, &assets, `
        SELECT * FROM assets
        WHERE folder_id = $1 AND is_public = true AND deleted_at IS NULL
        ORDER BY name`,
		folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder assets: %w", err)
	}
	return assets, nil
}

// ListExpired выбирает живые ассеты с истекшим сроком для свипера.
func (r *AssetRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Asset, error) {
	var assets []domain.Asset
	err := r.db.SelectContext(ctx, &assets, `
        SELECT * FROM assets
        WHERE expires_at IS NOT NULL AND expires_at < $1 AND deleted_at IS NULL
        ORDER BY expires_at
        LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired assets: %w", err)
	}
	return assets, nil
}

// ListPurgeable выбирает ассеты, пролежавшие в корзине дольше периода
// хранения владельца (по умолчанию 720 часов).
func (r *AssetRepository) ListPurgeable(ctx context.Context, now time.Time, limit int) ([]domain.Asset, error) {
	var assets []domain.Asset
	err := r.db.SelectContext(ctx, &assets, `
        SELECT a.* FROM assets a
        LEFT JOIN trash_settings ts ON ts.owner_id = a.owner_id
        WHERE a.deleted_at IS NOT NULL
          AND a.deleted_at + COALESCE(ts.retention_period, interval '720 hours') < $1
        ORDER BY a.deleted_at
        LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purgeable assets: %w", err)
	}
	return assets, nil
}
