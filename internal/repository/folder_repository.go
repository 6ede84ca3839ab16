package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"audiodrive/internal/domain"
)

type FolderRepository struct {
	db *sqlx.DB
}

func NewFolderRepository(db *sqlx.DB) *FolderRepository {
	return &FolderRepository{db: db}
}

func (r *FolderRepository) Create(ctx context.Context, folder *domain.Folder) error {
	query := `
        INSERT INTO folders (name, owner_id, parent_id, is_public)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		folder.Name,
		folder.OwnerID,
		folder.ParentID,
		folder.IsPublic,
	).Scan(&folder.ID, &folder.CreatedAt, &folder.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create folder: %w", err)
	}

	return nil
}

func (r *FolderRepository) GetByID(ctx context.Context, id int64) (*domain.Folder, error) {
	var folder domain.Folder
	err := r.db.GetContext(ctx, &folder, `SELECT * FROM folders WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return &folder, nil
}

func (r *FolderRepository) GetByToken(ctx context.Context, token string) (*domain.Folder, error) {
	var folder domain.Folder
	err := r.db.GetContext(ctx, &folder, `SELECT * FROM folders WHERE share_token = $1`, token)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get folder by token: %w", err)
	}
	return &folder, nil
}

func (r *FolderRepository) Rename(ctx context.Context, id int64, newName string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE folders SET name = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		newName, id)
	if err != nil {
		return fmt.Errorf("failed to rename folder: %w", err)
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

// IsInSubtree проверяет, лежит ли candidate в поддереве root. Используется
// для запрета циклов при перемещении папок.
func (r *FolderRepository) IsInSubtree(ctx context.Context, candidate, root int64) (bool, error) {
	var found bool
	query := `
        WITH RECURSIVE subtree AS (
            SELECT id FROM folders WHERE id = $1
            UNION ALL
            SELECT f.id FROM folders f
            INNER JOIN subtree s ON f.parent_id = s.id
        )
        SELECT EXISTS(SELECT 1 FROM subtree WHERE id = $2)`

	if err := r.db.GetContext(ctx, &found, query, root, candidate); err != nil {
		return false, fmt.Errorf("failed to check folder subtree: %w", err)
	}
	return found, nil
}

// Move переносит папку под нового родителя. Циклы запрещены: папку
// нельзя перенести в собственное поддерево.
func (r *FolderRepository) Move(ctx context.Context, id int64, parentID *int64) error {
	if parentID != nil {
		inSubtree, err := r.IsInSubtree(ctx, *parentID, id)
		if err != nil {
			return err
		}
		if inSubtree {
			return domain.ErrConflict
		}
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE folders SET parent_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		parentID, id)
	if err != nil {
		return fmt.Errorf("failed to move folder: %w", err)
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

func (r *FolderRepository) SetVisibility(ctx context.Context, id int64, isPublic bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE folders SET is_public = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		isPublic, id)
	if err != nil {
		return fmt.Errorf("failed to update folder visibility: %w", err)
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

func (r *FolderRepository) SetPassword(ctx context.Context, id int64, passwordHash *string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE folders SET password_hash = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		passwordHash, id)
	if err != nil {
		return fmt.Errorf("failed to update folder password: %w", err)
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

// SetSharing работает так же, как одноименный метод AssetRepository:
// токен регистрируется в общей таблице share_tokens, коллизия дает ErrConflict.
func (r *FolderRepository) SetSharing(ctx context.Context, id int64, token *string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT share_token FROM folders WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to lock folder: %w", err)
	}

	if current.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM share_tokens WHERE token = $1`, current.String); err != nil {
			return fmt.Errorf("failed to drop old token: %w", err)
		}
	}

	if token != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO share_tokens (token, resource_type, resource_id) VALUES ($1, 'folder', $2)`,
			*token, strconv.FormatInt(id, 10))
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
				return domain.ErrConflict
			}
			return fmt.Errorf("failed to register token: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE folders SET share_token = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		token, id)
	if err != nil {
		return fmt.Errorf("failed to update share token: %w", err)
	}

	return tx.Commit()
}

// Delete удаляет папку. Ассеты внутри не каскадируются: связь слабая,
// folder_id у них обнуляется (ON DELETE SET NULL в схеме), дочерние папки
// поднимаются к родителю удаляемой.
func (r *FolderRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		parentID sql.NullInt64
		token    sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT parent_id, share_token FROM folders WHERE id = $1 FOR UPDATE`, id).Scan(&parentID, &token)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to lock folder: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET parent_id = $1, updated_at = CURRENT_TIMESTAMP WHERE parent_id = $2`,
		parentID, id); err != nil {
		return fmt.Errorf("failed to reparent subfolders: %w", err)
	}

	if token.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM share_tokens WHERE token = $1`, token.String); err != nil {
			return fmt.Errorf("failed to drop token: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}

	return tx.Commit()
}

func (r *FolderRepository) ListByOwner(ctx context.Context, ownerID string, parentID *int64) ([]domain.Folder, error) {
	var folders []domain.Folder
	var err error

	if parentID != nil {
		err = r.db.SelectContext(ctx, &folders,
			`SELECT * FROM folders WHERE owner_id = $1 AND parent_id = $2 ORDER BY name`,
			ownerID, *parentID)
	} else {
		err = r.db.SelectContext(ctx, &folders,
			`SELECT * FROM folders WHERE owner_id = $1 AND parent_id IS NULL ORDER BY name`,
			ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}
