package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"

	"audiodrive/internal/domain"
)

// Лимит хранилища по умолчанию для нового пользователя.
const DefaultStorageLimit = int64(5368709120) // 5GB

type QuotaRepository struct {
	db *sqlx.DB
}

func NewQuotaRepository(db *sqlx.DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

func (r *QuotaRepository) GetOrCreate(ctx context.Context, ownerID string) (*domain.Quota, error) {
	var quota domain.Quota

	err := r.db.GetContext(ctx, &quota,
		`SELECT * FROM quotas WHERE owner_id = $1`,
		ownerID)

	if err != nil {
		// Если квоты нет, создаем новую с дефолтным лимитом
		if err == sql.ErrNoRows {
			return r.create(ctx, ownerID)
		}
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	return &quota, nil
}

func (r *QuotaRepository) create(ctx context.Context, ownerID string) (*domain.Quota, error) {
	quota := domain.Quota{
		OwnerID:           ownerID,
		StorageLimitBytes: DefaultStorageLimit,
	}

	query := `
        INSERT INTO quotas (owner_id, storage_limit_bytes, storage_used_bytes, bandwidth_reset_date)
        VALUES ($1, $2, 0, date_trunc('month', CURRENT_TIMESTAMP) + interval '1 month')
        ON CONFLICT (owner_id) DO UPDATE SET updated_at = quotas.updated_at
        RETURNING id, storage_used_bytes, bandwidth_used_bytes, bandwidth_reset_date, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query, ownerID, quota.StorageLimitBytes).Scan(
		&quota.ID,
		&quota.StorageUsedBytes,
		&quota.BandwidthUsedBytes,
		&quota.BandwidthResetDate,
		&quota.CreatedAt,
		&quota.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota: %w", err)
	}

	return &quota, nil
}

// Reserve атомарно резервирует место: проверка лимита и инкремент
// счетчика выполняются одним UPDATE, поэтому два конкурентных вызова
// никогда не превысят лимит вдвоем. Возвращает false при нехватке места.
func (r *QuotaRepository) Reserve(ctx context.Context, ownerID string, bytes int64) (bool, error) {
	if _, err := r.GetOrCreate(ctx, ownerID); err != nil {
		return false, err
	}

	query := `
        UPDATE quotas
        SET storage_used_bytes = storage_used_bytes + $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2
          AND storage_used_bytes + $1 <= storage_limit_bytes`

	result, err := r.db.ExecContext(ctx, query, bytes, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to reserve storage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows > 0, nil
}

// Release возвращает место владельцу. Счетчик не уходит ниже нуля.
func (r *QuotaRepository) Release(ctx context.Context, ownerID string, bytes int64) error {
	query := `
        UPDATE quotas
        SET storage_used_bytes = GREATEST(0, storage_used_bytes - $1),
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2`

	result, err := r.db.ExecContext(ctx, query, bytes, ownerID)
	if err != nil {
		return fmt.Errorf("failed to release storage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("quota not found for owner: %s", ownerID)
	}

	return nil
}

// ChargeBandwidth списывает трафик владельца. Строка квоты блокируется
// FOR UPDATE, поэтому списания одного пользователя сериализуются, а
// разные пользователи не конкурируют за общий лок. Возвращает false,
// если лимит установлен и его не хватает; частичных списаний не бывает.
func (r *QuotaRepository) ChargeBandwidth(ctx context.Context, ownerID string, bytes int64, kind domain.EventKind, month, year int) (bool, error) {
	if _, err := r.GetOrCreate(ctx, ownerID); err != nil {
		return false, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var quota domain.Quota
	err = tx.GetContext(ctx, &quota,
		`SELECT * FROM quotas WHERE owner_id = $1 FOR UPDATE`,
		ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to lock quota: %w", err)
	}

	// Просроченный месячный сброс применяется под тем же локом до проверки
	// лимита, не дожидаясь прохода свипера.
	now := time.Now()
	if quota.BandwidthResetDate.Before(now) {
		next := quota.BandwidthResetDate
		for !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
		_, err = tx.ExecContext(ctx, `
        UPDATE quotas
        SET bandwidth_used_bytes = 0,
            bandwidth_reset_date = $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2`,
			next, ownerID)
		if err != nil {
			return false, fmt.Errorf("failed to rollover bandwidth: %w", err)
		}
		quota.BandwidthUsedBytes = 0
	}

	if quota.BandwidthLimitBytes != nil &&
		quota.BandwidthUsedBytes+bytes > *quota.BandwidthLimitBytes {
		return false, nil
	}

	// Накапливаем строку учета по ключу (владелец, год, месяц, тип события).
	// Конкурентные списания по одному ключу суммируются, а не затирают друг друга.
	_, err = tx.ExecContext(ctx, `
        INSERT INTO bandwidth_usage (owner_id, year, month, kind, used_bytes)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (owner_id, year, month, kind)
        DO UPDATE SET used_bytes = bandwidth_usage.used_bytes + EXCLUDED.used_bytes`,
		ownerID, year, month, kind, bytes)
	if err != nil {
		return false, fmt.Errorf("failed to upsert bandwidth usage: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE quotas
        SET bandwidth_used_bytes = bandwidth_used_bytes + $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2`,
		bytes, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to update bandwidth counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// Rollover сбрасывает месячный счетчик трафика, если дата сброса прошла.
// Условие в WHERE гарантирует ровно один сброс на переход даты.
func (r *QuotaRepository) Rollover(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var quota domain.Quota
	err = tx.GetContext(ctx, &quota,
		`SELECT * FROM quotas WHERE owner_id = $1 AND bandwidth_reset_date < $2 FOR UPDATE`,
		ownerID, now)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to lock quota: %w", err)
	}

	// Дата сброса двигается помесячно до первой даты в будущем,
	// чтобы пережить несколько пропущенных месяцев одним вызовом.
	next := quota.BandwidthResetDate
	for !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE quotas
        SET bandwidth_used_bytes = 0,
            bandwidth_reset_date = $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2`,
		next, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to rollover bandwidth: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// ListRolloverDue возвращает владельцев, которым пора сбросить трафик.
func (r *QuotaRepository) ListRolloverDue(ctx context.Context, now time.Time) ([]string, error) {
	var owners []string
	err := r.db.SelectContext(ctx, &owners,
		`SELECT owner_id FROM quotas WHERE bandwidth_reset_date < $1`,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due rollovers: %w", err)
	}
	return owners, nil
}

func (r *QuotaRepository) UpdateQuotaLimit(ctx context.Context, ownerID string, newLimit int64) error {
	query := `
        UPDATE quotas
        SET storage_limit_bytes = $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2`

	result, err := r.db.ExecContext(ctx, query, newLimit, ownerID)
	if err != nil {
		return fmt.Errorf("failed to update quota limit: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("quota not found for owner: %s", ownerID)
	}

	return nil
}

func (r *QuotaRepository) UpdateBandwidthLimit(ctx context.Context, ownerID string, newLimit *int64) error {
	query := `
        UPDATE quotas
        SET bandwidth_limit_bytes = $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $2`

	result, err := r.db.ExecContext(ctx, query, newLimit, ownerID)
	if err != nil {
		return fmt.Errorf("failed to update bandwidth limit: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("quota not found for owner: %s", ownerID)
	}

	return nil
}

// RecalculateUsedSpace пересчитывает занятое место из живых строк ассетов.
// Страховка на случай рассинхронизации счетчика: storage_used_bytes должен
// совпадать с суммой размеров не удаленных ассетов владельца.
func (r *QuotaRepository) RecalculateUsedSpace(ctx context.Context, ownerID string) error {
	if _, err := r.GetOrCreate(ctx, ownerID); err != nil {
		return err
	}

	query := `
        UPDATE quotas q
        SET storage_used_bytes = COALESCE((
                SELECT SUM(a.size_bytes)
                FROM assets a
                WHERE a.owner_id = q.owner_id
                  AND a.deleted_at IS NULL
            ), 0),
            updated_at = CURRENT_TIMESTAMP
        WHERE q.owner_id = $1`

	result, err := r.db.ExecContext(ctx, query, ownerID)
	if err != nil {
		log.Printf("[QuotaRepository] failed to recalculate used space for %s: %v", ownerID, err)
		return fmt.Errorf("failed to recalculate used space: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("quota not found for owner: %s", ownerID)
	}

	return nil
}
