package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"audiodrive/internal/domain"
)

// Период хранения в корзине по умолчанию.
const DefaultRetentionPeriod = 720 * time.Hour

type TrashRepository struct {
	db *sqlx.DB
}

func NewTrashRepository(db *sqlx.DB) *TrashRepository {
	return &TrashRepository{db: db}
}

// GetSettings получает настройки корзины пользователя, создавая
// дефолтные при первом обращении.
func (r *TrashRepository) GetSettings(ctx context.Context, ownerID string) (*domain.TrashSettings, error) {
	var settings domain.TrashSettings
	query := `SELECT * FROM trash_settings WHERE owner_id = $1`

	err := r.db.GetContext(ctx, &settings, query, ownerID)
	if err != nil {
		if err := r.createDefaultSettings(ctx, ownerID); err != nil {
			return nil, fmt.Errorf("failed to create default settings: %w", err)
		}
		if err := r.db.GetContext(ctx, &settings, query, ownerID); err != nil {
			return nil, fmt.Errorf("failed to get trash settings: %w", err)
		}
	}

	settings.RetentionPeriod = normalizeInterval(settings.RetentionPeriod)
	return &settings, nil
}

func (r *TrashRepository) createDefaultSettings(ctx context.Context, ownerID string) error {
	query := `
        INSERT INTO trash_settings (owner_id, retention_period)
        VALUES ($1, '720:00:00'::interval)
        ON CONFLICT (owner_id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, ownerID)
	return err
}

// UpdateSettings обновляет период хранения. Принимает Go-длительность
// ("72h") и конвертирует в интервал PostgreSQL.
func (r *TrashRepository) UpdateSettings(ctx context.Context, settings *domain.TrashSettings) error {
	duration, err := time.ParseDuration(settings.RetentionPeriod)
	if err != nil {
		return fmt.Errorf("invalid retention period format: %w", err)
	}
	if duration <= 0 {
		return fmt.Errorf("retention period must be positive")
	}

	totalHours := int(duration.Hours())
	minutes := int(duration.Minutes()) % 60
	seconds := int(duration.Seconds()) % 60
	intervalStr := fmt.Sprintf("%02d:%02d:%02d", totalHours, minutes, seconds)

	query := `
        INSERT INTO trash_settings (owner_id, retention_period)
        VALUES ($1, $2::interval)
        ON CONFLICT (owner_id) DO UPDATE
        SET retention_period = EXCLUDED.retention_period,
            updated_at = CURRENT_TIMESTAMP
        RETURNING updated_at`

	return r.db.QueryRowContext(ctx, query, settings.OwnerID, intervalStr).Scan(&settings.UpdatedAt)
}

// GetTrashItems возвращает содержимое корзины пользователя вместе с
// расчетным моментом окончательного удаления.
func (r *TrashRepository) GetTrashItems(ctx context.Context, ownerID string) ([]domain.TrashItem, error) {
	var items []domain.TrashItem

	query := `
        SELECT
            a.uuid,
            a.name,
            a.mime_type,
            a.size_bytes,
            a.deleted_at,
            a.deleted_at + COALESCE(ts.retention_period, interval '720 hours') AS purge_at
        FROM assets a
        LEFT JOIN trash_settings ts ON ts.owner_id = a.owner_id
        WHERE a.owner_id = $1 AND a.deleted_at IS NOT NULL
        ORDER BY a.deleted_at DESC`

	if err := r.db.SelectContext(ctx, &items, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to get trash items: %w", err)
	}
	return items, nil
}

// normalizeInterval приводит интервал PostgreSQL "HH:MM:SS" к Go-формату
// длительности для фронтенда.
func normalizeInterval(period string) string {
	if period == "" || !strings.Contains(period, ":") {
		return period
	}
	parts := strings.Split(period, ":")
	if len(parts) != 3 {
		return period
	}

	hours, errH := strconv.Atoi(parts[0])
	minutes, errM := strconv.Atoi(parts[1])
	seconds, errS := strconv.Atoi(strings.SplitN(parts[2], ".", 2)[0])
	if errH != nil || errM != nil || errS != nil {
		return period
	}

	switch {
	case seconds == 0 && minutes == 0:
		return fmt.Sprintf("%dh", hours)
	case seconds == 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	default:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
}
