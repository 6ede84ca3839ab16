package service

import (
	"context"

	"github.com/google/uuid"

	"audiodrive/internal/domain"
)

// TrashStore описывает контракт настроек и содержимого корзины.
type TrashStore interface {
	GetSettings(ctx context.Context, ownerID string) (*domain.TrashSettings, error)
	UpdateSettings(ctx context.Context, settings *domain.TrashSettings) error
	GetTrashItems(ctx context.Context, ownerID string) ([]domain.TrashItem, error)
}

// TrashService дает пользовательский вид корзины: список удаленных ассетов
// с расчетным сроком окончательного удаления и персональный период
// хранения. Восстановление и удаление делегируются реестру ассетов.
type TrashService struct {
	trashStore TrashStore
	registry   *AssetService
}

func NewTrashService(trashStore TrashStore, registry *AssetService) *TrashService {
	return &TrashService{
		trashStore: trashStore,
		registry:   registry,
	}
}

func (s *TrashService) GetItems(ctx context.Context, ownerID string) ([]domain.TrashItem, error) {
	return s.trashStore.GetTrashItems(ctx, ownerID)
}

func (s *TrashService) GetSettings(ctx context.Context, ownerID string) (*domain.TrashSettings, error) {
	return s.trashStore.GetSettings(ctx, ownerID)
}

// UpdateRetentionPeriod меняет срок хранения в корзине. Новый срок
// действует и на уже удаленные ассеты при следующем проходе чистки.
func (s *TrashService) UpdateRetentionPeriod(ctx context.Context, ownerID, period string) (*domain.TrashSettings, error) {
	settings := &domain.TrashSettings{
		OwnerID:         ownerID,
		RetentionPeriod: period,
	}
	if err := s.trashStore.UpdateSettings(ctx, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// Restore возвращает ассет из корзины, повторно резервируя его место
// в квоте владельца.
func (s *TrashService) Restore(ctx context.Context, id uuid.UUID, ownerID string) error {
	return s.registry.Restore(ctx, id, ownerID)
}

// Purge немедленно и окончательно удаляет ассет из корзины, не дожидаясь
// истечения срока хранения.
func (s *TrashService) Purge(ctx context.Context, id uuid.UUID, ownerID string) error {
	return s.registry.PurgeNow(ctx, id, ownerID)
}
