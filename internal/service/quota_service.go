package service

import (
	"context"
	"fmt"
	"time"

	"audiodrive/internal/domain"
)

// QuotaStore описывает контракт хранилища счетчиков. Репозиторий обязан
// выполнять проверку и изменение атомарно в пределах одного владельца.
type QuotaStore interface {
	GetOrCreate(ctx context.Context, ownerID string) (*domain.Quota, error)
	Reserve(ctx context.Context, ownerID string, bytes int64) (bool, error)
	Release(ctx context.Context, ownerID string, bytes int64) error
	ChargeBandwidth(ctx context.Context, ownerID string, bytes int64, kind domain.EventKind, month, year int) (bool, error)
	Rollover(ctx context.Context, ownerID string, now time.Time) (bool, error)
	ListRolloverDue(ctx context.Context, now time.Time) ([]string, error)
	UpdateQuotaLimit(ctx context.Context, ownerID string, newLimit int64) error
	UpdateBandwidthLimit(ctx context.Context, ownerID string, newLimit *int64) error
	RecalculateUsedSpace(ctx context.Context, ownerID string) error
}

// QuotaService реализует леджер квот, единственного владельца счетчиков места
// и трафика. Отказы (нехватка места или трафика) семантические и
// никогда не ретраятся автоматически.
type QuotaService struct {
	quotaStore QuotaStore
}

func NewQuotaService(quotaStore QuotaStore) *QuotaService {
	return &QuotaService{quotaStore: quotaStore}
}

// Reserve резервирует место под загрузку. Два конкурентных вызова,
// суммарно превышающие лимит, никогда не пройдут оба.
func (s *QuotaService) Reserve(ctx context.Context, ownerID string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("reserve size cannot be negative")
	}

	ok, err := s.quotaStore.Reserve(ctx, ownerID, bytes)
	if err != nil {
		return fmt.Errorf("failed to reserve storage: %w", err)
	}
	if !ok {
		return domain.ErrQuotaExceeded
	}
	return nil
}

// Release возвращает место. Ровно один вызов на переход жизненного
// цикла ассета: это гарантирует реестр ассетов, не леджер.
func (s *QuotaService) Release(ctx context.Context, ownerID string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("release size cannot be negative")
	}
	return s.quotaStore.Release(ctx, ownerID, bytes)
}

// ChargeBandwidth списывает трафик владельца за событие доступа.
// Если лимит трафика не установлен, списание считается успешным.
func (s *QuotaService) ChargeBandwidth(ctx context.Context, ownerID string, bytes int64, kind domain.EventKind, month, year int) error {
	if bytes < 0 {
		return fmt.Errorf("charge size cannot be negative")
	}

	ok, err := s.quotaStore.ChargeBandwidth(ctx, ownerID, bytes, kind, month, year)
	if err != nil {
		return fmt.Errorf("failed to charge bandwidth: %w", err)
	}
	if !ok {
		return domain.ErrQuotaExceeded
	}
	return nil
}

// RolloverIfDue сбрасывает месячный счетчик трафика, если дата сброса
// прошла. Повторный вызов после сброса ничего не делает.
func (s *QuotaService) RolloverIfDue(ctx context.Context, ownerID string) error {
	_, err := s.quotaStore.Rollover(ctx, ownerID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to rollover bandwidth: %w", err)
	}
	return nil
}

func (s *QuotaService) GetQuotaInfo(ctx context.Context, ownerID string) (*domain.QuotaInfo, error) {
	quota, err := s.quotaStore.GetOrCreate(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	availableSpace := quota.StorageLimitBytes - quota.StorageUsedBytes
	usagePercent := float64(quota.StorageUsedBytes) / float64(quota.StorageLimitBytes) * 100

	return &domain.QuotaInfo{
		TotalSpace:         quota.StorageLimitBytes,
		UsedSpace:          quota.StorageUsedBytes,
		AvailableSpace:     availableSpace,
		UsagePercent:       usagePercent,
		BandwidthLimit:     quota.BandwidthLimitBytes,
		BandwidthUsed:      quota.BandwidthUsedBytes,
		BandwidthResetDate: quota.BandwidthResetDate,
	}, nil
}

func (s *QuotaService) UpdateQuotaLimit(ctx context.Context, ownerID string, newLimit int64) error {
	if newLimit < 0 {
		return fmt.Errorf("new quota limit cannot be negative")
	}
	return s.quotaStore.UpdateQuotaLimit(ctx, ownerID, newLimit)
}

func (s *QuotaService) UpdateBandwidthLimit(ctx context.Context, ownerID string, newLimit *int64) error {
	if newLimit != nil && *newLimit < 0 {
		return fmt.Errorf("new bandwidth limit cannot be negative")
	}
	return s.quotaStore.UpdateBandwidthLimit(ctx, ownerID, newLimit)
}

// RecalculateUsedSpace пересчитывает занятое место из живых ассетов.
func (s *QuotaService) RecalculateUsedSpace(ctx context.Context, ownerID string) error {
	return s.quotaStore.RecalculateUsedSpace(ctx, ownerID)
}

// ListRolloverDue отдает владельцев с просроченной датой сброса трафика.
func (s *QuotaService) ListRolloverDue(ctx context.Context, now time.Time) ([]string, error) {
	return s.quotaStore.ListRolloverDue(ctx, now)
}
