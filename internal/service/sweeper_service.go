package service

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"audiodrive/internal/service/s3"
)

const (
	sweepBatchSize = 500

	// Ограниченные повторы удаления блоба перед тем, как оставить
	// строку в корзине до следующего прохода
	purgeRetries      = 3
	purgeRetryBackoff = 2 * time.Second
)

// SweeperService ведет периодический процесс жизненного цикла: истечение
// сроков, месячный сброс трафика и окончательная очистка корзины.
// Одновременно выполняется не более одного прохода: тик, пришедший во
// время работы, пропускается, а не встает в очередь.
type SweeperService struct {
	assets   AssetStore
	registry *AssetService
	quota    *QuotaService
	blob     s3.Storage

	interval time.Duration
	running  atomic.Bool
	stop     chan struct{}
}

func NewSweeperService(assets AssetStore, registry *AssetService, quota *QuotaService, blob s3.Storage, interval time.Duration) *SweeperService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &SweeperService{
		assets:   assets,
		registry: registry,
		quota:    quota,
		blob:     blob,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start запускает фоновый цикл свипера.
func (s *SweeperService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("[Sweeper] started with interval %s", s.interval)
}

func (s *SweeperService) Stop() {
	close(s.stop)
}

// RunOnce выполняет один проход. Возвращает false, если предыдущий
// проход еще идет и этот был пропущен. Каждый шаг устойчив к сбоям:
// ошибка на одном ассете или пользователе логируется и пропускается,
// не прерывая проход.
func (s *SweeperService) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		log.Println("[Sweeper] previous run still in progress, skipping tick")
		return false
	}
	defer s.running.Store(false)

	started := time.Now()
	s.expirePass(ctx, started)
	s.rolloverPass(ctx, started)
	s.purgePass(ctx, started)
	log.Printf("[Sweeper] run finished in %s", time.Since(started))

	return true
}

// expirePass отправляет в корзину ассеты с истекшим сроком жизни.
// Тот же идемпотентный SoftDelete, что и у ленивого истечения в
// брокере: двойная работа безопасна.
func (s *SweeperService) expirePass(ctx context.Context, now time.Time) {
	expired, err := s.assets.ListExpired(ctx, now, sweepBatchSize)
	if err != nil {
		log.Printf("[Sweeper] failed to list expired assets: %v", err)
		return
	}

	for _, asset := range expired {
		if err := s.registry.SoftDelete(ctx, asset.UUID, ActorSweeper); err != nil {
			log.Printf("[Sweeper] failed to expire asset %s: %v", asset.UUID, err)
		}
	}

	if len(expired) > 0 {
		log.Printf("[Sweeper] expired %d assets", len(expired))
	}
}

// rolloverPass сбрасывает месячные счетчики трафика пользователей,
// у которых прошла дата сброса.
func (s *SweeperService) rolloverPass(ctx context.Context, now time.Time) {
	owners, err := s.quota.ListRolloverDue(ctx, now)
	if err != nil {
		log.Printf("[Sweeper] failed to list due rollovers: %v", err)
		return
	}

	for _, ownerID := range owners {
		if err := s.quota.RolloverIfDue(ctx, ownerID); err != nil {
			log.Printf("[Sweeper] failed to rollover bandwidth for %s: %v", ownerID, err)
		}
	}
}

// purgePass окончательно удаляет ассеты, пролежавшие в корзине дольше
// периода хранения: сначала блоб (с ограниченными повторами), затем
// строка. Если блоб удалить не удалось, строка остается помеченной
// удаленной, и следующий проход попробует снова.
func (s *SweeperService) purgePass(ctx context.Context, now time.Time) {
	purgeable, err := s.assets.ListPurgeable(ctx, now, sweepBatchSize)
	if err != nil {
		log.Printf("[Sweeper] failed to list purgeable assets: %v", err)
		return
	}

	touched := make(map[string]struct{})

	for _, asset := range purgeable {
		key := BlobKey(asset.OwnerID, asset.UUID)
		if err := s.deleteBlobWithRetry(ctx, key); err != nil {
			log.Printf("[Sweeper] failed to reclaim blob %s, will retry next sweep: %v", key, err)
			continue
		}

		bytes, err := s.registry.HardPurge(ctx, asset.UUID)
		if err != nil {
			log.Printf("[Sweeper] failed to purge asset %s: %v", asset.UUID, err)
			continue
		}

		touched[asset.OwnerID] = struct{}{}
		log.Printf("[Sweeper] purged asset %s (%d bytes reclaimed)", asset.UUID, bytes)
	}

	// Страховочная сверка счетчика с живыми строками
	for ownerID := range touched {
		if err := s.quota.RecalculateUsedSpace(ctx, ownerID); err != nil {
			log.Printf("[Sweeper] failed to reconcile quota for %s: %v", ownerID, err)
		}
	}
}

func (s *SweeperService) deleteBlobWithRetry(ctx context.Context, key string) error {
	var err error
	for attempt := 0; attempt < purgeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(purgeRetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = s.blob.DeleteObject(ctx, key); err == nil {
			return nil
		}
	}
	return err
}
