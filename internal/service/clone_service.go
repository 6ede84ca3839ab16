package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"audiodrive/internal/domain"
	"audiodrive/internal/events"
	"audiodrive/internal/service/s3"
)

// Предел времени на копирование содержимого: единственная потенциально
// медленная операция движка, обязана быть отменяемой.
const cloneCopyTimeout = 5 * time.Minute

// CloneService материализует копию чужого публичного ассета в библиотеке
// вызывающего. Проверки видимости источника переиспользуются из брокера
// доступа, не дублируются.
type CloneService struct {
	assets    AssetStore
	folders   FolderStore
	access    *AccessService
	blob      s3.Storage
	publisher EventPublisher
}

func NewCloneService(assets AssetStore, folders FolderStore, access *AccessService, blob s3.Storage, publisher EventPublisher) *CloneService {
	return &CloneService{
		assets:    assets,
		folders:   folders,
		access:    access,
		blob:      blob,
		publisher: publisher,
	}
}

// Clone копирует содержимое источника байт-в-байт и создает независимую
// строку ассета под владением запросившего: новый UUID, без токена
// шаринга, метаданные с происхождением. Место списывается с квоты
// запросившего; при отказе резервирования копия блоба откатывается,
// не оставляя ни сиротских байтов, ни частичной строки. Клонировать собственный
// публичный ассет можно: получится независимая копия, не ссылка.
func (s *CloneService) Clone(ctx context.Context, sourceID uuid.UUID, requesterID string, destFolderID *int64) (*domain.Asset, error) {
	if requesterID == "" {
		return nil, domain.ErrForbidden
	}

	source, err := s.access.ResolveSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	if destFolderID != nil {
		folder, err := s.folders.GetByID(ctx, *destFolderID)
		if err != nil {
			return nil, err
		}
		if folder.OwnerID != requesterID {
			return nil, domain.ErrForbidden
		}
	}

	metadata, err := CloneMetadata(source.UUID, source.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to build clone metadata: %w", err)
	}

	clone := &domain.Asset{
		UUID:      uuid.New(),
		Name:      source.Name,
		MIMEType:  source.MIMEType,
		SizeBytes: source.SizeBytes,
		FolderID:  destFolderID,
		OwnerID:   requesterID,
		Metadata:  types.JSONText(metadata),
	}

	srcKey := BlobKey(source.OwnerID, source.UUID)
	dstKey := BlobKey(requesterID, clone.UUID)

	copyCtx, cancel := context.WithTimeout(ctx, cloneCopyTimeout)
	defer cancel()

	if err := s.blob.CopyObject(copyCtx, srcKey, dstKey); err != nil {
		return nil, fmt.Errorf("failed to copy asset content: %w", err)
	}

	if err := s.assets.Create(ctx, clone); err != nil {
		// Компенсация: копия уже в блоб-хранилище, убираем ее
		if delErr := s.blob.DeleteObject(context.WithoutCancel(ctx), dstKey); delErr != nil {
			log.Printf("[CloneService] failed to roll back blob %s: %v", dstKey, delErr)
		}
		if errors.Is(err, domain.ErrQuotaExceeded) {
			return nil, domain.ErrQuotaExceeded
		}
		return nil, fmt.Errorf("failed to create cloned asset: %w", err)
	}

	s.publisher.Publish(events.SubjectAssetCreated, map[string]interface{}{
		"asset_id":    clone.UUID,
		"owner_id":    clone.OwnerID,
		"size_bytes":  clone.SizeBytes,
		"cloned_from": source.UUID,
	})

	return clone, nil
}
