package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"audiodrive/internal/domain"
	"audiodrive/internal/events"
	"audiodrive/internal/service/s3"
)

const (
	maxAssetSize = 500 * 1024 * 1024 // 500MB максимальный размер аудиофайла

	// Число внутренних повторов генерации токена при коллизии
	tokenRetries = 5
)

// ActorSweeper помечает системные переходы жизненного цикла,
// инициированные свипером или ленивым истечением срока в брокере.
const ActorSweeper = "sweeper"

// AssetStore описывает контракт хранилища ассетов.
type AssetStore interface {
	Create(ctx context.Context, asset *domain.Asset) error
	GetByUUID(ctx context.Context, id uuid.UUID) (*domain.Asset, error)
	GetByToken(ctx context.Context, token string) (*domain.Asset, error)
	Rename(ctx context.Context, id uuid.UUID, newName string) error
	Move(ctx context.Context, id uuid.UUID, folderID *int64) error
	SetVisibility(ctx context.Context, id uuid.UUID, isPublic bool) error
	SetExpiration(ctx context.Context, id uuid.UUID, expiresAt *time.Time) error
	SetPassword(ctx context.Context, id uuid.UUID, passwordHash *string) error
	SetSharing(ctx context.Context, id uuid.UUID, token *string) error
	SoftDelete(ctx context.Context, id uuid.UUID, now time.Time) (int64, error)
	Restore(ctx context.Context, id uuid.UUID) error
	HardPurge(ctx context.Context, id uuid.UUID) (int64, error)
	IncrementViews(ctx context.Context, id uuid.UUID) error
	IncrementDownloads(ctx context.Context, id uuid.UUID) error
	IncrementLikes(ctx context.Context, id uuid.UUID) error
	ListByOwner(ctx context.Context, ownerID string, folderID *int64) ([]domain.Asset, error)
	ListPublicByFolder(ctx context.Context, folderID int64) ([]domain.Asset, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Asset, error)
	ListPurgeable(ctx context.Context, now time.Time, limit int) ([]domain.Asset, error)
}

// FolderStore описывает контракт хранилища папок.
type FolderStore interface {
	Create(ctx context.Context, folder *domain.Folder) error
	GetByID(ctx context.Context, id int64) (*domain.Folder, error)
	GetByToken(ctx context.Context, token string) (*domain.Folder, error)
	Rename(ctx context.Context, id int64, newName string) error
	Move(ctx context.Context, id int64, parentID *int64) error
	SetVisibility(ctx context.Context, id int64, isPublic bool) error
	SetPassword(ctx context.Context, id int64, passwordHash *string) error
	SetSharing(ctx context.Context, id int64, token *string) error
	Delete(ctx context.Context, id int64) error
	ListByOwner(ctx context.Context, ownerID string, parentID *int64) ([]domain.Folder, error)
}

// EventPublisher отдает события движка внешним потребителям.
type EventPublisher interface {
	Publish(subject string, payload interface{})
}

// AssetService реализует реестр ассетов: долговечная запись аудиообъекта,
// его размещение в папке, шаринг и состояние удаления.
type AssetService struct {
	assetStore  AssetStore
	folderStore FolderStore
	blob        s3.Storage
	publisher   EventPublisher
}

func NewAssetService(assetStore AssetStore, folderStore FolderStore, blob s3.Storage, publisher EventPublisher) *AssetService {
	return &AssetService{
		assetStore:  assetStore,
		folderStore: folderStore,
		blob:        blob,
		publisher:   publisher,
	}
}

// BlobKey возвращает ключ содержимого ассета в блоб-хранилище.
func BlobKey(ownerID string, id uuid.UUID) string {
	return fmt.Sprintf("audio_assets/%s/%s", ownerID, id)
}

// Upload создает новый ассет: сначала содержимое уходит в блоб-хранилище
// под контекстом запроса, затем резервирование квоты и вставка строки
// выполняются одной транзакцией. Любая ошибка после заливки блоба
// компенсируется его удалением: оборвавшаяся загрузка не оставляет
// ни занятой квоты, ни сиротских байтов.
func (s *AssetService) Upload(ctx context.Context, ownerID string, upload domain.AssetUpload, body io.Reader) (*domain.Asset, error) {
	if ownerID == "" || upload.Name == "" || body == nil {
		return nil, fmt.Errorf("owner, name and body are required")
	}
	if upload.Size <= 0 || upload.Size > maxAssetSize {
		return nil, fmt.Errorf("invalid asset size: %d", upload.Size)
	}

	if upload.FolderID != nil {
		folder, err := s.folderStore.GetByID(ctx, *upload.FolderID)
		if err != nil {
			return nil, err
		}
		if folder.OwnerID != ownerID {
			return nil, domain.ErrForbidden
		}
	}

	asset := &domain.Asset{
		UUID:      uuid.New(),
		Name:      upload.Name,
		MIMEType:  upload.MIMEType,
		SizeBytes: upload.Size,
		FolderID:  upload.FolderID,
		OwnerID:   ownerID,
		IsPublic:  upload.IsPublic,
	}

	key := BlobKey(ownerID, asset.UUID)
	if err := s.blob.UploadStream(ctx, key, body, upload.Size, upload.MIMEType); err != nil {
		return nil, fmt.Errorf("failed to store asset content: %w", err)
	}

	if err := s.assetStore.Create(ctx, asset); err != nil {
		if delErr := s.blob.DeleteObject(context.WithoutCancel(ctx), key); delErr != nil {
			log.Printf("[AssetService] failed to clean up blob %s after create failure: %v", key, delErr)
		}
		if errors.Is(err, domain.ErrQuotaExceeded) {
			return nil, domain.ErrQuotaExceeded
		}
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}

	s.publisher.Publish(events.SubjectAssetCreated, map[string]interface{}{
		"asset_id":   asset.UUID,
		"owner_id":   asset.OwnerID,
		"size_bytes": asset.SizeBytes,
		"folder_id":  asset.FolderID,
	})

	return asset, nil
}

// getOwned возвращает живой ассет владельца. Чужой ассет дает ErrForbidden,
// ассет в корзине для его же владельца виден как ErrNotFound.
func (s *AssetService) getOwned(ctx context.Context, id uuid.UUID, ownerID string) (*domain.Asset, error) {
	asset, err := s.assetStore.GetByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	if asset.OwnerID != ownerID {
		return nil, domain.ErrForbidden
	}
	if asset.DeletedAt != nil {
		return nil, domain.ErrNotFound
	}
	return asset, nil
}

func (s *AssetService) Get(ctx context.Context, id uuid.UUID, ownerID string) (*domain.Asset, error) {
	return s.getOwned(ctx, id, ownerID)
}

func (s *AssetService) List(ctx context.Context, ownerID string, folderID *int64) ([]domain.Asset, error) {
	return s.assetStore.ListByOwner(ctx, ownerID, folderID)
}

// Rename, Move и смена видимости меняют только метаданные, леджер не трогают.

func (s *AssetService) Rename(ctx context.Context, id uuid.UUID, ownerID, newName string) error {
	if newName == "" {
		return fmt.Errorf("new name is required")
	}
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}
	return s.assetStore.Rename(ctx, id, newName)
}

func (s *AssetService) Move(ctx context.Context, id uuid.UUID, ownerID string, folderID *int64) error {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}
	if folderID != nil {
		folder, err := s.folderStore.GetByID(ctx, *folderID)
		if err != nil {
			return err
		}
		if folder.OwnerID != ownerID {
			return domain.ErrForbidden
		}
	}
	return s.assetStore.Move(ctx, id, folderID)
}

func (s *AssetService) SetVisibility(ctx context.Context, id uuid.UUID, ownerID string, isPublic bool) error {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}
	return s.assetStore.SetVisibility(ctx, id, isPublic)
}

func (s *AssetService) SetExpiration(ctx context.Context, id uuid.UUID, ownerID string, expiresAt *time.Time) error {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}
	return s.assetStore.SetExpiration(ctx, id, expiresAt)
}

// SetPassword вешает пароль на ассет (пустой пароль снимает защиту).
// Хранится только соленый bcrypt-хеш.
func (s *AssetService) SetPassword(ctx context.Context, id uuid.UUID, ownerID, password string) error {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}

	if password == "" {
		return s.assetStore.SetPassword(ctx, id, nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	hashStr := string(hash)
	return s.assetStore.SetPassword(ctx, id, &hashStr)
}

// EnableSharing выдает ассету новый токен. Повторный вызов заменяет
// старый токен без переходного периода. Коллизия токена (исчезающе
// редкая) ретраится внутри с новым токеном, прежде чем наружу уйдет
// ErrConflict.
func (s *AssetService) EnableSharing(ctx context.Context, id uuid.UUID, ownerID string) (string, error) {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return "", err
	}

	for attempt := 0; attempt < tokenRetries; attempt++ {
		token, err := generateShareToken()
		if err != nil {
			return "", err
		}
		err = s.assetStore.SetSharing(ctx, id, &token)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return "", err
		}
		log.Printf("[AssetService] share token collision for asset %s, retrying", id)
	}

	return "", domain.ErrConflict
}

func (s *AssetService) DisableSharing(ctx context.Context, id uuid.UUID, ownerID string) error {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}
	return s.assetStore.SetSharing(ctx, id, nil)
}

// SoftDelete перемещает ассет в корзину и освобождает квоту ровно один
// раз, повторные вызовы no-op. Вызывается владельцем либо системой
// (свипер, ленивое истечение в брокере) с actor = ActorSweeper.
func (s *AssetService) SoftDelete(ctx context.Context, id uuid.UUID, actor string) error {
	if actor != ActorSweeper {
		asset, err := s.assetStore.GetByUUID(ctx, id)
		if err != nil {
			return err
		}
		if asset.OwnerID != actor {
			return domain.ErrForbidden
		}
		if asset.DeletedAt != nil {
			// Уже в корзине: операция идемпотентна
			return nil
		}
	}

	released, err := s.assetStore.SoftDelete(ctx, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to soft delete asset: %w", err)
	}

	if released > 0 {
		s.publisher.Publish(events.SubjectAssetDeleted, map[string]interface{}{
			"asset_id": id,
			"actor":    actor,
		})
	}

	return nil
}

// Restore возвращает ассет из корзины в прежнее доступное состояние.
// Истекший ассет не восстанавливается даже при живой строке: ErrGone.
// Повторное резервирование квоты может не пройти, если владелец успел
// занять место: тогда ErrQuotaExceeded, ассет остается в корзине.
func (s *AssetService) Restore(ctx context.Context, id uuid.UUID, ownerID string) error {
	asset, err := s.assetStore.GetByUUID(ctx, id)
	if err != nil {
		return err
	}
	if asset.OwnerID != ownerID {
		return domain.ErrForbidden
	}
	if asset.Expired(time.Now()) {
		return domain.ErrGone
	}

	return s.assetStore.Restore(ctx, id)
}

// HardPurge удаляет строку ассета насовсем и возвращает число байт для
// физической очистки. Доступен только свиперу и только для строк,
// пролежавших в корзине дольше периода хранения.
func (s *AssetService) HardPurge(ctx context.Context, id uuid.UUID) (int64, error) {
	return s.assetStore.HardPurge(ctx, id)
}

// PurgeNow окончательно удаляет ассет из корзины по запросу владельца,
// не дожидаясь истечения срока хранения. Блоб удаляется до строки: при
// сбое хранилища строка остается и будет подобрана чисткой.
func (s *AssetService) PurgeNow(ctx context.Context, id uuid.UUID, ownerID string) error {
	asset, err := s.assetStore.GetByUUID(ctx, id)
	if err != nil {
		return err
	}
	if asset.OwnerID != ownerID {
		return domain.ErrForbidden
	}
	if asset.DeletedAt == nil {
		return domain.ErrNotFound
	}

	if err := s.blob.DeleteObject(ctx, BlobKey(asset.OwnerID, asset.UUID)); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if _, err := s.assetStore.HardPurge(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *AssetService) Like(ctx context.Context, id uuid.UUID) error {
	return s.assetStore.IncrementLikes(ctx, id)
}

// CloneMetadata собирает метаданные происхождения для копии ассета.
func CloneMetadata(sourceID uuid.UUID, originalOwner string) ([]byte, error) {
	return json.Marshal(map[string]string{
		domain.MetaClonedFrom:    sourceID.String(),
		domain.MetaOriginalOwner: originalOwner,
	})
}
