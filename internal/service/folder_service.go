package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"

	"audiodrive/internal/domain"
)

// FolderService управляет деревом папок. Шаринг папки независим от
// шаринга отдельных ассетов; удаление папки никогда не каскадирует
// на ассеты: связь слабая, они лишь отвязываются.
type FolderService struct {
	folderStore FolderStore
	assetStore  AssetStore
}

func NewFolderService(folderStore FolderStore, assetStore AssetStore) *FolderService {
	return &FolderService{
		folderStore: folderStore,
		assetStore:  assetStore,
	}
}

func (s *FolderService) Create(ctx context.Context, ownerID, name string, parentID *int64) (*domain.Folder, error) {
	if ownerID == "" || name == "" {
		return nil, fmt.Errorf("owner and name are required")
	}

	if parentID != nil {
		parent, err := s.folderStore.GetByID(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		if parent.OwnerID != ownerID {
			return nil, domain.ErrForbidden
		}
	}

	folder := &domain.Folder{
		Name:     name,
		OwnerID:  ownerID,
		ParentID: parentID,
	}
	if err := s.folderStore.Create(ctx, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

func (s *FolderService) getOwned(ctx context.Context, id int64, ownerID string) (*domain.Folder, error) {
	folder, err := s.folderStore.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if folder.OwnerID != ownerID {
		return nil, domain.ErrForbidden
	}
	return folder, nil
}

func (s *FolderService) Rename(ctx context.Context, id int64, ownerID, newName string) error {
	if newName == "" {
		return fmt.Errorf("new name is required")
	}
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}
	return s.folderStore.Rename(ctx, id, newName)
}

// Move переносит папку. Перенос в собственное поддерево запрещен.
func (s *FolderService) Move(ctx context.Context, id int64, ownerID string, parentID *int64) error {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}
	if parentID != nil {
		parent, err := s.folderStore.GetByID(ctx, *parentID)
		if err != nil {
			return err
		}
		if parent.OwnerID != ownerID {
			return domain.ErrForbidden
		}
	}
	return s.folderStore.Move(ctx, id, parentID)
}

func (s *FolderService) SetVisibility(ctx context.Context, id int64, ownerID string, isPublic bool) error {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}
	return s.folderStore.SetVisibility(ctx, id, isPublic)
}

func (s *FolderService) SetPassword(ctx context.Context, id int64, ownerID, password string) error {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}

	if password == "" {
		return s.folderStore.SetPassword(ctx, id, nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	hashStr := string(hash)
	return s.folderStore.SetPassword(ctx, id, &hashStr)
}

// EnableSharing выдает папке новый токен, уникальный среди всех ассетов
// и папок. Коллизия ретраится внутри с новым токеном.
func (s *FolderService) EnableSharing(ctx context.Context, id int64, ownerID string) (string, error) {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return "", err
	}

	for attempt := 0; attempt < tokenRetries; attempt++ {
		token, err := generateShareToken()
		if err != nil {
			return "", err
		}
		err = s.folderStore.SetSharing(ctx, id, &token)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return "", err
		}
		log.Printf("[FolderService] share token collision for folder %d, retrying", id)
	}

	return "", domain.ErrConflict
}

func (s *FolderService) DisableSharing(ctx context.Context, id int64, ownerID string) error {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}
	return s.folderStore.SetSharing(ctx, id, nil)
}

// Delete удаляет папку, отвязывая ее ассеты и поднимая дочерние папки
// к родителю.
func (s *FolderService) Delete(ctx context.Context, id int64, ownerID string) error {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}
	return s.folderStore.Delete(ctx, id)
}

// Content возвращает владельцу содержимое папки: подпапки и ассеты.
func (s *FolderService) Content(ctx context.Context, id int64, ownerID string) (*domain.FolderListing, []domain.Folder, error) {
	folder, err := s.getOwned(ctx, id, ownerID)
	if err != nil {
		return nil, nil, err
	}

	assets, err := s.assetStore.ListByOwner(ctx, ownerID, &id)
	if err != nil {
		return nil, nil, err
	}

	subfolders, err := s.folderStore.ListByOwner(ctx, ownerID, &id)
	if err != nil {
		return nil, nil, err
	}

	return &domain.FolderListing{Folder: *folder, Assets: assets}, subfolders, nil
}

func (s *FolderService) ListRoot(ctx context.Context, ownerID string) ([]domain.Folder, []domain.Asset, error) {
	folders, err := s.folderStore.ListByOwner(ctx, ownerID, nil)
	if err != nil {
		return nil, nil, err
	}

	assets, err := s.assetStore.ListByOwner(ctx, ownerID, nil)
	if err != nil {
		return nil, nil, err
	}

	return folders, assets, nil
}
