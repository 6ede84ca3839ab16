package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"audiodrive/internal/domain"
	"audiodrive/internal/events"
)

// QuotaCharger описывает часть леджера, нужную брокеру доступа.
type QuotaCharger interface {
	ChargeBandwidth(ctx context.Context, ownerID string, bytes int64, kind domain.EventKind, month, year int) error
}

// AccessRequest описывает один запрос доступа: прямой идентификатор либо
// токен шаринга, опциональный пароль и личность вызывающего
// (пустая строка для анонима).
type AccessRequest struct {
	AssetID  *uuid.UUID
	Token    string
	Password string
	CallerID string
	Kind     domain.EventKind
}

// Grant представляет разрешенный доступ: хендл содержимого и
// списанные байты.
type Grant struct {
	Asset        *domain.Asset
	BlobKey      string
	ContentType  string
	BytesCharged int64
}

// AccessService реализует брокер доступа. Каждый запрос проходит машину
// состояний: существование, состояние удаления, срок жизни,
// видимость/токен, пароль, списание трафика. Удаленный и никогда не
// существовавший ассет снаружи неразличимы.
type AccessService struct {
	assets    AssetStore
	folders   FolderStore
	quota     QuotaCharger
	publisher EventPublisher
}

func NewAccessService(assets AssetStore, folders FolderStore, quota QuotaCharger, publisher EventPublisher) *AccessService {
	return &AccessService{
		assets:    assets,
		folders:   folders,
		quota:     quota,
		publisher: publisher,
	}
}

// Resolve разрешает запрос к ассету и возвращает хендл для отдачи
// содержимого. Трафик списывается с владельца ассета, не с вызывающего:
// при исчерпанном лимите доступ логически разрешен, но доставка
// отклоняется с ErrQuotaExceeded.
func (s *AccessService) Resolve(ctx context.Context, req AccessRequest) (*Grant, error) {
	asset, err := s.resolveAsset(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.checkLiveness(ctx, asset); err != nil {
		return nil, err
	}

	if err := s.authorize(asset, req); err != nil {
		return nil, err
	}

	// Счетчики это best-effort телеметрия: инкремент не зависит от исхода
	// списания трафика и его ошибки не влияют на результат.
	s.bumpCounters(ctx, asset, req.Kind)

	now := time.Now()
	if err := s.quota.ChargeBandwidth(ctx, asset.OwnerID, asset.SizeBytes, req.Kind, int(now.Month()), now.Year()); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			return nil, domain.ErrQuotaExceeded
		}
		return nil, err
	}

	grant := &Grant{
		Asset:        asset,
		BlobKey:      BlobKey(asset.OwnerID, asset.UUID),
		ContentType:  asset.MIMEType,
		BytesCharged: asset.SizeBytes,
	}

	s.publisher.Publish(events.SubjectAccessGranted, map[string]interface{}{
		"asset_id":      asset.UUID,
		"caller_id":     req.CallerID,
		"bytes_charged": grant.BytesCharged,
		"kind":          req.Kind,
	})

	return grant, nil
}

// ResolveFolder разрешает доступ к расшаренной папке. В листинг попадают
// только публичные и не удаленные ассеты.
func (s *AccessService) ResolveFolder(ctx context.Context, token, password, callerID string) (*domain.FolderListing, error) {
	folder, err := s.folders.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if folder.OwnerID != callerID {
		if err := checkPassword(folder.PasswordHash, password); err != nil {
			return nil, err
		}
	}

	assets, err := s.assets.ListPublicByFolder(ctx, folder.ID)
	if err != nil {
		return nil, err
	}

	return &domain.FolderListing{
		Folder: *folder,
		Assets: assets,
	}, nil
}

// ResolveSource проверяет ассет как источник клонирования: те же
// проверки состояния, что и при обычном доступе, но видимость строго
// публичная: непубличный источник всегда ErrForbidden, независимо от
// того, кто спрашивает.
func (s *AccessService) ResolveSource(ctx context.Context, id uuid.UUID) (*domain.Asset, error) {
	asset, err := s.assets.GetByUUID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.checkLiveness(ctx, asset); err != nil {
		return nil, err
	}

	if !asset.IsPublic {
		return nil, domain.ErrForbidden
	}

	return asset, nil
}

// resolveAsset находит ассет по идентификатору или токену шаринга.
func (s *AccessService) resolveAsset(ctx context.Context, req AccessRequest) (*domain.Asset, error) {
	if req.AssetID != nil {
		return s.assets.GetByUUID(ctx, *req.AssetID)
	}
	if req.Token != "" {
		return s.assets.GetByToken(ctx, req.Token)
	}
	return nil, domain.ErrNotFound
}

// checkLiveness выполняет шаги 2 и 3 машины состояний: корзина и неактивность
// неотличимы от несуществования, истекший срок дает ErrGone и лениво
// отправляет ассет в корзину, не дожидаясь свипера.
func (s *AccessService) checkLiveness(ctx context.Context, asset *domain.Asset) error {
	if asset.DeletedAt != nil || !asset.IsActive {
		return domain.ErrNotFound
	}

	if asset.Expired(time.Now()) {
		id := asset.UUID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := s.assets.SoftDelete(ctx, id, time.Now()); err != nil {
				log.Printf("[AccessService] lazy expiration of %s failed: %v", id, err)
			}
		}()
		return domain.ErrGone
	}

	return nil
}

// authorize выполняет шаги 4 и 5: видимость/токен, затем пароль. Отсутствие
// пароля и неверный пароль различаются, чтобы вызывающий мог показать
// форму ввода.
func (s *AccessService) authorize(asset *domain.Asset, req AccessRequest) error {
	isOwner := req.CallerID != "" && req.CallerID == asset.OwnerID
	tokenMatch := req.Token != "" && asset.ShareToken != nil && *asset.ShareToken == req.Token

	if !asset.IsPublic && !isOwner && !tokenMatch {
		return domain.ErrForbidden
	}

	if isOwner {
		return nil
	}

	return checkPassword(asset.PasswordHash, req.Password)
}

func checkPassword(hash *string, password string) error {
	if hash == nil {
		return nil
	}
	if password == "" {
		return domain.ErrPasswordRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password)); err != nil {
		return domain.ErrForbidden
	}
	return nil
}

func (s *AccessService) bumpCounters(ctx context.Context, asset *domain.Asset, kind domain.EventKind) {
	var err error
	switch kind {
	case domain.EventDownload:
		err = s.assets.IncrementDownloads(ctx, asset.UUID)
	default:
		err = s.assets.IncrementViews(ctx, asset.UUID)
	}
	if err != nil {
		log.Printf("[AccessService] failed to bump counters for %s: %v", asset.UUID, err)
	}
}
