package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"audiodrive/internal/domain"
	"audiodrive/internal/service/s3"
)

// Фейки хранилищ для сервисных тестов: вся семантика атомарности
// репозиториев воспроизведена под одним мьютексом.

type fakeQuotaRecord struct {
	storageLimit int64
	storageUsed  int64
	bwLimit      *int64
	bwUsed       int64
	resetDate    time.Time
}

type fakeQuotaStore struct {
	mu           sync.Mutex
	quotas       map[string]*fakeQuotaRecord
	rollovers    int
	recalculated []string
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{quotas: make(map[string]*fakeQuotaRecord)}
}

func (f *fakeQuotaStore) setQuota(ownerID string, storageLimit int64, bwLimit *int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotas[ownerID] = &fakeQuotaRecord{
		storageLimit: storageLimit,
		bwLimit:      bwLimit,
		resetDate:    time.Now().AddDate(0, 1, 0),
	}
}

func (f *fakeQuotaStore) ensure(ownerID string) *fakeQuotaRecord {
	q, ok := f.quotas[ownerID]
	if !ok {
		q = &fakeQuotaRecord{
			storageLimit: 5368709120,
			resetDate:    time.Now().AddDate(0, 1, 0),
		}
		f.quotas[ownerID] = q
	}
	return q
}

func (f *fakeQuotaStore) GetOrCreate(ctx context.Context, ownerID string) (*domain.Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.ensure(ownerID)
	return &domain.Quota{
		OwnerID:             ownerID,
		StorageLimitBytes:   q.storageLimit,
		StorageUsedBytes:    q.storageUsed,
		BandwidthLimitBytes: q.bwLimit,
		BandwidthUsedBytes:  q.bwUsed,
		BandwidthResetDate:  q.resetDate,
	}, nil
}

func (f *fakeQuotaStore) Reserve(ctx context.Context, ownerID string, bytes int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.ensure(ownerID)
	if q.storageUsed+bytes > q.storageLimit {
		return false, nil
	}
	q.storageUsed += bytes
	return true, nil
}

func (f *fakeQuotaStore) Release(ctx context.Context, ownerID string, bytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.ensure(ownerID)
	q.storageUsed -= bytes
	if q.storageUsed < 0 {
		q.storageUsed = 0
	}
	return nil
}

func (f *fakeQuotaStore) ChargeBandwidth(ctx context.Context, ownerID string, bytes int64, kind domain.EventKind, month, year int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.ensure(ownerID)
	// Просроченный сброс применяется прямо в списании, как в репозитории
	if now := time.Now(); q.resetDate.Before(now) {
		q.bwUsed = 0
		for q.resetDate.Before(now) {
			q.resetDate = q.resetDate.AddDate(0, 1, 0)
		}
	}
	if q.bwLimit != nil && q.bwUsed+bytes > *q.bwLimit {
		return false, nil
	}
	q.bwUsed += bytes
	return true, nil
}

func (f *fakeQuotaStore) Rollover(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.ensure(ownerID)
	if !q.resetDate.Before(now) {
		return false, nil
	}
	q.bwUsed = 0
	for q.resetDate.Before(now) {
		q.resetDate = q.resetDate.AddDate(0, 1, 0)
	}
	f.rollovers++
	return true, nil
}

func (f *fakeQuotaStore) ListRolloverDue(ctx context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var owners []string
	for id, q := range f.quotas {
		if q.resetDate.Before(now) {
			owners = append(owners, id)
		}
	}
	return owners, nil
}

func (f *fakeQuotaStore) UpdateQuotaLimit(ctx context.Context, ownerID string, newLimit int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure(ownerID).storageLimit = newLimit
	return nil
}

func (f *fakeQuotaStore) UpdateBandwidthLimit(ctx context.Context, ownerID string, newLimit *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure(ownerID).bwLimit = newLimit
	return nil
}

func (f *fakeQuotaStore) RecalculateUsedSpace(ctx context.Context, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recalculated = append(f.recalculated, ownerID)
	return nil
}

type fakeAssetStore struct {
	mu     sync.Mutex
	assets map[uuid.UUID]*domain.Asset
	// Связка с леджером воспроизводит транзакцию репозитория:
	// резервирование и вставка идут одним целым
	quota *fakeQuotaStore

	tokenConflicts int
	sharingCalls   int
}

func newFakeAssetStore(quota *fakeQuotaStore) *fakeAssetStore {
	return &fakeAssetStore{
		assets: make(map[uuid.UUID]*domain.Asset),
		quota:  quota,
	}
}

func (f *fakeAssetStore) put(asset *domain.Asset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets[asset.UUID] = asset
}

func (f *fakeAssetStore) Create(ctx context.Context, asset *domain.Asset) error {
	if f.quota != nil {
		ok, err := f.quota.Reserve(ctx, asset.OwnerID, asset.SizeBytes)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrQuotaExceeded
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	asset.IsActive = true
	asset.CreatedAt = time.Now()
	asset.UpdatedAt = asset.CreatedAt
	f.assets[asset.UUID] = asset
	return nil
}

func (f *fakeAssetStore) GetByUUID(ctx context.Context, id uuid.UUID) (*domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	asset, ok := f.assets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return asset, nil
}

func (f *fakeAssetStore) GetByToken(ctx context.Context, token string) (*domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, asset := range f.assets {
		if asset.ShareToken != nil && *asset.ShareToken == token {
			return asset, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeAssetStore) Rename(ctx context.Context, id uuid.UUID, newName string) error {
	return f.update(id, func(a *domain.Asset) { a.Name = newName })
}

func (f *fakeAssetStore) Move(ctx context.Context, id uuid.UUID, folderID *int64) error {
	return f.update(id, func(a *domain.Asset) { a.FolderID = folderID })
}

func (f *fakeAssetStore) SetVisibility(ctx context.Context, id uuid.UUID, isPublic bool) error {
	return f.update(id, func(a *domain.Asset) { a.IsPublic = isPublic })
}

func (f *fakeAssetStore) SetExpiration(ctx context.Context, id uuid.UUID, expiresAt *time.Time) error {
	return f.update(id, func(a *domain.Asset) { a.ExpiresAt = expiresAt })
}

func (f *fakeAssetStore) SetPassword(ctx context.Context, id uuid.UUID, passwordHash *string) error {
	return f.update(id, func(a *domain.Asset) { a.PasswordHash = passwordHash })
}

func (f *fakeAssetStore) SetSharing(ctx context.Context, id uuid.UUID, token *string) error {
	f.mu.Lock()
	f.sharingCalls++
	if token != nil && f.tokenConflicts > 0 {
		f.tokenConflicts--
		f.mu.Unlock()
		return domain.ErrConflict
	}
	f.mu.Unlock()
	return f.update(id, func(a *domain.Asset) { a.ShareToken = token })
}

func (f *fakeAssetStore) SoftDelete(ctx context.Context, id uuid.UUID, now time.Time) (int64, error) {
	f.mu.Lock()
	asset, ok := f.assets[id]
	if !ok || asset.DeletedAt != nil {
		f.mu.Unlock()
		return 0, nil
	}
	asset.DeletedAt = &now
	size := asset.SizeBytes
	owner := asset.OwnerID
	f.mu.Unlock()

	if f.quota != nil {
		if err := f.quota.Release(ctx, owner, size); err != nil {
			return 0, err
		}
	}
	return size, nil
}

func (f *fakeAssetStore) Restore(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	asset, ok := f.assets[id]
	if !ok {
		f.mu.Unlock()
		return domain.ErrNotFound
	}
	if asset.DeletedAt == nil {
		f.mu.Unlock()
		return nil
	}
	size := asset.SizeBytes
	owner := asset.OwnerID
	f.mu.Unlock()

	if f.quota != nil {
		ok, err := f.quota.Reserve(ctx, owner, size)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrQuotaExceeded
		}
	}

	f.mu.Lock()
	asset.DeletedAt = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeAssetStore) HardPurge(ctx context.Context, id uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	asset, ok := f.assets[id]
	if !ok || asset.DeletedAt == nil {
		return 0, domain.ErrNotFound
	}
	delete(f.assets, id)
	return asset.SizeBytes, nil
}

func (f *fakeAssetStore) IncrementViews(ctx context.Context, id uuid.UUID) error {
	return f.update(id, func(a *domain.Asset) { a.Views++ })
}

func (f *fakeAssetStore) IncrementDownloads(ctx context.Context, id uuid.UUID) error {
	return f.update(id, func(a *domain.Asset) { a.Downloads++ })
}

func (f *fakeAssetStore) IncrementLikes(ctx context.Context, id uuid.UUID) error {
	return f.update(id, func(a *domain.Asset) { a.Likes++ })
}

func (f *fakeAssetStore) ListByOwner(ctx context.Context, ownerID string, folderID *int64) ([]domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Asset
	for _, a := range f.assets {
		if a.OwnerID != ownerID || a.DeletedAt != nil {
			continue
		}
		if folderID != nil && (a.FolderID == nil || *a.FolderID != *folderID) {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeAssetStore) ListPublicByFolder(ctx context.Context, folderID int64) ([]domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Asset
	for _, a := range f.assets {
		if a.FolderID != nil && *a.FolderID == folderID && a.IsPublic && a.DeletedAt == nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAssetStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Asset
	for _, a := range f.assets {
		if a.DeletedAt == nil && a.Expired(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAssetStore) ListPurgeable(ctx context.Context, now time.Time, limit int) ([]domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Asset
	for _, a := range f.assets {
		if a.DeletedAt != nil && a.DeletedAt.Add(720*time.Hour).Before(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAssetStore) update(id uuid.UUID, fn func(*domain.Asset)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	asset, ok := f.assets[id]
	if !ok || asset.DeletedAt != nil {
		return domain.ErrNotFound
	}
	fn(asset)
	return nil
}

type fakeFolderStore struct {
	mu      sync.Mutex
	folders map[int64]*domain.Folder
	nextID  int64
}

func newFakeFolderStore() *fakeFolderStore {
	return &fakeFolderStore{folders: make(map[int64]*domain.Folder), nextID: 1}
}

func (f *fakeFolderStore) Create(ctx context.Context, folder *domain.Folder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	folder.ID = f.nextID
	f.nextID++
	folder.CreatedAt = time.Now()
	f.folders[folder.ID] = folder
	return nil
}

func (f *fakeFolderStore) GetByID(ctx context.Context, id int64) (*domain.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	folder, ok := f.folders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return folder, nil
}

func (f *fakeFolderStore) GetByToken(ctx context.Context, token string) (*domain.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, folder := range f.folders {
		if folder.ShareToken != nil && *folder.ShareToken == token {
			return folder, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeFolderStore) Rename(ctx context.Context, id int64, newName string) error {
	return f.update(id, func(folder *domain.Folder) { folder.Name = newName })
}

func (f *fakeFolderStore) Move(ctx context.Context, id int64, parentID *int64) error {
	return f.update(id, func(folder *domain.Folder) { folder.ParentID = parentID })
}

func (f *fakeFolderStore) SetVisibility(ctx context.Context, id int64, isPublic bool) error {
	return f.update(id, func(folder *domain.Folder) { folder.IsPublic = isPublic })
}

func (f *fakeFolderStore) SetPassword(ctx context.Context, id int64, passwordHash *string) error {
	return f.update(id, func(folder *domain.Folder) { folder.PasswordHash = passwordHash })
}

func (f *fakeFolderStore) SetSharing(ctx context.Context, id int64, token *string) error {
	return f.update(id, func(folder *domain.Folder) { folder.ShareToken = token })
}

func (f *fakeFolderStore) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.folders, id)
	return nil
}

func (f *fakeFolderStore) ListByOwner(ctx context.Context, ownerID string, parentID *int64) ([]domain.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Folder
	for _, folder := range f.folders {
		if folder.OwnerID != ownerID {
			continue
		}
		if parentID != nil && (folder.ParentID == nil || *folder.ParentID != *parentID) {
			continue
		}
		out = append(out, *folder)
	}
	return out, nil
}

func (f *fakeFolderStore) update(id int64, fn func(*domain.Folder)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	folder, ok := f.folders[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(folder)
	return nil
}

type fakeObject struct {
	io.ReadCloser
	size int64
	mime string
}

func (o *fakeObject) ContentLength() int64 { return o.size }
func (o *fakeObject) ContentType() string  { return o.mime }

type fakeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte

	uploadErr      error
	copyErr        error
	deleteFailures int

	deleted []string
	copied  [][2]string
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: make(map[string][]byte)}
}

func (f *fakeBlob) UploadStream(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlob) GetObject(ctx context.Context, key string) (s3.S3Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return &fakeObject{
		ReadCloser: io.NopCloser(bytes.NewReader(data)),
		size:       int64(len(data)),
	}, nil
}

func (f *fakeBlob) GetObjectRange(ctx context.Context, key string, start, end int64) (s3.S3Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	part := data[start : end+1]
	return &fakeObject{
		ReadCloser: io.NopCloser(bytes.NewReader(part)),
		size:       int64(len(part)),
	}, nil
}

func (f *fakeBlob) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	if f.copyErr != nil {
		return f.copyErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[srcKey]
	if !ok {
		return fmt.Errorf("source object %s not found", srcKey)
	}
	f.objects[dstKey] = append([]byte(nil), data...)
	f.copied = append(f.copied, [2]string{srcKey, dstKey})
	return nil
}

func (f *fakeBlob) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteFailures > 0 {
		f.deleteFailures--
		return fmt.Errorf("transient storage failure")
	}
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeBlob) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

type publishedEvent struct {
	subject string
	payload interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) Publish(subject string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{subject: subject, payload: payload})
}

func (f *fakePublisher) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.subject
	}
	return out
}
