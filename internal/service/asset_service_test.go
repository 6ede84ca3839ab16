package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiodrive/internal/domain"
	"audiodrive/internal/events"
)

type assetFixture struct {
	quota     *fakeQuotaStore
	assets    *fakeAssetStore
	folders   *fakeFolderStore
	blob      *fakeBlob
	publisher *fakePublisher
	svc       *AssetService
}

func newAssetFixture() *assetFixture {
	quota := newFakeQuotaStore()
	assets := newFakeAssetStore(quota)
	folders := newFakeFolderStore()
	blob := newFakeBlob()
	publisher := &fakePublisher{}
	return &assetFixture{
		quota:     quota,
		assets:    assets,
		folders:   folders,
		blob:      blob,
		publisher: publisher,
		svc:       NewAssetService(assets, folders, blob, publisher),
	}
}

func (f *assetFixture) upload(t *testing.T, ownerID string, size int64) *domain.Asset {
	t.Helper()
	asset, err := f.svc.Upload(context.Background(), ownerID, domain.AssetUpload{
		Name:     "track.flac",
		MIMEType: "audio/flac",
		Size:     size,
	}, bytes.NewReader(make([]byte, int(size))))
	require.NoError(t, err)
	return asset
}

func TestAssetUpload(t *testing.T) {
	f := newAssetFixture()
	f.quota.setQuota("alice", 1000, nil)

	asset := f.upload(t, "alice", 400)

	assert.Equal(t, "alice", asset.OwnerID)
	assert.True(t, asset.IsActive)
	assert.True(t, f.blob.has(BlobKey("alice", asset.UUID)))
	assert.Equal(t, []string{events.SubjectAssetCreated}, f.publisher.subjects())

	info, err := NewQuotaService(f.quota).GetQuotaInfo(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(400), info.UsedSpace)
}

// Загрузка сверх остатка квоты отклоняется, содержимое не остается
// в блоб-хранилище. После удаления первого ассета повтор проходит.
func TestAssetUploadQuotaExceeded(t *testing.T) {
	f := newAssetFixture()
	f.quota.setQuota("alice", 1000, nil)
	first := f.upload(t, "alice", 600)
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, "alice", domain.AssetUpload{
		Name:     "big.flac",
		MIMEType: "audio/flac",
		Size:     600,
	}, bytes.NewReader(make([]byte, 600)))
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	// Компенсация: блоб второго файла удален, квота не тронута
	assert.Len(t, f.blob.deleted, 1)
	info, qerr := NewQuotaService(f.quota).GetQuotaInfo(ctx, "alice")
	require.NoError(t, qerr)
	assert.Equal(t, int64(600), info.UsedSpace)

	// Удаление первого освобождает место, повтор успешен
	require.NoError(t, f.svc.SoftDelete(ctx, first.UUID, "alice"))
	f.upload(t, "alice", 600)
}

func TestAssetUploadSizeLimit(t *testing.T) {
	f := newAssetFixture()

	_, err := f.svc.Upload(context.Background(), "alice", domain.AssetUpload{
		Name:     "huge.wav",
		MIMEType: "audio/wav",
		Size:     maxAssetSize + 1,
	}, bytes.NewReader(nil))
	assert.Error(t, err)

	_, err = f.svc.Upload(context.Background(), "alice", domain.AssetUpload{
		Name: "empty.wav",
		Size: 0,
	}, bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestAssetUploadForeignFolder(t *testing.T) {
	f := newAssetFixture()
	folder := &domain.Folder{Name: "bob stuff", OwnerID: "bob"}
	require.NoError(t, f.folders.Create(context.Background(), folder))

	_, err := f.svc.Upload(context.Background(), "alice", domain.AssetUpload{
		Name:     "track.flac",
		Size:     100,
		FolderID: &folder.ID,
	}, bytes.NewReader(make([]byte, 100)))
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

// Повторное удаление в корзину не освобождает квоту второй раз.
func TestAssetSoftDeleteIdempotent(t *testing.T) {
	f := newAssetFixture()
	f.quota.setQuota("alice", 1000, nil)
	asset := f.upload(t, "alice", 400)
	ctx := context.Background()

	require.NoError(t, f.svc.SoftDelete(ctx, asset.UUID, "alice"))
	require.NoError(t, f.svc.SoftDelete(ctx, asset.UUID, "alice"))

	info, err := NewQuotaService(f.quota).GetQuotaInfo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.UsedSpace)

	// Событие удаления ровно одно
	deletions := 0
	for _, subject := range f.publisher.subjects() {
		if subject == events.SubjectAssetDeleted {
			deletions++
		}
	}
	assert.Equal(t, 1, deletions)
}

// Идемпотентность покрывает только уже удаленные строки: несуществующий
// UUID остается ErrNotFound.
func TestAssetSoftDeleteUnknown(t *testing.T) {
	f := newAssetFixture()

	err := f.svc.SoftDelete(context.Background(), uuid.New(), "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAssetSoftDeleteForeign(t *testing.T) {
	f := newAssetFixture()
	asset := f.upload(t, "alice", 100)

	err := f.svc.SoftDelete(context.Background(), asset.UUID, "bob")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestAssetRestore(t *testing.T) {
	f := newAssetFixture()
	f.quota.setQuota("alice", 1000, nil)
	asset := f.upload(t, "alice", 400)
	ctx := context.Background()

	require.NoError(t, f.svc.SoftDelete(ctx, asset.UUID, "alice"))
	require.NoError(t, f.svc.Restore(ctx, asset.UUID, "alice"))

	restored, err := f.assets.GetByUUID(ctx, asset.UUID)
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)

	info, err := NewQuotaService(f.quota).GetQuotaInfo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(400), info.UsedSpace)
}

// Если за время в корзине владелец занял место, восстановление
// отклоняется и ассет остается в корзине.
func TestAssetRestoreQuotaExceeded(t *testing.T) {
	f := newAssetFixture()
	f.quota.setQuota("alice", 1000, nil)
	asset := f.upload(t, "alice", 600)
	ctx := context.Background()

	require.NoError(t, f.svc.SoftDelete(ctx, asset.UUID, "alice"))
	f.upload(t, "alice", 700)

	err := f.svc.Restore(ctx, asset.UUID, "alice")
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	still, gerr := f.assets.GetByUUID(ctx, asset.UUID)
	require.NoError(t, gerr)
	assert.NotNil(t, still.DeletedAt)
}

// Истекший ассет не восстанавливается даже при живой строке.
func TestAssetRestoreExpired(t *testing.T) {
	f := newAssetFixture()
	asset := f.upload(t, "alice", 100)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, f.assets.SetExpiration(ctx, asset.UUID, &past))
	require.NoError(t, f.svc.SoftDelete(ctx, asset.UUID, "alice"))

	err := f.svc.Restore(ctx, asset.UUID, "alice")
	assert.ErrorIs(t, err, domain.ErrGone)
}

// Коллизия токена при шаринге ретраится с новым токеном.
func TestAssetEnableSharingRetriesOnCollision(t *testing.T) {
	f := newAssetFixture()
	asset := f.upload(t, "alice", 100)
	f.assets.tokenConflicts = 2

	token, err := f.svc.EnableSharing(context.Background(), asset.UUID, "alice")
	require.NoError(t, err)
	assert.Len(t, token, tokenLength)
	assert.Equal(t, 3, f.assets.sharingCalls)
}

func TestAssetSetPassword(t *testing.T) {
	f := newAssetFixture()
	asset := f.upload(t, "alice", 100)
	ctx := context.Background()

	require.NoError(t, f.svc.SetPassword(ctx, asset.UUID, "alice", "s3cret"))
	stored, err := f.assets.GetByUUID(ctx, asset.UUID)
	require.NoError(t, err)
	require.NotNil(t, stored.PasswordHash)
	assert.NotEqual(t, "s3cret", *stored.PasswordHash)

	// Пустой пароль снимает защиту
	require.NoError(t, f.svc.SetPassword(ctx, asset.UUID, "alice", ""))
	stored, err = f.assets.GetByUUID(ctx, asset.UUID)
	require.NoError(t, err)
	assert.Nil(t, stored.PasswordHash)
}

func TestAssetPurgeNow(t *testing.T) {
	f := newAssetFixture()
	f.quota.setQuota("alice", 1000, nil)
	asset := f.upload(t, "alice", 400)
	ctx := context.Background()

	// Живой ассет немедленно не удаляется
	err := f.svc.PurgeNow(ctx, asset.UUID, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.svc.SoftDelete(ctx, asset.UUID, "alice"))
	require.NoError(t, f.svc.PurgeNow(ctx, asset.UUID, "alice"))

	_, err = f.assets.GetByUUID(ctx, asset.UUID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, f.blob.has(BlobKey("alice", asset.UUID)))
}

func TestCloneMetadata(t *testing.T) {
	id := uuid.New()
	raw, err := CloneMetadata(id, "bob")
	require.NoError(t, err)
	assert.Contains(t, string(raw), id.String())
	assert.Contains(t, string(raw), "bob")
}
