package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiodrive/internal/domain"
)

type cloneFixture struct {
	quota     *fakeQuotaStore
	assets    *fakeAssetStore
	folders   *fakeFolderStore
	blob      *fakeBlob
	publisher *fakePublisher
	svc       *CloneService
}

func newCloneFixture() *cloneFixture {
	quota := newFakeQuotaStore()
	assets := newFakeAssetStore(quota)
	folders := newFakeFolderStore()
	blob := newFakeBlob()
	publisher := &fakePublisher{}
	access := NewAccessService(assets, folders, NewQuotaService(quota), publisher)
	return &cloneFixture{
		quota:     quota,
		assets:    assets,
		folders:   folders,
		blob:      blob,
		publisher: publisher,
		svc:       NewCloneService(assets, folders, access, blob, publisher),
	}
}

func (f *cloneFixture) addSource(t *testing.T, ownerID string, isPublic bool, size int64) *domain.Asset {
	t.Helper()
	asset := &domain.Asset{
		UUID:      uuid.New(),
		Name:      "track.flac",
		MIMEType:  "audio/flac",
		SizeBytes: size,
		OwnerID:   ownerID,
		IsPublic:  isPublic,
		IsActive:  true,
	}
	f.assets.put(asset)
	f.blob.mu.Lock()
	f.blob.objects[BlobKey(ownerID, asset.UUID)] = make([]byte, int(size))
	f.blob.mu.Unlock()
	return asset
}

func TestClone(t *testing.T) {
	f := newCloneFixture()
	f.quota.setQuota("bob", 1000, nil)
	source := f.addSource(t, "alice", true, 400)

	clone, err := f.svc.Clone(context.Background(), source.UUID, "bob", nil)
	require.NoError(t, err)

	assert.NotEqual(t, source.UUID, clone.UUID)
	assert.Equal(t, "bob", clone.OwnerID)
	assert.Equal(t, source.SizeBytes, clone.SizeBytes)
	assert.Nil(t, clone.ShareToken)
	assert.True(t, f.blob.has(BlobKey("bob", clone.UUID)))

	// Происхождение зафиксировано в метаданных
	var meta map[string]string
	require.NoError(t, json.Unmarshal(clone.Metadata, &meta))
	assert.Equal(t, source.UUID.String(), meta[domain.MetaClonedFrom])
	assert.Equal(t, "alice", meta[domain.MetaOriginalOwner])

	// Место списано с квоты запросившего, не владельца источника
	info, err := NewQuotaService(f.quota).GetQuotaInfo(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(400), info.UsedSpace)
}

// Непубличный источник недоступен для клонирования всегда, даже
// собственному владельцу и даже при свободной квоте.
func TestCloneNonPublicDenied(t *testing.T) {
	f := newCloneFixture()
	f.quota.setQuota("alice", 1<<40, nil)
	source := f.addSource(t, "alice", false, 100)
	ctx := context.Background()

	_, err := f.svc.Clone(ctx, source.UUID, "bob", nil)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.Clone(ctx, source.UUID, "alice", nil)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

// Клонирование собственного публичного ассета дает независимую копию.
func TestCloneOwnPublicAsset(t *testing.T) {
	f := newCloneFixture()
	f.quota.setQuota("alice", 1000, nil)
	source := f.addSource(t, "alice", true, 300)

	clone, err := f.svc.Clone(context.Background(), source.UUID, "alice", nil)
	require.NoError(t, err)
	assert.NotEqual(t, source.UUID, clone.UUID)
	assert.Equal(t, "alice", clone.OwnerID)
}

func TestCloneAnonymousDenied(t *testing.T) {
	f := newCloneFixture()
	source := f.addSource(t, "alice", true, 100)

	_, err := f.svc.Clone(context.Background(), source.UUID, "", nil)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

// При отказе квоты уже скопированный блоб откатывается.
func TestCloneQuotaExceededRollsBackBlob(t *testing.T) {
	f := newCloneFixture()
	f.quota.setQuota("bob", 100, nil)
	source := f.addSource(t, "alice", true, 400)

	_, err := f.svc.Clone(context.Background(), source.UUID, "bob", nil)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	// Копия не осталась в блоб-хранилище, источник цел
	assert.Len(t, f.blob.deleted, 1)
	assert.True(t, f.blob.has(BlobKey("alice", source.UUID)))
}

func TestCloneDeletedSource(t *testing.T) {
	f := newCloneFixture()
	source := f.addSource(t, "alice", true, 100)
	now := time.Now()
	source.DeletedAt = &now

	_, err := f.svc.Clone(context.Background(), source.UUID, "bob", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCloneExpiredSource(t *testing.T) {
	f := newCloneFixture()
	source := f.addSource(t, "alice", true, 100)
	past := time.Now().Add(-time.Hour)
	source.ExpiresAt = &past

	_, err := f.svc.Clone(context.Background(), source.UUID, "bob", nil)
	assert.ErrorIs(t, err, domain.ErrGone)
}

func TestCloneForeignDestFolder(t *testing.T) {
	f := newCloneFixture()
	source := f.addSource(t, "alice", true, 100)
	folder := &domain.Folder{Name: "private", OwnerID: "carol"}
	require.NoError(t, f.folders.Create(context.Background(), folder))

	_, err := f.svc.Clone(context.Background(), source.UUID, "bob", &folder.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
