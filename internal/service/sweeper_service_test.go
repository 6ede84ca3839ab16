package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiodrive/internal/domain"
)

type sweeperFixture struct {
	quota  *fakeQuotaStore
	assets *fakeAssetStore
	blob   *fakeBlob
	svc    *SweeperService
}

func newSweeperFixture() *sweeperFixture {
	quota := newFakeQuotaStore()
	assets := newFakeAssetStore(quota)
	blob := newFakeBlob()
	registry := NewAssetService(assets, newFakeFolderStore(), blob, &fakePublisher{})
	return &sweeperFixture{
		quota:  quota,
		assets: assets,
		blob:   blob,
		svc:    NewSweeperService(assets, registry, NewQuotaService(quota), blob, time.Hour),
	}
}

func (f *sweeperFixture) addAsset(mutate func(*domain.Asset)) *domain.Asset {
	asset := &domain.Asset{
		UUID:      uuid.New(),
		Name:      "track.flac",
		MIMEType:  "audio/flac",
		SizeBytes: 100,
		OwnerID:   "alice",
		IsActive:  true,
	}
	if mutate != nil {
		mutate(asset)
	}
	f.assets.put(asset)
	f.blob.mu.Lock()
	f.blob.objects[BlobKey(asset.OwnerID, asset.UUID)] = make([]byte, 100)
	f.blob.mu.Unlock()
	return asset
}

func TestSweeperExpirePass(t *testing.T) {
	f := newSweeperFixture()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	expired := f.addAsset(func(a *domain.Asset) { a.ExpiresAt = &past })
	alive := f.addAsset(func(a *domain.Asset) { a.ExpiresAt = &future })
	eternal := f.addAsset(nil)

	require.True(t, f.svc.RunOnce(context.Background()))

	stored, err := f.assets.GetByUUID(context.Background(), expired.UUID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeletedAt)

	for _, id := range []uuid.UUID{alive.UUID, eternal.UUID} {
		stored, err := f.assets.GetByUUID(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, stored.DeletedAt)
	}
}

// Пролежавшие дольше периода хранения удаляются насовсем: сначала блоб,
// потом строка, затем сверка квоты владельца.
func TestSweeperPurgePass(t *testing.T) {
	f := newSweeperFixture()
	old := time.Now().Add(-800 * time.Hour)
	recent := time.Now().Add(-time.Hour)
	purgeable := f.addAsset(func(a *domain.Asset) { a.DeletedAt = &old })
	waiting := f.addAsset(func(a *domain.Asset) { a.DeletedAt = &recent })

	require.True(t, f.svc.RunOnce(context.Background()))

	_, err := f.assets.GetByUUID(context.Background(), purgeable.UUID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, f.blob.has(BlobKey("alice", purgeable.UUID)))

	// Свежеудаленный остается ждать своего срока
	stored, err := f.assets.GetByUUID(context.Background(), waiting.UUID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeletedAt)
	assert.True(t, f.blob.has(BlobKey("alice", waiting.UUID)))

	assert.Contains(t, f.quota.recalculated, "alice")
}

// Недоступный блоб оставляет строку в корзине до следующего прохода.
func TestSweeperPurgeKeepsRowOnBlobFailure(t *testing.T) {
	f := newSweeperFixture()
	old := time.Now().Add(-800 * time.Hour)
	asset := f.addAsset(func(a *domain.Asset) { a.DeletedAt = &old })
	f.blob.deleteFailures = purgeRetries

	// Отмененный контекст обрывает повторы без ожидания бэкоффа
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, f.svc.RunOnce(ctx))

	stored, err := f.assets.GetByUUID(context.Background(), asset.UUID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeletedAt)
}

func TestSweeperRolloverPass(t *testing.T) {
	f := newSweeperFixture()
	limit := int64(1000)
	f.quota.setQuota("alice", 5000, &limit)
	f.quota.mu.Lock()
	f.quota.quotas["alice"].bwUsed = 900
	f.quota.quotas["alice"].resetDate = time.Now().Add(-time.Hour)
	f.quota.mu.Unlock()

	require.True(t, f.svc.RunOnce(context.Background()))

	f.quota.mu.Lock()
	defer f.quota.mu.Unlock()
	assert.Equal(t, int64(0), f.quota.quotas["alice"].bwUsed)
	assert.True(t, f.quota.quotas["alice"].resetDate.After(time.Now()))
}

// Тик, пришедший во время работы прохода, пропускается, а не встает
// в очередь.
func TestSweeperOverlapSkip(t *testing.T) {
	f := newSweeperFixture()

	require.True(t, f.svc.running.CompareAndSwap(false, true))
	assert.False(t, f.svc.RunOnce(context.Background()))
	f.svc.running.Store(false)

	assert.True(t, f.svc.RunOnce(context.Background()))
}

func TestSweeperConcurrentRunOnce(t *testing.T) {
	f := newSweeperFixture()
	old := time.Now().Add(-800 * time.Hour)
	for i := 0; i < 20; i++ {
		f.addAsset(func(a *domain.Asset) { a.DeletedAt = &old })
	}

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.svc.RunOnce(context.Background())
		}(i)
	}
	wg.Wait()

	ran := 0
	for _, ok := range results {
		if ok {
			ran++
		}
	}
	assert.GreaterOrEqual(t, ran, 1)
}
