package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivepool/backend/internal/drive"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/vault"
)

func TestDeleteObjectSingleFile(t *testing.T) {
	h := newHarness(t)
	d := h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 10*gib)
	require.NoError(t, err)
	require.NoError(t, h.ledger.RecordWrite(key.ID, d.ID, 2*gib))

	post := h.seedPost(t, key.ID, d.ID, nil, models.PostTypeFile, "report.pdf", "f-report", 2*gib)

	freed, err := h.reclaim.DeleteObject(post.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*gib, freed)

	assert.Equal(t, []string{"f-report"}, h.provider.deleted())

	var count int64
	h.db.Model(&models.Post{}).Where("id = ?", post.ID).Count(&count)
	assert.Zero(t, count)

	edges := h.edgesFor(t, key.ID)
	require.Len(t, edges, 1)
	assert.Zero(t, edges[0].Usage)
	assert.Zero(t, h.reloadKey(t, key.ID).TotalUsage)
}

func TestDeleteObjectFolderRecursesDepthFirst(t *testing.T) {
	h := newHarness(t)
	d := h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 10*gib)
	require.NoError(t, err)
	require.NoError(t, h.ledger.RecordWrite(key.ID, d.ID, 3*gib))

	root := h.seedPost(t, key.ID, d.ID, nil, models.PostTypeFolder, "photos", "f-root", 0)
	h.seedPost(t, key.ID, d.ID, root, models.PostTypeFile, "a.jpg", "f-a", gib)
	sub := h.seedPost(t, key.ID, d.ID, root, models.PostTypeFolder, "2025", "f-sub", 0)
	h.seedPost(t, key.ID, d.ID, sub, models.PostTypeFile, "b.jpg", "f-b", 2*gib)

	freed, err := h.reclaim.DeleteObject(root.ID)
	require.NoError(t, err)
	assert.Equal(t, 3*gib, freed)

	deleted := h.provider.deleted()
	assert.ElementsMatch(t, []string{"f-root", "f-a", "f-sub", "f-b"}, deleted)
	// Containers go last so children never orphan mid-delete
	assert.Equal(t, "f-root", deleted[len(deleted)-1])

	var count int64
	h.db.Model(&models.Post{}).Where("access_key_id = ?", key.ID).Count(&count)
	assert.Zero(t, count)
	assert.Zero(t, h.reloadKey(t, key.ID).TotalUsage)
}

func TestDeleteObjectMetadataOnlyFolder(t *testing.T) {
	h := newHarness(t)
	key := h.seedKey(t, "tenant-a")

	// A folder with no backend object does not touch the provider
	post := h.seedPost(t, key.ID, 0, nil, models.PostTypeFolder, "inbox", "", 0)

	freed, err := h.reclaim.DeleteObject(post.ID)
	require.NoError(t, err)
	assert.Zero(t, freed)
	assert.Empty(t, h.provider.deleted())
}

func TestDeleteObjectProviderFailureKeepsPost(t *testing.T) {
	h := newHarness(t)
	d := h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 10*gib)
	require.NoError(t, err)

	post := h.seedPost(t, key.ID, d.ID, nil, models.PostTypeFile, "stuck.bin", "f-stuck", gib)
	h.provider.deleteErr = drive.ErrUnavailable

	_, err = h.reclaim.DeleteObject(post.ID)
	require.Error(t, err)
	assert.Equal(t, deleteRetryAttempts, h.provider.deleteCalls, "transient failures get the full retry budget")

	var count int64
	h.db.Model(&models.Post{}).Where("id = ?", post.ID).Count(&count)
	assert.Equal(t, int64(1), count, "metadata must survive a failed backend delete")
}

func TestDeleteObjectUnreadableCredentialNotRetried(t *testing.T) {
	h := newHarness(t)
	d := h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 10*gib)
	require.NoError(t, err)

	post := h.seedPost(t, key.ID, d.ID, nil, models.PostTypeFile, "lost.bin", "f-lost", gib)

	require.NoError(t, h.db.Model(&models.DriveCredential{}).
		Where("drive_id = ?", d.ID).
		Update("auth_tag", "AAAAAAAAAAAAAAAAAAAAAA==").Error)

	_, err = h.reclaim.DeleteObject(post.ID)
	require.ErrorIs(t, err, vault.ErrDecryptFailed)
	assert.Zero(t, h.provider.deleteCalls, "an unreadable credential must short-circuit, not hammer the provider")
}

func TestDeleteAccessKeyRevokesEverything(t *testing.T) {
	h := newHarness(t)
	d1 := h.seedDrive(t, 15*gib, 0)
	d2 := h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 20*gib)
	require.NoError(t, err)
	require.True(t, h.reloadDrive(t, d1.ID).Allotted)

	h.seedPost(t, key.ID, d1.ID, nil, models.PostTypeFile, "a.bin", "f-a", gib)
	h.seedPost(t, key.ID, d2.ID, nil, models.PostTypeFile, "b.bin", "f-b", gib)
	h.seedPost(t, key.ID, 0, nil, models.PostTypeFolder, "meta", "", 0)

	require.NoError(t, h.reclaim.DeleteAccessKey(key.ID))

	assert.ElementsMatch(t, []string{"f-a", "f-b"}, h.provider.deleted())
	assert.Empty(t, h.edgesFor(t, key.ID))

	var posts int64
	h.db.Model(&models.Post{}).Where("access_key_id = ?", key.ID).Count(&posts)
	assert.Zero(t, posts)

	var gone models.AccessKey
	require.Error(t, h.db.First(&gone, key.ID).Error, "the key itself must be gone")

	assert.False(t, h.reloadDrive(t, d1.ID).Allotted, "revoked capacity returns to the pool")
	assert.False(t, h.reloadDrive(t, d2.ID).Allotted)
}

func TestDeleteAccessKeyProceedsPastOrphanedFiles(t *testing.T) {
	h := newHarness(t)
	d := h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 10*gib)
	require.NoError(t, err)
	h.seedPost(t, key.ID, d.ID, nil, models.PostTypeFile, "a.bin", "f-a", gib)

	// Backend deletes fail, the revoke still completes and logs the orphan
	h.provider.deleteErr = drive.ErrUnavailable
	require.NoError(t, h.reclaim.DeleteAccessKey(key.ID))

	assert.Empty(t, h.edgesFor(t, key.ID))
	var gone models.AccessKey
	require.Error(t, h.db.First(&gone, key.ID).Error)
	assert.False(t, h.reloadDrive(t, d.ID).Allotted)
}

func TestDeleteAccessKeyUnknown(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.reclaim.DeleteAccessKey(999), ErrKeyNotFound)
}
