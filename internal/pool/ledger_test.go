package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickDriveWithHeadroomFirstFit(t *testing.T) {
	h := newHarness(t)
	d1 := h.seedDrive(t, 15*gib, 0)
	d2 := h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 20*gib)
	require.NoError(t, err)

	// First edge has 15 GiB of headroom, a small write lands there
	edge, err := h.ledger.PickDriveWithHeadroom(key.ID, gib)
	require.NoError(t, err)
	assert.Equal(t, d1.ID, edge.DriveID)

	// Fill the first edge; the next write falls through to the second
	require.NoError(t, h.ledger.RecordWrite(key.ID, d1.ID, 15*gib))
	edge, err = h.ledger.PickDriveWithHeadroom(key.ID, gib)
	require.NoError(t, err)
	assert.Equal(t, d2.ID, edge.DriveID)
}

func TestPickDriveWithHeadroomQuotaExceeded(t *testing.T) {
	h := newHarness(t)
	h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 10*gib)
	require.NoError(t, err)

	// A write past the key's quota is rejected before any edge is considered
	_, err = h.ledger.PickDriveWithHeadroom(key.ID, 11*gib)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// Exactly at quota fits
	_, err = h.ledger.PickDriveWithHeadroom(key.ID, 10*gib)
	require.NoError(t, err)
}

func TestPickDriveWithHeadroomNoEdgeFits(t *testing.T) {
	h := newHarness(t)
	d1 := h.seedDrive(t, 15*gib, 0)
	d2 := h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 20*gib)
	require.NoError(t, err)

	// 14 of 15 used on the first edge, 4 of 5 on the second; a 2 GiB write
	// is within quota but fits no single edge
	require.NoError(t, h.ledger.RecordWrite(key.ID, d1.ID, 14*gib))
	require.NoError(t, h.ledger.RecordWrite(key.ID, d2.ID, 4*gib))

	_, err = h.ledger.PickDriveWithHeadroom(key.ID, 2*gib)
	require.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestPickDriveWithHeadroomUnknownKey(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.PickDriveWithHeadroom(999, gib)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRecordWriteBooksUsage(t *testing.T) {
	h := newHarness(t)
	d := h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 10*gib)
	require.NoError(t, err)

	require.NoError(t, h.ledger.RecordWrite(key.ID, d.ID, 3*gib))
	require.NoError(t, h.ledger.RecordWrite(key.ID, d.ID, 2*gib))

	edges := h.edgesFor(t, key.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, 5*gib, edges[0].Usage)
	assert.Equal(t, 5*gib, h.reloadKey(t, key.ID).TotalUsage)
}

func TestRecordDeleteClampsToEdgeUsage(t *testing.T) {
	h := newHarness(t)
	d := h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 10*gib)
	require.NoError(t, err)
	require.NoError(t, h.ledger.RecordWrite(key.ID, d.ID, 3*gib))

	// Releasing more than was booked clamps instead of going negative
	require.NoError(t, h.ledger.RecordDelete(key.ID, d.ID, 5*gib))

	edges := h.edgesFor(t, key.ID)
	require.Len(t, edges, 1)
	assert.Zero(t, edges[0].Usage)
	assert.Zero(t, h.reloadKey(t, key.ID).TotalUsage)
}

func TestRecordWriteZeroBytesIsNoop(t *testing.T) {
	h := newHarness(t)
	key := h.seedKey(t, "tenant-a")

	// No edge exists, so anything but the zero-byte shortcut would fail
	require.NoError(t, h.ledger.RecordWrite(key.ID, 42, 0))
	require.NoError(t, h.ledger.RecordDelete(key.ID, 42, 0))
}

func TestKeyUsage(t *testing.T) {
	h := newHarness(t)
	d := h.seedDrive(t, 15*gib, 0)
	key := h.seedKey(t, "tenant-a")

	_, err := h.alloc.Allocate(key.ID, 10*gib)
	require.NoError(t, err)
	require.NoError(t, h.ledger.RecordWrite(key.ID, d.ID, 4*gib))

	limit, usage, err := h.ledger.KeyUsage(key.ID)
	require.NoError(t, err)
	assert.Equal(t, 10*gib, limit)
	assert.Equal(t, 4*gib, usage)

	_, _, err = h.ledger.KeyUsage(999)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPoolTotals(t *testing.T) {
	h := newHarness(t)
	h.seedDrive(t, 15*gib, 2*gib)
	h.seedDrive(t, 15*gib, 3*gib)

	limit, usage, err := h.ledger.PoolTotals()
	require.NoError(t, err)
	assert.Equal(t, 30*gib, limit)
	assert.Equal(t, 5*gib, usage)
}
