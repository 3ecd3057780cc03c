package pool

import (
	"log"

	"gorm.io/gorm"

	"github.com/drivepool/backend/internal/models"
)

// Ledger tracks allocated versus consumed space per access key and per
// drive. All writes to DriveKey usage and AccessKey totals go through here,
// inside single transactions.
type Ledger struct {
	db *gorm.DB
}

// NewLedger creates a ledger over the given store
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// PickDriveWithHeadroom returns the first allocation edge, in edge order,
// that can absorb a write of `bytes` without pushing the key past its quota.
func (l *Ledger) PickDriveWithHeadroom(keyID uint, bytes int64) (*models.DriveKey, error) {
	var key models.AccessKey
	if err := l.db.First(&key, keyID).Error; err != nil {
		return nil, ErrKeyNotFound
	}
	if key.TotalUsage+bytes > key.Limit {
		return nil, ErrQuotaExceeded
	}

	var edges []models.DriveKey
	if err := l.db.Where("access_key_id = ?", keyID).Order("id asc").Find(&edges).Error; err != nil {
		return nil, err
	}

	// First fit by edge order; simple beats balanced wear
	for i := range edges {
		if edges[i].Usage+bytes <= edges[i].AllocatedSpace {
			return &edges[i], nil
		}
	}
	return nil, ErrQuotaExceeded
}

// RecordWrite books `bytes` of consumption against an edge and its key
func (l *Ledger) RecordWrite(keyID, driveID uint, bytes int64) error {
	if bytes == 0 {
		return nil
	}
	return l.db.Transaction(func(tx *gorm.DB) error {
		var edge models.DriveKey
		if err := tx.Where("access_key_id = ? AND drive_id = ?", keyID, driveID).First(&edge).Error; err != nil {
			return err
		}
		var key models.AccessKey
		if err := tx.First(&key, keyID).Error; err != nil {
			return err
		}

		// Usage is recorded faithfully even when it disagrees with quota;
		// the discrepancy is surfaced, never silently adjusted
		if key.TotalUsage+bytes > key.Limit {
			log.Printf("Ledger: key %d usage %d+%d exceeds limit %d", keyID, key.TotalUsage, bytes, key.Limit)
		}

		if err := tx.Model(&models.DriveKey{}).Where("id = ?", edge.ID).
			Update("usage", gorm.Expr(`"usage" + ?`, bytes)).Error; err != nil {
			return err
		}
		return tx.Model(&models.AccessKey{}).Where("id = ?", keyID).
			Update("total_usage", gorm.Expr("total_usage + ?", bytes)).Error
	})
}

// RecordDelete releases `bytes` of consumption from an edge and its key
func (l *Ledger) RecordDelete(keyID, driveID uint, bytes int64) error {
	if bytes == 0 {
		return nil
	}
	return l.db.Transaction(func(tx *gorm.DB) error {
		var edge models.DriveKey
		if err := tx.Where("access_key_id = ? AND drive_id = ?", keyID, driveID).First(&edge).Error; err != nil {
			return err
		}

		freed := bytes
		if freed > edge.Usage {
			log.Printf("Ledger: delete of %d bytes exceeds edge %d usage %d, clamping", bytes, edge.ID, edge.Usage)
			freed = edge.Usage
		}

		if err := tx.Model(&models.DriveKey{}).Where("id = ?", edge.ID).
			Update("usage", gorm.Expr(`"usage" - ?`, freed)).Error; err != nil {
			return err
		}
		return tx.Model(&models.AccessKey{}).Where("id = ?", keyID).
			Update("total_usage", gorm.Expr("total_usage - ?", freed)).Error
	})
}

// KeyUsage returns an access key's granted quota and current consumption
func (l *Ledger) KeyUsage(keyID uint) (limit, usage int64, err error) {
	var key models.AccessKey
	if err := l.db.First(&key, keyID).Error; err != nil {
		return 0, 0, ErrKeyNotFound
	}
	return key.Limit, key.TotalUsage, nil
}

// PoolTotals aggregates provider-reported capacity and usage across all
// drives, for the dashboard surface.
func (l *Ledger) PoolTotals() (limit, usage int64, err error) {
	type totals struct {
		Limit int64
		Usage int64
	}
	var t totals
	err = l.db.Model(&models.Drive{}).
		Select(`COALESCE(SUM("limit"), 0) as "limit", COALESCE(SUM("usage"), 0) as "usage"`).
		Scan(&t).Error
	if err != nil {
		return 0, 0, err
	}
	return t.Limit, t.Usage, nil
}
