package pool

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/vault"
)

const (
	deleteRetryAttempts = 3
	deleteRetryBaseWait = 500 * time.Millisecond
)

// Reclaimer deletes stored objects and revokes access keys, returning the
// freed capacity to the pool.
type Reclaimer struct {
	db     *gorm.DB
	alloc  *Allocator
	ledger *Ledger
}

// NewReclaimer creates a reclaimer sharing the allocator's provider access
func NewReclaimer(db *gorm.DB, alloc *Allocator, ledger *Ledger) *Reclaimer {
	return &Reclaimer{db: db, alloc: alloc, ledger: ledger}
}

// DeleteObject deletes a post and, for folders, all children depth-first in
// post-order. It returns the total bytes freed. Ledger usage is released per
// drive touched and each drive's provider quota is refreshed afterwards.
func (r *Reclaimer) DeleteObject(postID uint) (int64, error) {
	var post models.Post
	if err := r.db.First(&post, postID).Error; err != nil {
		return 0, fmt.Errorf("post %d not found: %w", postID, err)
	}

	freedPerDrive := make(map[uint]int64)
	if err := r.deleteTree(&post, freedPerDrive); err != nil {
		return 0, err
	}

	var total int64
	for driveID, freed := range freedPerDrive {
		total += freed
		if err := r.ledger.RecordDelete(post.AccessKeyID, driveID, freed); err != nil {
			log.Printf("Reclaimer: failed to release %d bytes on drive %d: %v", freed, driveID, err)
		}
		r.refreshDrive(driveID)
	}

	return total, nil
}

// deleteTree removes a post and its subtree, accumulating freed bytes per drive
func (r *Reclaimer) deleteTree(post *models.Post, freedPerDrive map[uint]int64) error {
	var children []models.Post
	if err := r.db.Where("parent_id = ?", post.ID).Find(&children).Error; err != nil {
		return err
	}
	for i := range children {
		if err := r.deleteTree(&children[i], freedPerDrive); err != nil {
			return err
		}
	}

	if post.FileID != "" {
		if err := r.deleteBackendFile(post.DriveID, post.FileID); err != nil {
			return fmt.Errorf("failed to delete file %s on drive %d: %w", post.FileID, post.DriveID, err)
		}
	}

	if err := r.db.Delete(&models.Post{}, post.ID).Error; err != nil {
		return err
	}

	if post.DriveID != 0 {
		freedPerDrive[post.DriveID] += post.Size
	}
	return nil
}

// DeleteAccessKey revokes a key: every owned backend file is deleted with
// bounded retries, then all allocation edges are removed and their drives
// returned to the eligible pool regardless of whether every file delete
// succeeded. Discrepancies are logged, not guessed at.
func (r *Reclaimer) DeleteAccessKey(keyID uint) error {
	var key models.AccessKey
	if err := r.db.First(&key, keyID).Error; err != nil {
		return ErrKeyNotFound
	}

	var edges []models.DriveKey
	if err := r.db.Where("access_key_id = ?", keyID).Order("id asc").Find(&edges).Error; err != nil {
		return err
	}

	failed := 0
	for _, edge := range edges {
		var posts []models.Post
		if err := r.db.Where("access_key_id = ? AND drive_id = ? AND file_id <> ''", keyID, edge.DriveID).Find(&posts).Error; err != nil {
			return err
		}
		for _, post := range posts {
			if err := r.deleteBackendFile(post.DriveID, post.FileID); err != nil {
				failed++
				log.Printf("Reclaimer: leaving orphan file %s on drive %d for key %d: %v", post.FileID, post.DriveID, keyID, err)
			}
		}
	}
	if failed > 0 {
		log.Printf("Reclaimer: %d backend file(s) could not be deleted while revoking key %d", failed, keyID)
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		for _, edge := range edges {
			if err := tx.Model(&models.Drive{}).Where("id = ?", edge.DriveID).Update("allotted", false).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("access_key_id = ?", keyID).Delete(&models.DriveKey{}).Error; err != nil {
			return err
		}
		if err := tx.Where("access_key_id = ?", keyID).Delete(&models.Post{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.AccessKey{}, keyID).Error
	})
	if err != nil {
		return err
	}

	log.Printf("Reclaimer: revoked key %d, released %d allocation edge(s)", keyID, len(edges))
	return nil
}

// deleteBackendFile deletes one provider file with bounded retries and
// backoff. Credential decryption failure is fatal and never retried.
func (r *Reclaimer) deleteBackendFile(driveID uint, fileID string) error {
	cred, err := r.alloc.credentialFor(driveID)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < deleteRetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(deleteRetryBaseWait << uint(attempt-1))
		}
		lastErr = r.alloc.sched.Run(func() error {
			return r.alloc.provider.DeleteFile(cred, fileID)
		})
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, vault.ErrDecryptFailed) {
			return lastErr
		}
	}
	return lastErr
}

// refreshDrive re-reads the provider quota after a delete so free-space
// accounting catches up with the reclaim
func (r *Reclaimer) refreshDrive(driveID uint) {
	var d models.Drive
	if err := r.db.First(&d, driveID).Error; err != nil {
		return
	}
	if err := r.alloc.RefreshDriveQuota(&d); err != nil {
		log.Printf("Reclaimer: quota refresh for drive %d failed: %v", driveID, err)
	}
}
