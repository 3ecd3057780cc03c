// Package pool turns many quota-limited backend drives into one elastic
// capacity pool: placement, provisioning, usage bookkeeping and reclaim.
package pool

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/drivepool/backend/internal/drive"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/scheduler"
	"github.com/drivepool/backend/internal/vault"
)

// AllocatorConfig tunes provisioning behavior
type AllocatorConfig struct {
	// PerAccountQuota is the assumed capacity of a freshly created drive,
	// used to estimate how many accounts a shortfall needs
	PerAccountQuota int64
	// AccountCreateDelay paces consecutive account creations; the provider
	// rate-limits account creation, so this is intentionally sequential
	AccountCreateDelay time.Duration
	PollAttempts       int
	PollDelay          time.Duration
	// OwnerName seeds deterministic project names
	OwnerName string
	// DisableProvisioning makes a shortfall fail immediately with
	// ErrInsufficientCapacity instead of creating accounts
	DisableProvisioning bool
}

// Allocator bin-packs allocation requests across the pool's drives and grows
// the pool when it runs short. Placement is a single-writer decision: Allocate
// and Deallocate serialize on an internal mutex.
type Allocator struct {
	db       *gorm.DB
	provider drive.Provider
	vault    *vault.Vault
	sched    *scheduler.Scheduler
	cfg      AllocatorConfig

	mu sync.Mutex
}

// NewAllocator creates an allocator over the given store and provider
func NewAllocator(db *gorm.DB, provider drive.Provider, v *vault.Vault, sched *scheduler.Scheduler, cfg AllocatorConfig) *Allocator {
	if cfg.PerAccountQuota <= 0 {
		cfg.PerAccountQuota = 15 * 1024 * 1024 * 1024
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 10
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 3 * time.Second
	}
	if cfg.OwnerName == "" {
		cfg.OwnerName = "drivepool"
	}
	return &Allocator{db: db, provider: provider, vault: v, sched: sched, cfg: cfg}
}

// placement is one planned allocation edge
type placement struct {
	driveID  uint
	bytes    int64
	exhausts bool // taking this slice fully commits the drive
}

// Allocate grants an access key `requested` more bytes of quota, spread
// across drives with uncommitted free space, provisioning new drives for any
// shortfall. On success the key's limit has grown by exactly `requested` and
// one DriveKey edge exists per drive touched. On failure nothing is persisted.
func (a *Allocator) Allocate(keyID uint, requested int64) ([]models.DriveKey, error) {
	if requested <= 0 {
		return nil, fmt.Errorf("requested bytes must be positive, got %d", requested)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var key models.AccessKey
	if err := a.db.First(&key, keyID).Error; err != nil {
		return nil, ErrKeyNotFound
	}

	plan, shortfall, err := a.placementPlan(requested)
	if err != nil {
		return nil, err
	}

	if shortfall > 0 {
		if a.cfg.DisableProvisioning {
			return nil, ErrInsufficientCapacity
		}
		if err := a.provisionDrives(shortfall); err != nil {
			return nil, err
		}
		// Re-plan against the expanded pool
		plan, shortfall, err = a.placementPlan(requested)
		if err != nil {
			return nil, err
		}
		if shortfall > 0 {
			return nil, ErrInsufficientCapacity
		}
	}

	var edges []models.DriveKey
	err = a.db.Transaction(func(tx *gorm.DB) error {
		for _, p := range plan {
			edge := models.DriveKey{
				AccessKeyID:    key.ID,
				DriveID:        p.driveID,
				AllocatedSpace: p.bytes,
			}
			if err := tx.Create(&edge).Error; err != nil {
				return err
			}
			if p.exhausts {
				if err := tx.Model(&models.Drive{}).Where("id = ?", p.driveID).Update("allotted", true).Error; err != nil {
					return err
				}
			}
			edges = append(edges, edge)
		}
		return tx.Model(&models.AccessKey{}).Where("id = ?", key.ID).
			Update("limit", gorm.Expr(`"limit" + ?`, requested)).Error
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Allocator: granted %d bytes to key %d across %d drive(s)", requested, key.ID, len(edges))
	return edges, nil
}

// Deallocate shrinks an access key's quota by bytesToFree, removing or
// shrinking allocation edges in stable order and returning the touched
// drives to the eligible pool.
func (a *Allocator) Deallocate(keyID uint, bytesToFree int64) error {
	if bytesToFree <= 0 {
		return fmt.Errorf("bytes to free must be positive, got %d", bytesToFree)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.db.Transaction(func(tx *gorm.DB) error {
		var key models.AccessKey
		if err := tx.First(&key, keyID).Error; err != nil {
			return ErrKeyNotFound
		}

		var edges []models.DriveKey
		if err := tx.Where("access_key_id = ?", key.ID).Order("id asc").Find(&edges).Error; err != nil {
			return err
		}

		var totalAllocated int64
		for _, e := range edges {
			totalAllocated += e.AllocatedSpace
		}
		if bytesToFree > totalAllocated {
			return ErrOverReclaim
		}

		remaining := bytesToFree
		for _, edge := range edges {
			if remaining == 0 {
				break
			}
			if edge.AllocatedSpace <= remaining {
				remaining -= edge.AllocatedSpace
				if err := tx.Delete(&models.DriveKey{}, edge.ID).Error; err != nil {
					return err
				}
			} else {
				if err := tx.Model(&models.DriveKey{}).Where("id = ?", edge.ID).
					Update("allocated_space", edge.AllocatedSpace-remaining).Error; err != nil {
					return err
				}
				remaining = 0
			}
			// Freed space makes the drive placeable again
			if err := tx.Model(&models.Drive{}).Where("id = ?", edge.DriveID).Update("allotted", false).Error; err != nil {
				return err
			}
		}

		return tx.Model(&models.AccessKey{}).Where("id = ?", key.ID).
			Update("limit", gorm.Expr(`"limit" - ?`, bytesToFree)).Error
	})
}

// placementPlan walks eligible drives in creation order, refreshes their
// provider-reported quotas, and greedily plans edges until the request is
// covered. It returns the plan and any uncovered shortfall.
func (a *Allocator) placementPlan(requested int64) ([]placement, int64, error) {
	var drives []models.Drive
	if err := a.db.Where("allotted = ?", false).Order("id asc").Find(&drives).Error; err != nil {
		return nil, 0, err
	}

	remaining := requested
	var plan []placement

	for i := range drives {
		d := &drives[i]
		if err := a.RefreshDriveQuota(d); err != nil {
			// Decryption failure makes the drive unusable; transient provider
			// errors just leave the last-known quota in place
			if errors.Is(err, vault.ErrDecryptFailed) {
				log.Printf("Allocator: drive %d credential unreadable, skipping: %v", d.ID, err)
				continue
			}
			log.Printf("Allocator: quota refresh for drive %d failed, using last known values: %v", d.ID, err)
		}

		var committed int64
		if err := a.db.Model(&models.DriveKey{}).Where("drive_id = ?", d.ID).
			Select("COALESCE(SUM(allocated_space), 0)").Scan(&committed).Error; err != nil {
			return nil, 0, err
		}

		uncommitted := d.FreeSpace() - committed
		if uncommitted <= 0 {
			// Fully committed elsewhere; flag it so later scans skip it
			if err := a.db.Model(&models.Drive{}).Where("id = ?", d.ID).Update("allotted", true).Error; err != nil {
				return nil, 0, err
			}
			continue
		}

		if remaining == 0 {
			continue
		}

		take := remaining
		if take > uncommitted {
			take = uncommitted
		}
		plan = append(plan, placement{driveID: d.ID, bytes: take, exhausts: take == uncommitted})
		remaining -= take
	}

	return plan, remaining, nil
}

// RefreshDriveQuota updates a drive's provider-reported limit and usage,
// throttled through the scheduler. The passed drive is updated in place.
func (a *Allocator) RefreshDriveQuota(d *models.Drive) error {
	cred, err := a.credentialFor(d.ID)
	if err != nil {
		return err
	}

	var quota *drive.Quota
	err = a.sched.Run(func() error {
		var qerr error
		quota, qerr = a.provider.GetQuota(cred)
		return qerr
	})
	if err != nil {
		return err
	}

	now := time.Now()
	d.Limit = quota.Limit
	d.Usage = quota.Usage
	d.UsageInTrash = quota.UsageInTrash
	d.LastQuotaSync = &now

	return a.db.Model(&models.Drive{}).Where("id = ?", d.ID).Updates(map[string]interface{}{
		"limit":           quota.Limit,
		"usage":           quota.Usage,
		"usage_in_trash":  quota.UsageInTrash,
		"last_quota_sync": now,
	}).Error
}

// Credential opens the sealed credential of a drive. Only the vault ever
// sees the clear form at rest; callers must not persist the result.
func (a *Allocator) Credential(driveID uint) ([]byte, error) {
	var cred models.DriveCredential
	if err := a.db.Where("drive_id = ?", driveID).First(&cred).Error; err != nil {
		return nil, fmt.Errorf("no credential for drive %d: %w", driveID, err)
	}
	return a.vault.Open(&cred)
}

func (a *Allocator) credentialFor(driveID uint) ([]byte, error) {
	return a.Credential(driveID)
}

// provisionDrives expands the pool by enough new accounts to cover the
// shortfall. Creation is deliberately sequential with fixed pacing; the
// provider rate-limits account creation per project.
func (a *Allocator) provisionDrives(shortfall int64) error {
	needed := int((shortfall + a.cfg.PerAccountQuota - 1) / a.cfg.PerAccountQuota)
	log.Printf("Allocator: pool short %d bytes, provisioning %d account(s)", shortfall, needed)

	for i := 0; i < needed; i++ {
		if i > 0 && a.cfg.AccountCreateDelay > 0 {
			time.Sleep(a.cfg.AccountCreateDelay)
		}

		project, err := a.projectWithHeadroom()
		if err != nil {
			return err
		}

		var account *drive.Account
		err = a.sched.Run(func() error {
			var cerr error
			account, cerr = a.provider.CreateAccount(project.ProviderID)
			return cerr
		})
		if errors.Is(err, drive.ErrAccountLimit) {
			// Project filled up between the headroom check and the create;
			// flag it and retry once in a fresh project
			a.db.Model(&models.Project{}).Where("id = ?", project.ID).Update("exhausted", true)
			project, err = a.projectWithHeadroom()
			if err != nil {
				return err
			}
			err = a.sched.Run(func() error {
				var cerr error
				account, cerr = a.provider.CreateAccount(project.ProviderID)
				return cerr
			})
		}
		if err != nil {
			return fmt.Errorf("account creation failed: %w", err)
		}

		if err := a.waitAccountReady(account); err != nil {
			return err
		}

		sealed, err := a.vault.Seal(account.ServiceID, account.RawCredential)
		if err != nil {
			return fmt.Errorf("failed to seal credential for %s: %w", account.ServiceID, err)
		}

		d := models.Drive{ServiceID: account.ServiceID, ProjectID: project.ID}
		err = a.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&d).Error; err != nil {
				return err
			}
			sealed.DriveID = d.ID
			return tx.Create(sealed).Error
		})
		if err != nil {
			return err
		}

		if err := a.RefreshDriveQuota(&d); err != nil {
			log.Printf("Allocator: initial quota refresh for drive %d failed: %v", d.ID, err)
		}

		log.Printf("Allocator: provisioned drive %d (account %s) in project %s", d.ID, account.ServiceID, project.Name)
	}

	return nil
}

// waitAccountReady polls a new account with a fixed attempt budget
func (a *Allocator) waitAccountReady(account *drive.Account) error {
	if account.Ready {
		return nil
	}
	for attempt := 0; attempt < a.cfg.PollAttempts; attempt++ {
		time.Sleep(a.cfg.PollDelay)

		var ready bool
		err := a.sched.Run(func() error {
			var perr error
			ready, perr = a.provider.AccountReady(account.ServiceID)
			return perr
		})
		if err != nil {
			log.Printf("Allocator: readiness poll for %s failed: %v", account.ServiceID, err)
			continue
		}
		if ready {
			return nil
		}
	}
	// Leave the half-created account for manual cleanup; deleting it here
	// could race with the provider finishing the create
	log.Printf("Allocator: account %s never became ready, leaving for manual cleanup", account.ServiceID)
	return ErrProvisionTimeout
}

// projectWithHeadroom returns an existing project that can hold another
// account, or creates a new one with the required APIs enabled.
func (a *Allocator) projectWithHeadroom() (*models.Project, error) {
	var projects []models.Project
	if err := a.db.Where("exhausted = ?", false).Order("id asc").Find(&projects).Error; err != nil {
		return nil, err
	}

	for i := range projects {
		p := &projects[i]
		limit := p.AccountLimit
		if limit == 0 {
			var err error
			serr := a.sched.Run(func() error {
				limit, err = a.provider.GetAccountLimit(p.ProviderID)
				return err
			})
			if serr != nil {
				log.Printf("Allocator: account-limit lookup for project %s failed: %v", p.Name, serr)
				continue
			}
			a.db.Model(&models.Project{}).Where("id = ?", p.ID).Update("account_limit", limit)
		}

		var count int
		err := a.sched.Run(func() error {
			var cerr error
			count, cerr = a.provider.CountAccounts(p.ProviderID)
			return cerr
		})
		if err != nil {
			log.Printf("Allocator: account count for project %s failed: %v", p.Name, err)
			continue
		}

		if count < limit {
			return p, nil
		}
		a.db.Model(&models.Project{}).Where("id = ?", p.ID).Update("exhausted", true)
	}

	return a.createProject()
}

// createProject provisions a fresh parent project. The name derives
// deterministically from the owner so re-runs converge on the same sequence.
func (a *Allocator) createProject() (*models.Project, error) {
	var total int64
	a.db.Model(&models.Project{}).Count(&total)

	name := fmt.Sprintf("%s-pool-%03d", a.cfg.OwnerName, total+1)

	var providerID string
	err := a.sched.Run(func() error {
		var cerr error
		providerID, cerr = a.provider.CreateProject(name)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("project creation failed: %w", err)
	}

	for _, api := range drive.RequiredAPIs {
		apiName := api
		err := a.sched.Run(func() error {
			return a.provider.EnableAPI(providerID, apiName)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to enable %s API on project %s: %w", apiName, name, err)
		}
	}

	project := models.Project{ProviderID: providerID, Name: name}
	if err := a.db.Create(&project).Error; err != nil {
		return nil, err
	}

	log.Printf("Allocator: created project %s (%s)", name, providerID)
	return &project, nil
}
