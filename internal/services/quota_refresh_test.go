package services

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/drive"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/pool"
	"github.com/drivepool/backend/internal/scheduler"
	"github.com/drivepool/backend/internal/vault"
)

const refreshTestMasterKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

// quotaProvider serves canned quotas keyed by raw credential; everything
// else on the provider surface is unused by the refresh path
type quotaProvider struct {
	quotas map[string]drive.Quota
}

func (p *quotaProvider) GetQuota(credential []byte) (*drive.Quota, error) {
	q, ok := p.quotas[string(credential)]
	if !ok {
		return nil, drive.ErrUnavailable
	}
	return &q, nil
}

func (p *quotaProvider) CreateAccount(projectID string) (*drive.Account, error) { return nil, nil }
func (p *quotaProvider) DeleteAccount(serviceID string) error                   { return nil }
func (p *quotaProvider) AccountReady(serviceID string) (bool, error)            { return true, nil }
func (p *quotaProvider) CreateFile(credential []byte, meta drive.FileMetadata, content io.Reader, progress func(sent int64)) (string, error) {
	return "", nil
}
func (p *quotaProvider) DeleteFile(credential []byte, fileID string) error { return nil }
func (p *quotaProvider) ListFiles(credential []byte, query string) ([]drive.File, error) {
	return nil, nil
}
func (p *quotaProvider) GrantPermission(credential []byte, fileID, role, principal string) error {
	return nil
}
func (p *quotaProvider) CreateProject(name string) (string, error)     { return "", nil }
func (p *quotaProvider) EnableAPI(projectID, apiName string) error     { return nil }
func (p *quotaProvider) GetAccountLimit(projectID string) (int, error) { return 0, nil }
func (p *quotaProvider) CountAccounts(projectID string) (int, error)   { return 0, nil }

func TestRefreshAllUpdatesEveryDrive(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Drive{}, &models.DriveCredential{}))

	// The service reads through the package globals; the unreachable Redis
	// address makes cache invalidation a logged no-op
	database.DB = db
	database.Redis = redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})

	v, err := vault.New(refreshTestMasterKey)
	require.NoError(t, err)
	sched := scheduler.New(4)
	t.Cleanup(sched.Stop)

	gib := int64(1024 * 1024 * 1024)
	provider := &quotaProvider{quotas: make(map[string]drive.Quota)}
	for i := 1; i <= 3; i++ {
		serviceID := fmt.Sprintf("seed-%03d", i)
		d := models.Drive{ServiceID: serviceID, Limit: 15 * gib}
		require.NoError(t, db.Create(&d).Error)

		cred := []byte("cred-" + serviceID)
		sealed, err := v.Seal(serviceID, cred)
		require.NoError(t, err)
		sealed.DriveID = d.ID
		require.NoError(t, db.Create(sealed).Error)

		provider.quotas[string(cred)] = drive.Quota{Limit: 15 * gib, Usage: int64(i) * gib}
	}

	alloc := pool.NewAllocator(db, provider, v, sched, pool.AllocatorConfig{})
	svc := NewQuotaRefreshService(alloc, sched, time.Minute)

	svc.refreshAll()

	var drives []models.Drive
	require.NoError(t, db.Order("id asc").Find(&drives).Error)
	require.Len(t, drives, 3)
	for i, d := range drives {
		assert.Equal(t, int64(i+1)*gib, d.Usage, "drive %s must carry the provider-reported usage", d.ServiceID)
		assert.NotNil(t, d.LastQuotaSync)
	}
}
