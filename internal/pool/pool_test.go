package pool

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/drivepool/backend/internal/drive"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/scheduler"
	"github.com/drivepool/backend/internal/vault"
)

const (
	testMasterKey = "6368616e676520746869732070617373776f726420746f206120736563726574"
	gib           = int64(1024 * 1024 * 1024)
)

// fakeProvider is an in-memory drive.Provider. Quotas are keyed by the raw
// credential bytes so tests can seed drives with known capacities.
type fakeProvider struct {
	mu sync.Mutex

	quotas       map[string]drive.Quota
	accountQuota int64 // quota reported for freshly created accounts

	accountSeq    int
	accountLimit  int            // per-project account cap
	accountCounts map[string]int // projectID -> accounts created
	neverReady    bool           // created accounts never pass the readiness poll

	// underreportCounts makes CountAccounts claim empty projects so that
	// CreateAccount itself trips the account limit
	underreportCounts bool

	projectSeq  int
	fileSeq     int
	enabledAPIs map[string][]string

	deletedFiles []string
	deleteCalls  int
	deleteErr    error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		quotas:        make(map[string]drive.Quota),
		accountQuota:  15 * gib,
		accountLimit:  100,
		accountCounts: make(map[string]int),
		enabledAPIs:   make(map[string][]string),
	}
}

func (f *fakeProvider) setQuota(credential []byte, q drive.Quota) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotas[string(credential)] = q
}

func (f *fakeProvider) CreateAccount(projectID string) (*drive.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountCounts[projectID] >= f.accountLimit {
		return nil, drive.ErrAccountLimit
	}
	f.accountSeq++
	f.accountCounts[projectID]++
	serviceID := fmt.Sprintf("acct-%03d", f.accountSeq)
	cred := []byte("cred-" + serviceID)
	f.quotas[string(cred)] = drive.Quota{Limit: f.accountQuota}
	return &drive.Account{ServiceID: serviceID, RawCredential: cred, Ready: !f.neverReady}, nil
}

func (f *fakeProvider) DeleteAccount(serviceID string) error { return nil }

func (f *fakeProvider) AccountReady(serviceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.neverReady, nil
}

func (f *fakeProvider) GetQuota(credential []byte) (*drive.Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotas[string(credential)]
	if !ok {
		return nil, drive.ErrUnavailable
	}
	return &q, nil
}

func (f *fakeProvider) CreateFile(credential []byte, meta drive.FileMetadata, content io.Reader, progress func(sent int64)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileSeq++
	return fmt.Sprintf("file-%03d", f.fileSeq), nil
}

func (f *fakeProvider) DeleteFile(credential []byte, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletedFiles = append(f.deletedFiles, fileID)
	return nil
}

func (f *fakeProvider) ListFiles(credential []byte, query string) ([]drive.File, error) {
	return nil, nil
}

func (f *fakeProvider) GrantPermission(credential []byte, fileID, role, principal string) error {
	return nil
}

func (f *fakeProvider) CreateProject(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projectSeq++
	return fmt.Sprintf("proj-%03d", f.projectSeq), nil
}

func (f *fakeProvider) EnableAPI(projectID, apiName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabledAPIs[projectID] = append(f.enabledAPIs[projectID], apiName)
	return nil
}

func (f *fakeProvider) GetAccountLimit(projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accountLimit, nil
}

func (f *fakeProvider) CountAccounts(projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.underreportCounts {
		return 0, nil
	}
	return f.accountCounts[projectID], nil
}

func (f *fakeProvider) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deletedFiles))
	copy(out, f.deletedFiles)
	return out
}

// harness wires a pool stack over an in-memory store and a fake provider
type harness struct {
	db       *gorm.DB
	provider *fakeProvider
	vault    *vault.Vault
	alloc    *Allocator
	ledger   *Ledger
	reclaim  *Reclaimer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.AccessKey{},
		&models.DriveKey{},
		&models.Drive{},
		&models.DriveCredential{},
		&models.Project{},
		&models.Post{},
	))

	provider := newFakeProvider()
	v, err := vault.New(testMasterKey)
	require.NoError(t, err)

	sched := scheduler.New(4)
	t.Cleanup(sched.Stop)

	alloc := NewAllocator(db, provider, v, sched, AllocatorConfig{
		PerAccountQuota:    15 * gib,
		AccountCreateDelay: time.Millisecond,
		PollAttempts:       2,
		PollDelay:          time.Millisecond,
		OwnerName:          "testpool",
	})
	ledger := NewLedger(db)

	return &harness{
		db:       db,
		provider: provider,
		vault:    v,
		alloc:    alloc,
		ledger:   ledger,
		reclaim:  NewReclaimer(db, alloc, ledger),
	}
}

// seedDrive creates a drive with a sealed credential and registers its quota
// with the fake provider
func (h *harness) seedDrive(t *testing.T, limit, usage int64) *models.Drive {
	t.Helper()

	var n int64
	h.db.Model(&models.Drive{}).Count(&n)
	serviceID := fmt.Sprintf("seed-%03d", n+1)

	d := &models.Drive{ServiceID: serviceID, Limit: limit, Usage: usage}
	require.NoError(t, h.db.Create(d).Error)

	cred := []byte("cred-" + serviceID)
	sealed, err := h.vault.Seal(serviceID, cred)
	require.NoError(t, err)
	sealed.DriveID = d.ID
	require.NoError(t, h.db.Create(sealed).Error)

	h.provider.setQuota(cred, drive.Quota{Limit: limit, Usage: usage})
	return d
}

func (h *harness) seedKey(t *testing.T, label string) *models.AccessKey {
	t.Helper()
	key := &models.AccessKey{Key: "key-" + label, Label: label, IsActive: true}
	require.NoError(t, h.db.Create(key).Error)
	return key
}

func (h *harness) reloadKey(t *testing.T, id uint) *models.AccessKey {
	t.Helper()
	var key models.AccessKey
	require.NoError(t, h.db.First(&key, id).Error)
	return &key
}

func (h *harness) reloadDrive(t *testing.T, id uint) *models.Drive {
	t.Helper()
	var d models.Drive
	require.NoError(t, h.db.First(&d, id).Error)
	return &d
}

func (h *harness) seedPost(t *testing.T, keyID, driveID uint, parent *models.Post, typ models.PostType, name, fileID string, size int64) *models.Post {
	t.Helper()
	post := &models.Post{
		AccessKeyID: keyID,
		DriveID:     driveID,
		Type:        typ,
		Name:        name,
		FileID:      fileID,
		Size:        size,
	}
	if parent != nil {
		post.ParentID = &parent.ID
	}
	require.NoError(t, h.db.Create(post).Error)
	return post
}

func (h *harness) edgesFor(t *testing.T, keyID uint) []models.DriveKey {
	t.Helper()
	var edges []models.DriveKey
	require.NoError(t, h.db.Where("access_key_id = ?", keyID).Order("id asc").Find(&edges).Error)
	return edges
}
