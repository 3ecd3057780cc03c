package upload

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/drivepool/backend/internal/drive"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/pool"
	"github.com/drivepool/backend/internal/scheduler"
	"github.com/drivepool/backend/internal/vault"
)

const testMasterKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

// stubProvider captures backend writes so tests can verify reassembled content
type stubProvider struct {
	mu       sync.Mutex
	seq      int
	files    map[string][]byte
	lastMeta drive.FileMetadata
	grants   []string

	createDelay time.Duration // stalls CreateFile after draining the content
	readErrs    chan error    // receives the content read outcome when set
}

func newStubProvider() *stubProvider {
	return &stubProvider{files: make(map[string][]byte)}
}

func (p *stubProvider) CreateFile(credential []byte, meta drive.FileMetadata, content io.Reader, progress func(sent int64)) (string, error) {
	data, err := io.ReadAll(content)
	if p.readErrs != nil {
		p.readErrs <- err
	}
	if err != nil {
		return "", err
	}
	if p.createDelay > 0 {
		time.Sleep(p.createDelay)
	}
	if progress != nil {
		progress(int64(len(data)))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("file-%d", p.seq)
	p.files[id] = data
	p.lastMeta = meta
	return id, nil
}

func (p *stubProvider) GrantPermission(credential []byte, fileID, role, principal string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grants = append(p.grants, fileID+":"+role+":"+principal)
	return nil
}

func (p *stubProvider) fileContent(id string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files[id]
}

func (p *stubProvider) meta() drive.FileMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMeta
}

func (p *stubProvider) CreateAccount(projectID string) (*drive.Account, error) { return nil, nil }

func (p *stubProvider) DeleteAccount(serviceID string) error { return nil }

func (p *stubProvider) AccountReady(serviceID string) (bool, error) { return true, nil }

func (p *stubProvider) GetQuota(credential []byte) (*drive.Quota, error) {
	return &drive.Quota{Limit: 15 * 1024 * 1024 * 1024}, nil
}

func (p *stubProvider) DeleteFile(credential []byte, fileID string) error { return nil }

func (p *stubProvider) ListFiles(credential []byte, query string) ([]drive.File, error) {
	return nil, nil
}

func (p *stubProvider) CreateProject(name string) (string, error) { return "proj-1", nil }

func (p *stubProvider) EnableAPI(projectID, apiName string) error { return nil }

func (p *stubProvider) GetAccountLimit(projectID string) (int, error) { return 100, nil }

func (p *stubProvider) CountAccounts(projectID string) (int, error) { return 0, nil }

type uploadHarness struct {
	db       *gorm.DB
	provider *stubProvider
	srv      *httptest.Server
	key      *models.AccessKey
	drv      *models.Drive
}

func newUploadHarness(t *testing.T, keyLimit int64) *uploadHarness {
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
		&models.Post{},
	))

	provider := newStubProvider()
	v, err := vault.New(testMasterKey)
	require.NoError(t, err)
	sched := scheduler.New(4)
	t.Cleanup(sched.Stop)

	alloc := pool.NewAllocator(db, provider, v, sched, pool.AllocatorConfig{})
	ledger := pool.NewLedger(db)

	drv := &models.Drive{ServiceID: "seed-001", Limit: 15 * 1024 * 1024 * 1024}
	require.NoError(t, db.Create(drv).Error)
	sealed, err := v.Seal(drv.ServiceID, []byte("cred-seed-001"))
	require.NoError(t, err)
	sealed.DriveID = drv.ID
	require.NoError(t, db.Create(sealed).Error)

	key := &models.AccessKey{Key: "upload-token", Label: "uploader", Limit: keyLimit, IsActive: true}
	require.NoError(t, db.Create(key).Error)
	require.NoError(t, db.Create(&models.DriveKey{
		AccessKeyID:    key.ID,
		DriveID:        drv.ID,
		AllocatedSpace: keyLimit,
	}).Error)

	server := NewServer(db, provider, alloc, ledger, sched)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &uploadHarness{db: db, provider: provider, srv: srv, key: key, drv: drv}
}

func (h *uploadHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/upload"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func authenticate(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": token}))
}

func sendChunk(t *testing.T, conn *websocket.Conn, filename string, index, total int, fileSize int64, folderID string, payload []byte) {
	t.Helper()
	msg := map[string]interface{}{
		"type":        "upload",
		"filename":    filename,
		"contentType": "application/octet-stream",
		"content":     base64.StdEncoding.EncodeToString(payload),
		"chunkIndex":  index,
		"totalChunks": total,
	}
	if index == 0 {
		msg["fileSize"] = fileSize
		if folderID != "" {
			msg["folderId"] = folderID
		}
	}
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil drains socket messages until one of the wanted type arrives,
// returning it along with the set of progress stages seen on the way
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) (map[string]interface{}, map[string]bool) {
	t.Helper()
	stages := make(map[string]bool)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg), "expected a %q message before the socket went quiet", wantType)
		typ, _ := msg["type"].(string)
		if typ == "progress" {
			if stage, ok := msg["stage"].(string); ok {
				stages[stage] = true
			}
		}
		if typ == wantType {
			return msg, stages
		}
		require.NotEqual(t, "error", typ, "unexpected error message: %v", msg["message"])
	}
}

func TestUploadReassemblesChunks(t *testing.T) {
	h := newUploadHarness(t, 1024*1024)
	conn := h.dial(t)
	authenticate(t, conn, "upload-token")

	chunks := [][]byte{
		[]byte("the quick brown fox "),
		[]byte("jumps over "),
		[]byte("the lazy dog"),
	}
	var want []byte
	var total int64
	for _, c := range chunks {
		want = append(want, c...)
		total += int64(len(c))
	}

	for i, c := range chunks {
		sendChunk(t, conn, "fox.txt", i, len(chunks), total, "", c)
	}

	msg, stages := readUntil(t, conn, "complete")
	fileID, _ := msg["fileId"].(string)
	require.NotEmpty(t, fileID)
	assert.Equal(t, "fox.txt", msg["filename"])
	assert.True(t, stages[StageServerChunk], "chunk receipt progress expected")
	assert.True(t, stages[StageDriveUpload], "backend write progress expected")

	assert.Equal(t, want, h.provider.fileContent(fileID))

	var post models.Post
	require.NoError(t, h.db.Where("file_id = ?", fileID).First(&post).Error)
	assert.Equal(t, h.key.ID, post.AccessKeyID)
	assert.Equal(t, h.drv.ID, post.DriveID)
	assert.Equal(t, models.PostTypeFile, post.Type)
	assert.Equal(t, total, post.Size)
	assert.Nil(t, post.ParentID)

	var key models.AccessKey
	require.NoError(t, h.db.First(&key, h.key.ID).Error)
	assert.Equal(t, total, key.TotalUsage)

	var edge models.DriveKey
	require.NoError(t, h.db.Where("access_key_id = ?", h.key.ID).First(&edge).Error)
	assert.Equal(t, total, edge.Usage)

	h.provider.mu.Lock()
	grants := append([]string(nil), h.provider.grants...)
	h.provider.mu.Unlock()
	assert.Equal(t, []string{fileID + ":reader:anyone"}, grants)
}

func TestUploadIntoFolder(t *testing.T) {
	h := newUploadHarness(t, 1024*1024)

	folder := &models.Post{
		AccessKeyID: h.key.ID,
		DriveID:     h.drv.ID,
		Type:        models.PostTypeFolder,
		Name:        "docs",
		FileID:      "backend-folder-1",
	}
	require.NoError(t, h.db.Create(folder).Error)

	conn := h.dial(t)
	authenticate(t, conn, "upload-token")

	payload := []byte("nested file content")
	sendChunk(t, conn, "nested.txt", 0, 1, int64(len(payload)), strconv.Itoa(int(folder.ID)), payload)

	msg, _ := readUntil(t, conn, "complete")
	fileID, _ := msg["fileId"].(string)

	assert.Equal(t, "backend-folder-1", h.provider.meta().FolderID, "backend upload must target the folder's provider object")

	var post models.Post
	require.NoError(t, h.db.Where("file_id = ?", fileID).First(&post).Error)
	require.NotNil(t, post.ParentID)
	assert.Equal(t, folder.ID, *post.ParentID)
}

func TestUploadRejectsUnauthenticatedChunks(t *testing.T) {
	h := newUploadHarness(t, 1024*1024)
	conn := h.dial(t)

	sendChunk(t, conn, "sneaky.txt", 0, 1, 10, "", []byte("0123456789"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "not authenticated")
}

func TestUploadRejectsInvalidToken(t *testing.T) {
	h := newUploadHarness(t, 1024*1024)
	conn := h.dial(t)
	authenticate(t, conn, "no-such-token")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "invalid access key")
}

func TestUploadRejectsInactiveKey(t *testing.T) {
	h := newUploadHarness(t, 1024*1024)
	require.NoError(t, h.db.Model(&models.AccessKey{}).Where("id = ?", h.key.ID).Update("is_active", false).Error)

	conn := h.dial(t)
	authenticate(t, conn, "upload-token")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "invalid access key")
}

func TestUploadQuotaExceeded(t *testing.T) {
	h := newUploadHarness(t, 10) // ten-byte quota
	conn := h.dial(t)
	authenticate(t, conn, "upload-token")

	payload := []byte("this payload is longer than ten bytes")
	sendChunk(t, conn, "big.bin", 0, 1, int64(len(payload)), "", payload)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "quota exceeded")

	var posts int64
	h.db.Model(&models.Post{}).Count(&posts)
	assert.Zero(t, posts, "a rejected upload must leave no metadata")
}

func TestStragglerChunkDuringBackendFinish(t *testing.T) {
	h := newUploadHarness(t, 1024*1024)
	h.provider.createDelay = 300 * time.Millisecond
	conn := h.dial(t)
	authenticate(t, conn, "upload-token")

	payload := []byte("already complete")
	sendChunk(t, conn, "late.bin", 0, 1, int64(len(payload)), "", payload)

	// The pipe is closed after the final chunk, but the slow backend write
	// is still running; a straggler for the same file lands in between
	sendChunk(t, conn, "late.bin", 1, 1, 0, "", []byte("straggler"))

	// Both a rejection for the straggler and the completion of the real
	// upload must arrive, in either order
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var sawError, sawComplete bool
	for !sawError || !sawComplete {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg["type"] {
		case "error":
			sawError = true
		case "complete":
			sawComplete = true
			assert.Equal(t, "late.bin", msg["filename"])
		}
	}

	var posts int64
	h.db.Model(&models.Post{}).Count(&posts)
	assert.Equal(t, int64(1), posts, "the completed upload persists exactly once")
}

func TestDisconnectMidUploadReleasesBackendWrite(t *testing.T) {
	h := newUploadHarness(t, 1024*1024)
	h.provider.readErrs = make(chan error, 1)
	conn := h.dial(t)
	authenticate(t, conn, "upload-token")

	sendChunk(t, conn, "gone.bin", 0, 2, 100, "", []byte("first half"))

	// Wait for the chunk receipt so the stream is open server-side, then
	// drop the connection with the upload unfinished
	readUntil(t, conn, "progress")
	conn.Close()

	select {
	case err := <-h.provider.readErrs:
		require.Error(t, err, "the backend write must see the teardown, not block forever")
		assert.Contains(t, err.Error(), "connection closed")
	case <-time.After(5 * time.Second):
		t.Fatal("backend write never observed the session teardown")
	}

	var posts int64
	h.db.Model(&models.Post{}).Count(&posts)
	assert.Zero(t, posts, "an aborted upload must leave no metadata")
}

func TestUploadRejectsLateFirstChunk(t *testing.T) {
	h := newUploadHarness(t, 1024*1024)
	conn := h.dial(t)
	authenticate(t, conn, "upload-token")

	// Chunk 1 with no chunk 0 first: there is no stream to append to
	msg := map[string]interface{}{
		"type":        "upload",
		"filename":    "gap.bin",
		"content":     base64.StdEncoding.EncodeToString([]byte("data")),
		"chunkIndex":  1,
		"totalChunks": 2,
	}
	require.NoError(t, conn.WriteJSON(msg))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "no open stream")
}
