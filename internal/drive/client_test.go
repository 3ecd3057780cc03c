package drive

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAccountDecodesCredential(t *testing.T) {
	raw := []byte(`{"type":"service_account","key":"material"}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/accounts", r.URL.Path)
		assert.Equal(t, "gw-secret", r.Header.Get("X-Gateway-Token"))

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "proj-1", payload["project_id"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"service_id": "acct-1",
			"credential": base64.StdEncoding.EncodeToString(raw),
			"ready":      true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "gw-secret")
	account, err := c.CreateAccount("proj-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", account.ServiceID)
	assert.Equal(t, raw, account.RawCredential)
	assert.True(t, account.Ready)
}

func TestGatewayErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, ErrUnavailable},
		{"server error", http.StatusBadGateway, ErrUnavailable},
		{"account limit", http.StatusForbidden, ErrAccountLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "gw-secret")
			_, err := c.CreateAccount("proj-1")
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGetQuotaSendsCredential(t *testing.T) {
	cred := []byte("account-key")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, base64.StdEncoding.EncodeToString(cred), payload["credential"])

		json.NewEncoder(w).Encode(Quota{Limit: 100, Usage: 40, UsageInTrash: 5})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "gw-secret")
	quota, err := c.GetQuota(cred)
	require.NoError(t, err)
	assert.Equal(t, int64(100), quota.Limit)
	assert.Equal(t, int64(40), quota.Usage)
	assert.Equal(t, int64(5), quota.UsageInTrash)
}

func TestCreateFileStreamsBodyWithProgress(t *testing.T) {
	content := strings.Repeat("x", 1000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/files", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Account-Credential"))

		var meta FileMetadata
		require.NoError(t, json.Unmarshal([]byte(r.Header.Get("X-File-Metadata")), &meta))
		assert.Equal(t, "big.bin", meta.Name)
		assert.Equal(t, int64(len(content)), meta.Size)
		assert.Equal(t, "folder-9", meta.FolderID)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, content, string(body))

		json.NewEncoder(w).Encode(map[string]string{"file_id": "file-42"})
	}))
	defer srv.Close()

	var lastSent int64
	c := NewClient(srv.URL, "gw-secret")
	fileID, err := c.CreateFile([]byte("cred"), FileMetadata{
		Name:     "big.bin",
		Size:     int64(len(content)),
		FolderID: "folder-9",
	}, strings.NewReader(content), func(sent int64) { lastSent = sent })
	require.NoError(t, err)
	assert.Equal(t, "file-42", fileID)
	assert.Equal(t, int64(len(content)), lastSent, "progress must end at the full byte count")
}

func TestCreateFileRejectsGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "disk on fire", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "gw-secret")
	_, err := c.CreateFile([]byte("cred"), FileMetadata{Name: "a"}, strings.NewReader("data"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "507")
}

func TestDeleteFileEscapesID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "gw-secret")
	require.NoError(t, c.DeleteFile([]byte("cred"), "id/with/slashes"))
	assert.Equal(t, "/api/v1/files/id%2Fwith%2Fslashes", gotPath)
}
