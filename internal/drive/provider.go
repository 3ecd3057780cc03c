// Package drive defines the backend storage provider capability and its
// HTTP gateway implementation. The provider's own API semantics live behind
// this interface; everything above it only sees accounts, quotas and files.
package drive

import (
	"errors"
	"io"
)

var (
	// ErrUnavailable marks a transient provider failure worth retrying
	ErrUnavailable = errors.New("backend provider unavailable")
	// ErrAccountLimit means the project cannot hold more accounts
	ErrAccountLimit = errors.New("project account limit reached")
)

// Quota is the provider-reported capacity state of one account
type Quota struct {
	Limit        int64 `json:"limit"`
	Usage        int64 `json:"usage"`
	UsageInTrash int64 `json:"usage_in_trash"`
}

// Account is a freshly created backend storage account. RawCredential is the
// provider key material; it is sealed into the vault immediately and never
// persisted in clear form.
type Account struct {
	ServiceID     string `json:"service_id"`
	RawCredential []byte `json:"-"`
	Ready         bool   `json:"ready"`
}

// FileMetadata describes an object to create on a drive
type FileMetadata struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	FolderID    string `json:"folder_id,omitempty"`
}

// File is a provider-side object listing entry
type File struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Provider is the backend storage capability. Implementations must be safe
// for concurrent use; callers throttle all invocations through the scheduler.
type Provider interface {
	// Account lifecycle
	CreateAccount(projectID string) (*Account, error)
	DeleteAccount(serviceID string) error
	AccountReady(serviceID string) (bool, error)
	GetQuota(credential []byte) (*Quota, error)

	// File operations, authenticated per-account
	CreateFile(credential []byte, meta FileMetadata, content io.Reader, progress func(sent int64)) (string, error)
	DeleteFile(credential []byte, fileID string) error
	ListFiles(credential []byte, query string) ([]File, error)
	GrantPermission(credential []byte, fileID, role, principal string) error

	// Project lifecycle; accounts are created inside a project until its
	// account limit is reached
	CreateProject(name string) (string, error)
	EnableAPI(projectID, apiName string) error
	GetAccountLimit(projectID string) (int, error)
	CountAccounts(projectID string) (int, error)
}

// RequiredAPIs are enabled on every newly created project before accounts
// are provisioned in it.
var RequiredAPIs = []string{"storage", "iam"}

// FolderMimeType marks an object as a folder on the backend provider
const FolderMimeType = "application/vnd.drivepool.folder"
