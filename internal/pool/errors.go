package pool

import "errors"

var (
	// ErrInsufficientCapacity means the pool cannot satisfy a request even
	// after provisioning; the allocation is rolled back before this surfaces.
	ErrInsufficientCapacity = errors.New("insufficient pool capacity")

	// ErrOverReclaim means a deallocate request exceeds the key's current
	// allocation; nothing is mutated.
	ErrOverReclaim = errors.New("deallocate exceeds allocated space")

	// ErrQuotaExceeded means a write would push the key's usage past its quota.
	ErrQuotaExceeded = errors.New("access key quota exceeded")

	// ErrProvisionTimeout means a new account or project did not become ready
	// within the poll budget. Partially created provider resources are left
	// for manual cleanup, not auto-deleted.
	ErrProvisionTimeout = errors.New("provisioned account did not become ready in time")

	// ErrKeyNotFound means the access key does not exist or is deleted.
	ErrKeyNotFound = errors.New("access key not found")
)
