package services

import (
	"log"
	"sync"
	"time"

	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/pool"
	"github.com/drivepool/backend/internal/scheduler"
)

// QuotaRefreshService periodically re-reads every drive's quota from the
// provider so placement decisions work from fresh numbers. Refreshes fan out
// through the shared scheduler, which caps concurrent provider calls.
type QuotaRefreshService struct {
	alloc    *pool.Allocator
	sched    *scheduler.Scheduler
	interval time.Duration
	stopChan chan struct{}
}

// NewQuotaRefreshService creates a new quota refresh service
func NewQuotaRefreshService(alloc *pool.Allocator, sched *scheduler.Scheduler, interval time.Duration) *QuotaRefreshService {
	return &QuotaRefreshService{
		alloc:    alloc,
		sched:    sched,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start starts the refresh loop
func (s *QuotaRefreshService) Start() {
	log.Printf("QuotaRefreshService started, refreshing every %v", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial refresh on startup
	s.refreshAll()

	for {
		select {
		case <-s.stopChan:
			log.Println("QuotaRefreshService stopped")
			return
		case <-ticker.C:
			s.refreshAll()
		}
	}
}

// Stop stops the refresh loop
func (s *QuotaRefreshService) Stop() {
	close(s.stopChan)
}

// refreshAll refreshes every drive and recomputes cached pool totals
func (s *QuotaRefreshService) refreshAll() {
	var drives []models.Drive
	if err := database.DB.Order("id ASC").Find(&drives).Error; err != nil {
		log.Printf("QuotaRefresh: Failed to load drives: %v", err)
		return
	}
	if len(drives) == 0 {
		return
	}

	start := time.Now()
	var failed int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := range drives {
		d := &drives[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.alloc.RefreshDriveQuota(d); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				log.Printf("QuotaRefresh: Drive %d (%s): %v", d.ID, d.ServiceID, err)
			}
		}()
	}
	wg.Wait()

	// Let any other in-flight provider calls land before the cached
	// aggregates are recomputed from the refreshed rows
	s.sched.WaitForIdle()
	database.InvalidatePoolCache()

	log.Printf("QuotaRefresh: Refreshed %d drives (%d failed) in %v",
		len(drives), failed, time.Since(start).Round(time.Millisecond))
}
