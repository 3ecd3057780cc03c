// Package upload is the resumable upload pipeline: a WebSocket endpoint that
// reassembles client-streamed chunks and writes them to whichever drive has
// headroom under the uploading key's quota.
package upload

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/drivepool/backend/internal/drive"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/pool"
	"github.com/drivepool/backend/internal/scheduler"
)

// Server accepts upload sessions over a persistent duplex channel. It runs
// on its own listener: the REST surface is fasthttp-based and cannot hand
// the gorilla upgrader a hijackable response writer.
type Server struct {
	db       *gorm.DB
	provider drive.Provider
	alloc    *pool.Allocator
	ledger   *pool.Ledger
	sched    *scheduler.Scheduler

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer creates an upload server
func NewServer(db *gorm.DB, provider drive.Provider, alloc *pool.Allocator, ledger *pool.Ledger, sched *scheduler.Scheduler) *Server {
	return &Server{
		db:       db,
		provider: provider,
		alloc:    alloc,
		ledger:   ledger,
		sched:    sched,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
			CheckOrigin: func(r *http.Request) bool {
				return true // browsers upload from arbitrary origins
			},
		},
	}
}

// Handler returns the HTTP handler serving the upload socket
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/upload", s.handleWS)
	return mux
}

// Start serves the upload socket on the given port until Shutdown
func (s *Server) Start(port int) error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}
	log.Printf("Upload: socket server listening on :%d", port)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new sessions
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Upload: websocket upgrade failed: %v", err)
		return
	}
	newSession(s, conn).run()
}

// writeBackendFile streams the reassembly pipe to the drive. It holds one
// scheduler slot for the whole write, like every other provider call.
func (s *Server) writeBackendFile(stream *fileStream, cred []byte, content io.Reader, progress func(sent int64)) (string, error) {
	meta := drive.FileMetadata{
		Name:        stream.filename,
		ContentType: stream.contentType,
		Size:        stream.totalSize,
		FolderID:    stream.folderFileID,
	}

	var fileID string
	err := s.sched.Run(func() error {
		var werr error
		fileID, werr = s.provider.CreateFile(cred, meta, content, progress)
		return werr
	})
	return fileID, err
}

// finishUpload completes the bookkeeping after the backend confirmed the
// object: public-read grant, usage recorded, metadata persisted.
func (s *Server) finishUpload(key *models.AccessKey, stream *fileStream, fileID string) error {
	cred, err := s.alloc.Credential(stream.edge.DriveID)
	if err != nil {
		return err
	}
	if err := s.sched.Run(func() error {
		return s.provider.GrantPermission(cred, fileID, "reader", "anyone")
	}); err != nil {
		return fmt.Errorf("permission grant failed: %v", err)
	}

	if err := s.ledger.RecordWrite(key.ID, stream.edge.DriveID, stream.bytesWritten); err != nil {
		return fmt.Errorf("usage bookkeeping failed: %v", err)
	}

	post := models.Post{
		AccessKeyID: key.ID,
		DriveID:     stream.edge.DriveID,
		Type:        models.PostTypeFile,
		Name:        stream.filename,
		ContentType: stream.contentType,
		Size:        stream.bytesWritten,
		FileID:      fileID,
		ParentID:    stream.parentID,
	}
	if err := s.db.Create(&post).Error; err != nil {
		return fmt.Errorf("failed to persist object metadata: %v", err)
	}

	log.Printf("Upload: %s (%d bytes) stored as file %s on drive %d for key %d",
		stream.filename, stream.bytesWritten, fileID, stream.edge.DriveID, key.ID)
	return nil
}
