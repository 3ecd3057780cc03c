package upload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/pool"
)

// streamState tracks one in-flight file within a session
type streamState int

const (
	stateStreaming streamState = iota
	stateComplete
	stateFailed
)

// fileStream is the reassembly pipeline for a single file: chunks arriving
// over the socket are written straight into an io.Pipe feeding the backend
// write, so streaming to the drive starts before all chunks have arrived.
type fileStream struct {
	filename     string
	contentType  string
	totalSize    int64
	totalChunks  int
	received     int
	bytesWritten int64
	state        streamState

	edge         *models.DriveKey
	parentID     *uint
	folderFileID string

	pw *io.PipeWriter
}

// session is one authenticated socket connection. A session may carry
// several files, keyed by filename.
type session struct {
	srv  *Server
	conn *websocket.Conn
	key  *models.AccessKey

	streams map[string]*fileStream

	writeMu sync.Mutex // gorilla permits one concurrent writer
	stateMu sync.Mutex // stream states are shared with drain goroutines
	wg      sync.WaitGroup
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	return &session{
		srv:     srv,
		conn:    conn,
		streams: make(map[string]*fileStream),
	}
}

// run drives the session until the socket closes. Sessions have no idle
// timeout; a stalled client holds its reassembly state until disconnect.
func (s *session) run() {
	defer func() {
		s.conn.Close()
		// failAll closes the pipes so blocked drains can return before
		// the wait below
		s.failAll("connection closed")
		s.wg.Wait()
	}()

	for {
		var msg clientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Upload: session read error: %v", err)
			}
			return
		}

		switch msg.Type {
		case "auth":
			if err := s.authenticate(msg.Token); err != nil {
				s.sendError(err.Error())
				return
			}
		case "upload":
			if s.key == nil {
				s.sendError("not authenticated")
				return
			}
			if err := s.handleChunk(&msg); err != nil {
				s.sendError(err.Error())
				s.failStream(msg.Filename)
			}
		default:
			s.sendError("unknown message type: " + msg.Type)
		}
	}
}

// authenticate binds the session to the access key named by the token
func (s *session) authenticate(token string) error {
	if token == "" {
		return errors.New("missing token")
	}
	var key models.AccessKey
	if err := s.srv.db.Where("key = ? AND is_active = ?", token, true).First(&key).Error; err != nil {
		return errors.New("invalid access key")
	}
	s.key = &key
	return nil
}

// handleChunk appends one client chunk to its file stream. Chunks are
// applied in arrival order; the protocol contract puts ordering on the
// client, and an out-of-order sender produces corrupt output.
func (s *session) handleChunk(msg *clientMessage) error {
	if msg.Filename == "" {
		return errors.New("upload message missing filename")
	}

	content, err := base64.StdEncoding.DecodeString(msg.Content)
	if err != nil {
		return fmt.Errorf("chunk %d of %s is not valid base64", msg.ChunkIndex, msg.Filename)
	}

	stream, ok := s.streams[msg.Filename]
	if !ok {
		if msg.ChunkIndex != 0 {
			return fmt.Errorf("no open stream for %s", msg.Filename)
		}
		stream, err = s.openStream(msg)
		if err != nil {
			return err
		}
		s.streams[msg.Filename] = stream
	}
	if s.streamState(stream) != stateStreaming {
		return fmt.Errorf("stream for %s is no longer accepting chunks", msg.Filename)
	}

	if _, err := stream.pw.Write(content); err != nil {
		return fmt.Errorf("backend write failed: %v", err)
	}
	stream.received++
	stream.bytesWritten += int64(len(content))

	s.sendProgress(stream.filename, int64(stream.received), int64(stream.totalChunks), StageServerChunk)

	if stream.received >= stream.totalChunks {
		// Last chunk in: close the pipe so the backend write can finish.
		// Completion is reported by the drain goroutine.
		stream.pw.Close()
	}
	return nil
}

// openStream starts a new file stream from its first chunk: the target drive
// is selected once, from the declared size, before the first byte is written.
func (s *session) openStream(msg *clientMessage) (*fileStream, error) {
	if msg.FileSize <= 0 {
		return nil, errors.New("first chunk must declare fileSize")
	}
	if msg.TotalChunks <= 0 {
		return nil, errors.New("first chunk must declare totalChunks")
	}

	edge, err := s.srv.ledger.PickDriveWithHeadroom(s.key.ID, msg.FileSize)
	if err != nil {
		if errors.Is(err, pool.ErrQuotaExceeded) {
			return nil, fmt.Errorf("quota exceeded: %s does not fit in your remaining space", msg.Filename)
		}
		return nil, err
	}

	cred, err := s.srv.alloc.Credential(edge.DriveID)
	if err != nil {
		return nil, fmt.Errorf("drive credential unavailable: %v", err)
	}

	stream := &fileStream{
		filename:    msg.Filename,
		contentType: msg.ContentType,
		totalSize:   msg.FileSize,
		totalChunks: msg.TotalChunks,
		edge:        edge,
	}

	if msg.FolderID != "" {
		if parentID, perr := strconv.ParseUint(msg.FolderID, 10, 32); perr == nil {
			var parent models.Post
			if err := s.srv.db.First(&parent, uint(parentID)).Error; err == nil && parent.IsFolder() {
				pid := parent.ID
				stream.parentID = &pid
				stream.folderFileID = parent.FileID
			}
		}
	}

	pr, pw := io.Pipe()
	stream.pw = pw

	s.wg.Add(1)
	go s.drain(stream, cred, pr)

	return stream, nil
}

// drain owns the backend side of a stream: it holds one scheduler slot for
// the whole write, then finishes bookkeeping and reports the outcome.
func (s *session) drain(stream *fileStream, cred []byte, pr *io.PipeReader) {
	defer s.wg.Done()

	fileID, err := s.srv.writeBackendFile(stream, cred, pr, func(sent int64) {
		s.sendProgress(stream.filename, sent, stream.totalSize, StageDriveUpload)
	})
	if err != nil {
		// Bytes already written to the drive are not rolled back here;
		// the orphan is logged for the sweep that does not exist yet
		log.Printf("Upload: backend write for %s failed, partial bytes may remain on drive %d: %v", stream.filename, stream.edge.DriveID, err)
		s.setStreamState(stream, stateFailed)
		pr.CloseWithError(err)
		s.sendError(fmt.Sprintf("upload of %s failed: %v", stream.filename, err))
		return
	}

	if err := s.srv.finishUpload(s.key, stream, fileID); err != nil {
		s.setStreamState(stream, stateFailed)
		s.sendError(fmt.Sprintf("upload of %s failed: %v", stream.filename, err))
		return
	}

	s.setStreamState(stream, stateComplete)
	s.send(completeMessage{Type: "complete", Filename: stream.filename, FileID: fileID})
}

// streamState reads a stream's state; drains move streams to a terminal
// state while the socket reader is still handling messages
func (s *session) streamState(stream *fileStream) streamState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return stream.state
}

func (s *session) setStreamState(stream *fileStream, to streamState) {
	s.stateMu.Lock()
	stream.state = to
	s.stateMu.Unlock()
}

// failIfStreaming moves a stream to stateFailed and reports whether this
// call made the transition; a stream already terminal is left alone
func (s *session) failIfStreaming(stream *fileStream) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if stream.state != stateStreaming {
		return false
	}
	stream.state = stateFailed
	return true
}

// failStream terminates a stream after an error
func (s *session) failStream(filename string) {
	stream, ok := s.streams[filename]
	if !ok {
		return
	}
	if s.failIfStreaming(stream) && stream.pw != nil {
		stream.pw.CloseWithError(errors.New("upload session failed"))
	}
}

// failAll terminates every open stream, used on socket close
func (s *session) failAll(reason string) {
	for _, stream := range s.streams {
		if s.failIfStreaming(stream) && stream.pw != nil {
			stream.pw.CloseWithError(errors.New(reason))
		}
	}
}

func (s *session) sendProgress(filename string, loaded, total int64, stage string) {
	var pct float64
	if total > 0 {
		pct = float64(loaded) / float64(total) * 100
	}
	s.send(progressMessage{
		Type:       "progress",
		Filename:   filename,
		Loaded:     loaded,
		Total:      total,
		Percentage: pct,
		Stage:      stage,
	})
}

func (s *session) sendError(message string) {
	s.send(errorMessage{Type: "error", Message: message})
}

func (s *session) send(v interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		log.Printf("Upload: failed to write socket message: %v", err)
	}
}
