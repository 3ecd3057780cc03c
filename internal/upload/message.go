package upload

// Progress stages reported to the client. Chunk receipt and backend byte
// acknowledgement are decoupled channels and may interleave.
const (
	StageServerChunk = "server-chunk"
	StageDriveUpload = "drive-upload"
)

// clientMessage is any inbound socket message; fields are populated
// depending on Type ("auth" or "upload").
type clientMessage struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// upload
	Filename    string `json:"filename,omitempty"`
	FolderID    string `json:"folderId,omitempty"`
	Content     string `json:"content,omitempty"` // base64 chunk payload
	ContentType string `json:"contentType,omitempty"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	FileSize    int64  `json:"fileSize,omitempty"` // required on chunk 0
}

type progressMessage struct {
	Type       string  `json:"type"`
	Filename   string  `json:"filename"`
	Loaded     int64   `json:"loaded"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
	Stage      string  `json:"stage"`
}

type completeMessage struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	FileID   string `json:"fileId"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
