package talk

import (
	"sync"

	"github.com/hoccer/hoccer-talk-spike-sub002/ids"
)

// FileHandle describes one attachment slot in the file cache.
type FileHandle struct {
	FileID      string
	UploadURL   string
	DownloadURL string
}

// FileCache allocates attachment storage. It is an external collaborator;
// the server never sees attachment bytes, only the handle.
type FileCache interface {
	// CreateFileForStorage allocates a slot the owner uploads to and
	// downloads from, e.g. for avatars.
	CreateFileForStorage(clientID, contentType string, size int64) (*FileHandle, error)
	// CreateFileForTransfer allocates a slot relayed from a sender to
	// message receivers.
	CreateFileForTransfer(clientID, contentType string, size int64) (*FileHandle, error)
}

// memoryFileCache hands out handles without backing storage. Stands in
// until a real cache is wired up, and serves the tests.
type memoryFileCache struct {
	lock  sync.Mutex
	files map[string]int64
}

func newMemoryFileCache() *memoryFileCache {
	return &memoryFileCache{files: map[string]int64{}}
}

func (m *memoryFileCache) create(size int64) *FileHandle {
	m.lock.Lock()
	defer m.lock.Unlock()
	fileID := ids.NewID()
	m.files[fileID] = size
	return &FileHandle{
		FileID:      fileID,
		UploadURL:   "/upload/" + fileID,
		DownloadURL: "/download/" + fileID,
	}
}

func (m *memoryFileCache) CreateFileForStorage(clientID, contentType string, size int64) (*FileHandle, error) {
	return m.create(size), nil
}

func (m *memoryFileCache) CreateFileForTransfer(clientID, contentType string, size int64) (*FileHandle, error) {
	return m.create(size), nil
}
