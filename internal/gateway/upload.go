package gateway

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
	"github.com/justapithecus/factorio-agent/internal/fsroot"
)

// disconnectGrace is how long an in-flight upload's staging file
// survives its peer disconnecting before being cleaned up.
const disconnectGrace = 60 * time.Second

var rangeHeader = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)

// byteRange is a parsed "bytes start-end/total" header. A zero-length
// sentinel (start==end==total) signals upload completion.
type byteRange struct {
	start, end, total int64
}

func parseRange(header string) (byteRange, error) {
	m := rangeHeader.FindStringSubmatch(header)
	if m == nil {
		return byteRange{}, agenterr.New(agenterr.BadRequest, "malformed range header: "+header)
	}
	start, _ := strconv.ParseInt(m[1], 10, 64)
	end, _ := strconv.ParseInt(m[2], 10, 64)
	total, _ := strconv.ParseInt(m[3], 10, 64)
	return byteRange{start: start, end: end, total: total}, nil
}

func (r byteRange) sentinel() bool { return r.start == r.end && r.end == r.total }

type uploadKey struct {
	peer string
	id   string
}

type stagingUpload struct {
	file      *os.File
	path      string
	peer      string
	cleanupAt *time.Timer
}

// UploadStager tracks in-flight (peer, id) uploads and their staging
// files, keyed so a peer can only conflict with itself for a given id.
type UploadStager struct {
	layout fsroot.Layout

	mu   sync.Mutex
	byID map[string]uploadKey // id -> owning peer, to detect cross-peer conflicts
	work map[uploadKey]*stagingUpload
}

func NewUploadStager(layout fsroot.Layout) *UploadStager {
	return &UploadStager{
		layout: layout,
		byID:   make(map[string]uploadKey),
		work:   make(map[uploadKey]*stagingUpload),
	}
}

// Append writes a chunk for (peer, id), creating the staging file on
// the first call. On the zero-length sentinel it finalizes the upload
// by renaming the staging file to its save path and returns done=true.
func (u *UploadStager) Append(peer, id string, r byteRange, chunk []byte) (done bool, err error) {
	u.mu.Lock()
	if owner, exists := u.byID[id]; exists && owner.peer != peer {
		u.mu.Unlock()
		return false, agenterr.New(agenterr.UploadConflict, id)
	}
	key := uploadKey{peer: peer, id: id}
	up, exists := u.work[key]
	if !exists {
		f, ferr := os.CreateTemp(u.layout.StagingDir(), "upload-*")
		if ferr != nil {
			u.mu.Unlock()
			return false, agenterr.Wrap(agenterr.ConfigIoFailed, "create staging file", ferr)
		}
		up = &stagingUpload{file: f, path: f.Name(), peer: peer}
		u.work[key] = up
		u.byID[id] = key
	}
	u.mu.Unlock()

	if r.sentinel() {
		return true, u.finalize(key, id)
	}

	if _, err := up.file.WriteAt(chunk, r.start); err != nil {
		return false, agenterr.Wrap(agenterr.ConfigIoFailed, "write upload chunk", err)
	}
	return false, nil
}

func (u *UploadStager) finalize(key uploadKey, id string) error {
	u.mu.Lock()
	up, ok := u.work[key]
	if !ok {
		u.mu.Unlock()
		return agenterr.New(agenterr.BadRequest, "no in-flight upload for "+id)
	}
	delete(u.work, key)
	delete(u.byID, id)
	u.mu.Unlock()

	if up.cleanupAt != nil {
		up.cleanupAt.Stop()
	}
	_ = up.file.Sync()
	_ = up.file.Close()
	if !fsroot.ValidSavefileName(id) {
		_ = os.Remove(up.path)
		return agenterr.New(agenterr.BadRequest, "invalid save name: "+id)
	}
	if err := os.Rename(up.path, u.layout.SavePath(id)); err != nil {
		return agenterr.Wrap(agenterr.ConfigIoFailed, "finalize upload", err)
	}
	return nil
}

// PeerDisconnected schedules cleanup of any of peer's incomplete
// uploads after disconnectGrace. Peer ids are assigned per connection,
// so a reconnecting peer gets a new id and cannot resume these uploads;
// until cleanup runs, each id stays claimed and another peer's upload
// of it fails with UploadConflict.
func (u *UploadStager) PeerDisconnected(peer string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for key, up := range u.work {
		if key.peer != peer {
			continue
		}
		key, up := key, up
		up.cleanupAt = time.AfterFunc(disconnectGrace, func() {
			u.mu.Lock()
			defer u.mu.Unlock()
			if cur, ok := u.work[key]; ok && cur == up {
				_ = up.file.Close()
				_ = os.Remove(up.path)
				delete(u.work, key)
				delete(u.byID, key.id)
			}
		})
	}
}

func (r byteRange) String() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.start, r.end, r.total)
}
