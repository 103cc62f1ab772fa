package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/scriptum/daemon/internal/scerr"
)

// SnapshotRecord is a (doc_id, snapshot_seq, payload) tuple as loaded from
// disk; snapshot_seq is the WAL frame number fully incorporated into
// payload.
type SnapshotRecord struct {
	SnapshotSeq int64
	Payload     []byte
}

// SnapshotStore holds periodic full-state checkpoints, one file per
// document under a snapshots/ directory. Writes are atomic
// (write-temp-then-rename), following the pattern used throughout the
// reference corpus's own snapshot manager; reads target only a committed
// file and need no lock.
type SnapshotStore struct {
	dir string
}

// New ensures a snapshots/ directory exists under root and returns a store
// rooted there.
func New(root string) (*SnapshotStore, error) {
	dir := filepath.Join(root, "snapshots")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, scerr.Wrap(scerr.InternalError, err, "create snapshots directory")
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) pathFor(docID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.snap", docID))
}

// SaveSnapshot writes a file named <doc_id>.snap atomically via
// write-temp-then-rename, so a reader never observes a partial file and a
// newer snapshot replaces an older one in a single filesystem operation.
func (s *SnapshotStore) SaveSnapshot(docID string, snapshotSeq int64, payload []byte) error {
	path := s.pathFor(docID)
	tmp := path + ".tmp"

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(snapshotSeq))
	copy(buf[4:], payload)

	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return scerr.Wrap(scerr.InternalError, err, "write temp snapshot file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return scerr.Wrap(scerr.InternalError, err, "rename temp snapshot into place")
	}
	return nil
}

// LoadSnapshot loads the single most recent snapshot for docID, or nil,nil
// if none has ever been written.
func (s *SnapshotStore) LoadSnapshot(docID string) (*SnapshotRecord, error) {
	data, err := os.ReadFile(s.pathFor(docID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, scerr.Wrap(scerr.InternalError, err, "read snapshot file")
	}
	if len(data) < 4 {
		return nil, scerr.New(scerr.DecodeError, "snapshot file too short")
	}
	seq := binary.BigEndian.Uint32(data[0:4])
	return &SnapshotRecord{SnapshotSeq: int64(seq), Payload: data[4:]}, nil
}
