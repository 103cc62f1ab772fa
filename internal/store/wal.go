// Package store implements WalStore and SnapshotStore, the durable
// persistence layer beneath DocManager.
package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/scriptum/daemon/internal/scerr"
)

// WAL frame layout: [u32 BE length][u32 BE flags=0][payload][u32 BE CRC-32
// of payload]. Frames are numbered starting at 1 by position in the file.
const (
	frameLengthSize = 4
	frameFlagsSize  = 4
	frameCRCSize    = 4
	frameHeaderSize = frameLengthSize + frameFlagsSize
)

// WalReplaySummary reports the outcome of a replay: how many payloads were
// applied and whether a checksum mismatch stopped replay early.
type WalReplaySummary struct {
	Applied        int
	ChecksumFailed bool
}

// WalStore is a durable, ordered, append-only log of update payloads for
// one document. Writes are serialized by mu and fsynced before Append
// returns; a torn tail from an unclean shutdown is detected and truncated
// the next time Open runs, following the scan-and-truncate recovery
// technique used throughout the reference corpus's WAL implementations.
type WalStore struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	frameCount int64
}

// Open opens or creates the WAL at path, creating its parent directory if
// necessary, then recovers any torn tail left by an unclean shutdown.
func Open(path string) (*WalStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, scerr.Wrap(scerr.InternalError, err, "create wal directory")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, scerr.Wrap(scerr.InternalError, err, "open wal file")
	}

	w := &WalStore{file: f, path: path}
	if err := w.recoverTornTail(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// recoverTornTail scans frames from the beginning and truncates the file
// to the last complete frame boundary if the tail holds an incomplete
// header or an incomplete payload/checksum. Complete frames are kept and
// counted even when their checksum does not match, so that replay reports
// ChecksumFailed for them. It also establishes frameCount for subsequent
// AppendUpdate frame numbering.
func (w *WalStore) recoverTornTail() error {
	stat, err := w.file.Stat()
	if err != nil {
		return scerr.Wrap(scerr.InternalError, err, "stat wal file")
	}
	size := stat.Size()

	var pos int64
	var count int64
	for {
		header := make([]byte, frameHeaderSize)
		if pos+frameHeaderSize > size {
			break
		}
		if _, err := w.file.ReadAt(header, pos); err != nil {
			if err == io.EOF {
				break
			}
			return scerr.Wrap(scerr.InternalError, err, "read wal header during recovery")
		}
		length := binary.BigEndian.Uint32(header[0:4])

		frameEnd := pos + frameHeaderSize + int64(length) + frameCRCSize
		if frameEnd > size {
			break
		}

		pos = frameEnd
		count++
	}

	if pos < size {
		if err := w.file.Truncate(pos); err != nil {
			return scerr.Wrap(scerr.InternalError, err, "truncate torn wal tail")
		}
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return scerr.Wrap(scerr.InternalError, err, "seek to end of wal")
	}
	w.frameCount = count
	return nil
}

// AppendUpdate writes one frame and fsyncs the file, returning the frame
// number (1-based) just written. On IO failure the caller must not apply
// the update to the YDoc (spec: WalAppendError means "not applied").
func (w *WalStore) AppendUpdate(payload []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := make([]byte, frameHeaderSize+len(payload)+frameCRCSize)
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], 0) // flags, reserved
	copy(frame[frameHeaderSize:], payload)
	crc := crc32.ChecksumIEEE(payload)
	binary.BigEndian.PutUint32(frame[frameHeaderSize+len(payload):], crc)

	before, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, scerr.Wrap(scerr.WalAppendError, err, "seek wal before append")
	}
	if _, err := w.file.Write(frame); err != nil {
		// Best-effort: truncate back to the pre-write offset so a partial
		// write never becomes a visible torn frame for this process.
		w.file.Truncate(before)
		w.file.Seek(before, io.SeekStart)
		return 0, scerr.Wrap(scerr.WalAppendError, err, "write wal frame")
	}
	if err := w.file.Sync(); err != nil {
		return 0, scerr.Wrap(scerr.WalAppendError, err, "fsync wal frame")
	}

	w.frameCount++
	return w.frameCount, nil
}

// Replay iterates frames from the beginning, invoking apply for each
// payload whose checksum verifies. On the first checksum mismatch it stops
// and reports ChecksumFailed=true without invoking apply for the bad frame
// or any subsequent frame.
func (w *WalStore) Replay(apply func(payload []byte) error) (WalReplaySummary, error) {
	return w.ReplayFromFrame(0, apply)
}

// ReplayFromFrame skips the first start frames (the snapshot-covered
// prefix) then behaves as Replay.
func (w *WalStore) ReplayFromFrame(start int64, apply func(payload []byte) error) (WalReplaySummary, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	stat, err := w.file.Stat()
	if err != nil {
		return WalReplaySummary{}, scerr.Wrap(scerr.InternalError, err, "stat wal file")
	}
	size := stat.Size()

	var pos int64
	var frameNum int64
	summary := WalReplaySummary{}

	for pos < size {
		header := make([]byte, frameHeaderSize)
		if pos+frameHeaderSize > size {
			break
		}
		if _, err := w.file.ReadAt(header, pos); err != nil {
			return summary, scerr.Wrap(scerr.InternalError, err, "read wal header during replay")
		}
		length := binary.BigEndian.Uint32(header[0:4])
		frameEnd := pos + frameHeaderSize + int64(length) + frameCRCSize
		if frameEnd > size {
			break
		}

		frameNum++
		payload := make([]byte, length)
		if _, err := w.file.ReadAt(payload, pos+frameHeaderSize); err != nil {
			return summary, scerr.Wrap(scerr.InternalError, err, "read wal payload during replay")
		}
		trailer := make([]byte, frameCRCSize)
		if _, err := w.file.ReadAt(trailer, pos+frameHeaderSize+int64(length)); err != nil {
			return summary, scerr.Wrap(scerr.InternalError, err, "read wal trailer during replay")
		}
		expected := binary.BigEndian.Uint32(trailer)

		if crc32.ChecksumIEEE(payload) != expected {
			summary.ChecksumFailed = true
			return summary, nil
		}

		pos = frameEnd
		if frameNum <= start {
			continue
		}
		if err := apply(payload); err != nil {
			return summary, err
		}
		summary.Applied++
	}
	return summary, nil
}

// Path returns the on-disk path for diagnostics.
func (w *WalStore) Path() string { return w.path }

// Close closes the underlying file handle.
func (w *WalStore) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// PathFor returns the canonical WAL path for a document per spec.md §6:
// <root>/wal/<workspace_id>/<doc_id>.wal.
func PathFor(root, workspaceID, docID string) string {
	return filepath.Join(root, "wal", workspaceID, fmt.Sprintf("%s.wal", docID))
}
