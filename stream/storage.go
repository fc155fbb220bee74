package stream

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
)

// manifestVersion is the only manifest schema version understood by
// this build; a mismatch is fatal.
const manifestVersion = 1

// OpenMode selects how Storage opens its backing directory.
type OpenMode int

const (
	// ReadWrite creates/opens a managed directory with a manifest and
	// segment files, recovering any unsealed segment left by a prior
	// unclean shutdown.
	ReadWrite OpenMode = iota
	// ReadOnly opens either a managed directory or a single bare
	// segment file, never writing.
	ReadOnly
)

// manifest is the JSON document at <dir>/manifest.json.
type manifest struct {
	Version         int           `json:"version"`
	NextSegmentID   uint64        `json:"next_segment_id"`
	ActiveSegmentID uint64        `json:"active_segment_id"`
	Segments        []segmentMeta `json:"segments"`
}

type segmentMeta struct {
	ID     uint64 `json:"id"`
	File   string `json:"file"`
	Sealed bool   `json:"sealed"`
}

// segmentRecord is the on-disk framing of one Record: an 8-byte
// big-endian length prefix followed by a JSON-encoded payload.
type segmentRecord struct {
	SourceKey string `json:"source_key"`
	Record    Record `json:"record"`
}

// Storage owns the manifest and segment files for one managed
// directory (or, in ReadOnly mode, a single bare segment file).
type Storage struct {
	mode            OpenMode
	dir             string
	maxSegmentBytes int64

	mu      sync.Mutex
	man     manifest
	activeW *bufio.Writer
	activeF *os.File
	written int64
}

// Open creates/opens dir (ReadWrite) or dir/a bare segment file
// (ReadOnly). maxSegmentBytes is only consulted in ReadWrite mode.
func Open(dir string, mode OpenMode, maxSegmentBytes int64) (*Storage, error) {
	if dir == "" {
		return nil, ErrInvalidStoragePath
	}
	if maxSegmentBytes <= 0 {
		maxSegmentBytes = 64 << 20
	}

	s := &Storage{mode: mode, dir: dir, maxSegmentBytes: maxSegmentBytes}

	if mode == ReadOnly {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStoragePath, err)
		}
		if !info.IsDir() {
			// Bare segment file: synthesize a single-segment manifest.
			s.man = manifest{Version: manifestVersion, Segments: []segmentMeta{{ID: 0, File: filepath.Base(dir), Sealed: true}}}
			s.dir = filepath.Dir(dir)
			return s, nil
		}
		if err := s.loadManifest(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStoragePath, err)
	}
	if _, err := os.Stat(s.manifestPath()); err == nil {
		if err := s.loadManifest(); err != nil {
			return nil, err
		}
		if err := s.recoverUnsealed(); err != nil {
			return nil, err
		}
	} else {
		s.man = manifest{Version: manifestVersion}
	}
	if err := s.rollSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) manifestPath() string { return filepath.Join(s.dir, "manifest.json") }

func (s *Storage) loadManifest() error {
	raw, err := os.ReadFile(s.manifestPath())
	if err != nil {
		return err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	if m.Version != manifestVersion {
		return ErrUnsupportedManifestVersion
	}
	s.man = m
	return nil
}

func (s *Storage) saveManifest() error {
	raw, err := json.MarshalIndent(s.man, "", " ")
	if err != nil {
		return err
	}
	tmp := s.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.manifestPath())
}

// recoverUnsealed scans any segment still marked unsealed, truncating
// a trailing partial frame left by an unclean shutdown, then marks it
// sealed.
func (s *Storage) recoverUnsealed() error {
	for i, meta := range s.man.Segments {
		if meta.Sealed {
			continue
		}
		validLen, err := scanValidPrefix(filepath.Join(s.dir, meta.File))
		if err != nil {
			return err
		}
		if err := os.Truncate(filepath.Join(s.dir, meta.File), validLen); err != nil {
			return err
		}
		s.man.Segments[i].Sealed = true
	}
	return s.saveManifest()
}

// scanValidPrefix returns the byte length of the longest prefix of
// path consisting of complete length-prefixed frames.
func scanValidPrefix(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var offset int64
	var lenBuf [8]byte
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			break
		}
		n := binary.BigEndian.Uint64(lenBuf[:])
		if _, err := f.Seek(int64(n), io.SeekCurrent); err != nil {
			break
		}
		offset += 8 + int64(n)
	}
	return offset, nil
}

// rollSegment seals the active segment (if any) and opens a fresh one.
func (s *Storage) rollSegment() error {
	if s.activeW != nil {
		if err := s.sealActive(); err != nil {
			return err
		}
	}

	id := s.man.NextSegmentID
	s.man.NextSegmentID++
	s.man.ActiveSegmentID = id
	file := fmt.Sprintf("segment-%08d.bin", id)
	s.man.Segments = append(s.man.Segments, segmentMeta{ID: id, File: file, Sealed: false})

	f, err := os.OpenFile(filepath.Join(s.dir, file), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	s.activeF = f
	s.activeW = bufio.NewWriter(f)
	s.written = 0
	return s.saveManifest()
}

func (s *Storage) sealActive() error {
	if err := s.activeW.Flush(); err != nil {
		return err
	}
	if err := s.activeF.Close(); err != nil {
		return err
	}
	for i := range s.man.Segments {
		if s.man.Segments[i].ID == s.man.ActiveSegmentID {
			s.man.Segments[i].Sealed = true
		}
	}
	s.activeW, s.activeF = nil, nil
	return nil
}

// Append writes rec to the active segment, rolling to a new segment if
// this write would exceed maxSegmentBytes.
func (s *Storage) Append(sourceKey string, rec Record) error {
	if s.mode == ReadOnly {
		return ErrBackendClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(segmentRecord{SourceKey: sourceKey, Record: rec})
	if err != nil {
		return err
	}
	frameLen := int64(8 + len(raw))
	if s.written+frameLen > s.maxSegmentBytes {
		log.Printf("stream: segment %d reached %s, rolling", s.man.ActiveSegmentID, s.humanSegmentSize())
		if err := s.rollSegment(); err != nil {
			return err
		}
	}

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(raw)))
	if _, err := s.activeW.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := s.activeW.Write(raw); err != nil {
		return err
	}
	if err := s.activeW.Flush(); err != nil {
		return err
	}
	s.written += frameLen
	return nil
}

// Scan calls fn for every durable record across all segments in append
// order. fn returning false stops the scan early.
func (s *Storage) Scan(fn func(sourceKey string, rec Record) bool) error {
	s.mu.Lock()
	segments := append([]segmentMeta(nil), s.man.Segments...)
	s.mu.Unlock()

	for _, meta := range segments {
		if err := s.scanSegment(meta.File, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) scanSegment(file string, fn func(string, Record) bool) error {
	f, err := os.Open(filepath.Join(s.dir, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var lenBuf [8]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			break
		}
		n := binary.BigEndian.Uint64(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			break
		}
		var sr segmentRecord
		if err := json.Unmarshal(buf, &sr); err != nil {
			continue
		}
		if !fn(sr.SourceKey, sr.Record) {
			return nil
		}
	}
	return nil
}

// Close seals the active segment and flushes the manifest.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ReadOnly || s.activeW == nil {
		return nil
	}
	if err := s.sealActive(); err != nil {
		return err
	}
	return s.saveManifest()
}

// humanSegmentSize formats maxSegmentBytes for roll-threshold logging.
func (s *Storage) humanSegmentSize() string {
	return humanize.Bytes(uint64(s.maxSegmentBytes))
}
