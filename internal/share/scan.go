package share

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hoshizora/clearshare/internal/vclock"
)

const (
	defaultScanBatchSize  = 256
	defaultCksumBatchSize = 8
	defaultCksumBlockSize = 65536
)

// Scanner runs the cooperative scan/checksum pipeline (spec.md §4.4.1)
// for one Share. It must be driven by repeated ScanStep calls from the
// owning event loop's timer; a single call never blocks on more than one
// stat or one block read at a time.
type Scanner struct {
	share *Share
	idx   *Index

	scanBatchSize  int
	cksumBatchSize int
	cksumBlockSize int

	walker        *dirWalker
	fsDone        bool
	scanInProgress bool
	foundCount    int
	startedAt     time.Time
	bytesHashed   uint64

	// checksum pass: at most one open file stream at a time.
	openFile *os.File
	openPath string
	hasher   hash.Hash
}

// NewScanner builds a Scanner over idx for share, using spec.md's
// default batch sizes.
func NewScanner(share *Share, idx *Index) *Scanner {
	return &Scanner{
		share:          share,
		idx:            idx,
		scanBatchSize:  defaultScanBatchSize,
		cksumBatchSize: defaultCksumBatchSize,
		cksumBlockSize: defaultCksumBlockSize,
	}
}

// Scan resets the scanner's progress cursor to the share root and marks
// a scan in progress, per spec.md §4.4.1. It does not by itself clear
// scan_found on rows — the finalizer at the end of the pass accepts
// either convention.
func (s *Scanner) Scan() {
	s.walker = newDirWalker(s.share.Root)
	s.fsDone = false
	s.foundCount = 0
	s.startedAt = time.Now()
	s.scanInProgress = true
}

// ScanStep performs one cooperative tick: an FS pass bounded by
// scanBatchSize entries and a checksum pass bounded by
// cksumBatchSize*cksumBlockSize bytes. It returns true iff either pass
// still has work to do.
func (s *Scanner) ScanStep() (bool, error) {
	if s.walker == nil {
		s.Scan()
	}

	fsMore, err := s.fsPass()
	if err != nil {
		return false, err
	}
	cksumMore, err := s.checksumPass()
	if err != nil {
		return false, err
	}

	if !fsMore && !cksumMore {
		if err := s.finalize(); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Scanner) fsPass() (bool, error) {
	if s.fsDone {
		return false, nil
	}
	for i := 0; i < s.scanBatchSize; i++ {
		absPath, info, done, err := s.walker.next(s.share.Root)
		if err != nil {
			log.Printf("[scan] stat error, skipping entry: %v", err)
			continue
		}
		if done {
			s.fsDone = true
			return false, nil
		}
		rel, err := canonicalPath(s.share.Root, absPath)
		if err != nil {
			log.Printf("[scan] path error for %s: %v", absPath, err)
			continue
		}
		if err := s.scanFound(rel, info); err != nil {
			return false, err
		}
		s.foundCount++
	}
	return true, nil
}

// scanFound integrates one filesystem-discovered file into the
// manifest, per spec.md §4.4.1's four cases (new row / changed
// mtime-or-size / mode-only change / unchanged).
func (s *Scanner) scanFound(relPath string, info os.FileInfo) error {
	peerID := s.share.PeerID
	mtime := info.ModTime().UTC()
	size := uint64(info.Size())
	mode := uint32(info.Mode().Perm())

	prior, found, err := s.idx.GetByPath(relPath)
	if err != nil {
		return err
	}

	if !found {
		rev := s.share.bumpRevision()
		m := MFile{
			Path:           relPath,
			Mtime:          mtime,
			Size:           size,
			Mode:           mode,
			ScanFound:      true,
			ToChecksum:     true,
			LastChangedRev: rev,
			LastChangedBy:  peerID,
			VClock:         vclock.New().Increment(peerID, 1),
			Updated:        false,
		}
		return s.idx.Insert(m)
	}

	contentChanged := prior.Deleted || !prior.Mtime.Equal(mtime) || prior.Size != size
	modeChanged := !contentChanged && prior.Mode != mode

	switch {
	case contentChanged:
		rev := s.share.bumpRevision()
		prior.Mtime = mtime
		prior.Size = size
		prior.Mode = mode
		prior.Deleted = false
		prior.ToChecksum = true
		prior.ScanFound = true
		prior.LastChangedRev = rev
		prior.LastChangedBy = peerID
		prior.VClock = prior.VClock.Increment(peerID, 1)
		prior.Updated = false
		return s.idx.Update(prior)
	case modeChanged:
		rev := s.share.bumpRevision()
		prior.Mode = mode
		prior.ScanFound = true
		prior.LastChangedRev = rev
		prior.LastChangedBy = peerID
		prior.VClock = prior.VClock.Increment(peerID, 1)
		prior.Updated = true
		return s.idx.Update(prior)
	default:
		prior.ScanFound = true
		return s.idx.Update(prior)
	}
}

// checksumPass processes at most cksumBatchSize*cksumBlockSize bytes
// this tick, holding at most one open file stream (spec.md §4.4.1).
func (s *Scanner) checksumPass() (bool, error) {
	budget := s.cksumBatchSize
	for budget > 0 {
		if s.openFile == nil {
			m, found, err := s.idx.NextToChecksum()
			if err != nil {
				return false, err
			}
			if !found {
				return false, nil
			}
			f, err := os.Open(s.share.FullPath(m.Path))
			if err != nil {
				if os.IsNotExist(err) {
					if err := s.tombstone(m); err != nil {
						return false, err
					}
					continue
				}
				log.Printf("[checksum] open %s failed: %v", m.Path, err)
				return false, nil
			}
			s.openFile = f
			s.openPath = m.Path
			s.hasher = sha256.New()
		}

		buf := make([]byte, s.cksumBlockSize)
		n, readErr := s.openFile.Read(buf)
		if n > 0 {
			s.hasher.Write(buf[:n])
			s.bytesHashed += uint64(n)
		}
		budget--

		if readErr == io.EOF || n == 0 {
			if err := s.finishChecksum(); err != nil {
				return false, err
			}
			continue
		}
		if readErr != nil {
			log.Printf("[checksum] read %s failed: %v", s.openPath, readErr)
			s.closeOpenFile()
			return false, nil
		}
	}
	return true, nil
}

func (s *Scanner) finishChecksum() error {
	path := s.openPath
	sum := hex.EncodeToString(s.hasher.Sum(nil))
	s.closeOpenFile()

	if _, err := os.Stat(s.share.FullPath(path)); os.IsNotExist(err) {
		m, found, err := s.idx.GetByPath(path)
		if err != nil {
			return err
		}
		if found {
			return s.tombstone(m)
		}
		return nil
	}

	m, found, err := s.idx.GetByPath(path)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rev := s.share.bumpRevision()
	m.Checksum = sum
	m.ToChecksum = false
	m.Updated = true
	m.LastChangedRev = rev
	m.LastChangedBy = s.share.PeerID
	m.VClock = m.VClock.Increment(s.share.PeerID, 1)
	if err := s.idx.Update(m); err != nil {
		return err
	}
	log.Printf("[checksum] %s sha256=%s (%s hashed so far)", path, sum, humanize.Bytes(s.bytesHashed))
	return nil
}

// tombstone marks m deleted (spec.md §4.4.1's "RecoverableFileVanished"
// handling and the finalizer's vanished-row sweep).
func (s *Scanner) tombstone(m MFile) error {
	rev := s.share.bumpRevision()
	m.applyTombstone()
	m.LastChangedRev = rev
	m.LastChangedBy = s.share.PeerID
	m.VClock = m.VClock.Increment(s.share.PeerID, 1)
	m.Updated = true
	return s.idx.Update(m)
}

func (s *Scanner) closeOpenFile() {
	if s.openFile != nil {
		s.openFile.Close()
		s.openFile = nil
		s.openPath = ""
		s.hasher = nil
	}
}

// finalize runs once both passes report "no more work": tombstones rows
// that weren't seen this scan, resets scan_found, and records scan
// duration (spec.md §4.4.1).
func (s *Scanner) finalize() error {
	if err := s.idx.ForEachScanFoundFalse(func(m MFile) error {
		return s.tombstone(m)
	}); err != nil {
		return err
	}
	if err := s.idx.ResetScanFound(); err != nil {
		return err
	}

	dur := time.Since(s.startedAt)
	log.Printf("[scan] complete: %d entries found in %s", s.foundCount, dur)
	s.scanInProgress = false
	s.walker = nil
	return nil
}

// InProgress reports whether a scan is currently running.
func (s *Scanner) InProgress() bool {
	return s.scanInProgress
}
