package deadletter

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/nodercif/sensorrelay/internal/domain"
	"github.com/nodercif/sensorrelay/internal/ports"
)

const (
	recordHeaderLen = 12
	logName         = "deadletters.log"
	metaName        = "deadletters.meta"
	lockName        = "deadletters.lock"
)

// ErrJournalFull is returned by Append once the log reached MaxSizeBytes.
var ErrJournalFull = errors.New("dead-letter journal full")

var ErrJournalClosed = errors.New("dead-letter journal closed")

// ErrJournalLocked is returned by Open while another process holds the
// journal directory, typically a running relay.
var ErrJournalLocked = errors.New("dead-letter journal in use by another process")

type Options struct {
	// MaxSizeBytes caps the log file. Zero means unbounded.
	MaxSizeBytes int64
}

// FileJournal stores dead letters as [8 bytes id][4 bytes len][len bytes json]
// records. The highest replayed id lives in a sidecar meta file.
type FileJournal struct {
	mu        sync.Mutex
	dir       string
	path      string
	metaPath  string
	lock      *os.File
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.JournalEntryID
	committed ports.JournalEntryID
	sizeBytes int64
	maxBytes  int64
	closed    bool
}

func Open(dir string, opts Options) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dead-letter dir: %w", err)
	}
	lock, err := lockDir(filepath.Join(dir, lockName))
	if err != nil {
		return nil, err
	}
	j := &FileJournal{
		dir:      dir,
		path:     filepath.Join(dir, logName),
		metaPath: filepath.Join(dir, metaName),
		maxBytes: opts.MaxSizeBytes,
		lock:     lock,
	}
	if err := j.openLog(); err != nil {
		lock.Close()
		return nil, err
	}
	if err := j.bootstrap(); err != nil {
		j.file.Close()
		lock.Close()
		return nil, err
	}
	return j, nil
}

func (j *FileJournal) openLog() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open dead-letter log: %w", err)
	}
	j.file = f
	j.writer = bufio.NewWriterSize(f, 64<<10)
	return nil
}

func (j *FileJournal) bootstrap() error {
	if err := j.scanExisting(); err != nil {
		return err
	}
	if err := j.loadCommitted(); err != nil {
		return err
	}
	if j.nextID < j.committed {
		j.nextID = j.committed
	}
	_, err := j.file.Seek(0, io.SeekEnd)
	return err
}

// scanExisting finds the last complete record and cuts off a torn tail.
func (j *FileJournal) scanExisting() error {
	rf, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var (
		offset int64
		lastID ports.JournalEntryID
	)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("dead-letter scan header: %w", err)
		}
		id := ports.JournalEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		length := binary.BigEndian.Uint32(hdr[8:12])

		if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("dead-letter scan body: %w", err)
		}
		offset += recordHeaderLen + int64(length)
		lastID = id
	}

	if err := j.file.Truncate(offset); err != nil {
		return err
	}
	j.sizeBytes = offset
	j.nextID = lastID
	return nil
}

func (j *FileJournal) loadCommitted() error {
	data, err := os.ReadFile(j.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("dead-letter meta parse: %w", err)
	}
	j.committed = ports.JournalEntryID(u)
	return nil
}

// Append writes and flushes one record. The record is on disk (page cache)
// when Append returns.
func (j *FileJournal) Append(dl *domain.DeadLetter) (ports.JournalEntryID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}

	b, err := json.Marshal(dl)
	if err != nil {
		return 0, fmt.Errorf("encode dead letter: %w", err)
	}
	recordLen := int64(recordHeaderLen + len(b))
	if j.maxBytes > 0 && j.sizeBytes+recordLen > j.maxBytes {
		return 0, fmt.Errorf("%w: %d of %d bytes used", ErrJournalFull, j.sizeBytes, j.maxBytes)
	}

	id := j.nextID + 1
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	_, err = j.writer.Write(hdr[:])
	if err == nil {
		_, err = j.writer.Write(b)
	}
	if err == nil {
		err = j.writer.Flush()
	}
	if err != nil {
		return 0, j.discardPartialLocked(err)
	}

	j.nextID = id
	j.sizeBytes += recordLen
	return id, nil
}

// discardPartialLocked drops whatever part of a failed record reached the
// buffer or the file, so the next Append starts from a clean tail.
func (j *FileJournal) discardPartialLocked(cause error) error {
	j.writer.Reset(j.file)
	if err := j.file.Truncate(j.sizeBytes); err != nil {
		return errors.Join(cause, fmt.Errorf("dead-letter rollback: %w", err))
	}
	return cause
}

type entry struct {
	id ports.JournalEntryID
	dl *domain.DeadLetter
}

// Iterate calls fn for every record with id >= from, in append order. The
// records are read under the lock and fn runs without it, so fn may call
// Commit or Append.
func (j *FileJournal) Iterate(from ports.JournalEntryID, fn func(id ports.JournalEntryID, dl *domain.DeadLetter) error) error {
	entries, err := j.readFrom(from)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e.id, e.dl); err != nil {
			return err
		}
	}
	return nil
}

func (j *FileJournal) readFrom(from ports.JournalEntryID) ([]entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrJournalClosed
	}
	if err := j.writer.Flush(); err != nil {
		return nil, err
	}
	var entries []entry
	err := j.readRecords(func(id ports.JournalEntryID, raw []byte) error {
		if id < from {
			return nil
		}
		var dl domain.DeadLetter
		if err := json.Unmarshal(raw, &dl); err != nil {
			return fmt.Errorf("corrupt dead-letter entry %d: %w", id, err)
		}
		entries = append(entries, entry{id: id, dl: &dl})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (j *FileJournal) readRecords(fn func(id ports.JournalEntryID, raw []byte) error) error {
	f, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("corrupt dead-letter log header: %w", err)
		}
		id := ports.JournalEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		b := make([]byte, binary.BigEndian.Uint32(hdr[8:12]))
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("corrupt dead-letter log body: %w", err)
		}
		if err := fn(id, b); err != nil {
			return err
		}
	}
}

func (j *FileJournal) Commit(upto ports.JournalEntryID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if upto > j.nextID {
		upto = j.nextID
	}
	if upto > j.committed {
		j.committed = upto
	}
	return j.persistMetaLocked()
}

// TruncateCommitted rewrites the log keeping only uncommitted records.
// Entry ids are preserved so the meta pointer stays valid.
func (j *FileJournal) TruncateCommitted() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("dead-letter compact: %w", err)
	}
	w := bufio.NewWriter(tmp)
	var kept int64
	err = j.readRecords(func(id ports.JournalEntryID, raw []byte) error {
		if id <= j.committed {
			return nil
		}
		var hdr [recordHeaderLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(raw)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
		kept += recordHeaderLen + int64(len(raw))
		return nil
	})
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dead-letter compact: %w", err)
	}

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("dead-letter compact: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("dead-letter compact: %w", err)
	}
	if err := j.openLog(); err != nil {
		return err
	}
	j.sizeBytes = kept
	return nil
}

func (j *FileJournal) Stats() ports.JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ports.JournalStats{
		OldestUncommitted: j.committed + 1,
		LatestAppended:    j.nextID,
		SizeBytes:         j.sizeBytes,
	}
}

// Pending reports how many appended records have not been committed.
func (j *FileJournal) Pending() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return uint64(j.nextID - j.committed)
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	err := j.writer.Flush()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	if cerr := j.lock.Close(); err == nil {
		err = cerr
	}
	return err
}

func (j *FileJournal) persistMetaLocked() error {
	data := []byte(fmt.Sprintf("%d\n", j.committed))
	return os.WriteFile(j.metaPath, data, 0o644)
}

var _ ports.Journal = (*FileJournal)(nil)
