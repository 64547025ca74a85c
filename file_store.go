package shipledger

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// fileStore implements Store using append-only files.
//
// Entry format in journal.dat:
//
//	[8]byte: index (uint64)
//	[8]byte: timestamp (int64)
//	[8]byte: quantity (int64)
//	[2]byte: article length (uint16)
//	[n]byte: article
//	[2]byte: hash length (uint16)
//	[m]byte: hash
//
// tail.dat holds a copy of the last entry in the same format.
type fileStore struct {
	dir         string
	journalFile *os.File
	tailFile    *os.File
	mu          sync.RWMutex
}

const (
	journalFileName = "journal.dat"
	tailFileName    = "tail.dat"
	fixedHeaderSize = 8 + 8 + 8 // idx + ts + qty
	maxFieldLen     = 1<<16 - 1
)

// OpenFileStore creates or opens a file-based journal in dir.
func OpenFileStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	journalPath := filepath.Join(dir, journalFileName)
	journalFile, err := os.OpenFile(journalPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	tailPath := filepath.Join(dir, tailFileName)
	tailFile, err := os.OpenFile(tailPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		_ = journalFile.Close()
		return nil, fmt.Errorf("open tail file: %w", err)
	}

	s := &fileStore{
		dir:         dir,
		journalFile: journalFile,
		tailFile:    tailFile,
	}
	if err := s.recoverLocked(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// recoverLocked cuts a torn trailing entry off the journal and brings tail.dat
// in line with the last complete entry. A tail that points past the journal
// means acknowledged entries are gone.
func (s *fileStore) recoverLocked() error {
	if _, err := s.journalFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek journal file: %w", err)
	}
	var (
		good    int64
		last    Entry
		lastBuf []byte
	)
	reader := bufio.NewReader(s.journalFile)
	for {
		e, err := decodeEntry(reader)
		if err != nil || e.Index != last.Index+1 {
			break
		}
		buf, err := encodeEntry(e)
		if err != nil {
			break
		}
		good += int64(len(buf))
		last, lastBuf = e, buf
	}

	tail, _, err := s.readTailLocked()
	if err != nil {
		return err
	}
	if tail.Index > last.Index {
		return fmt.Errorf("%w: tail at %d, journal ends at %d", ErrCorruptJournal, tail.Index, last.Index)
	}

	info, err := s.journalFile.Stat()
	if err != nil {
		return fmt.Errorf("stat journal file: %w", err)
	}
	if info.Size() > good {
		if err := s.journalFile.Truncate(good); err != nil {
			return fmt.Errorf("truncate journal file: %w", err)
		}
		if err := s.journalFile.Sync(); err != nil {
			return fmt.Errorf("sync journal file: %w", err)
		}
	}

	switch {
	case last.Index == 0 && tail.Index == 0:
		return nil
	case last.Index == 0:
		return s.writeTailLocked(nil)
	case tail.Index != last.Index || tail.StoredHash != last.StoredHash:
		return s.writeTailLocked(lastBuf)
	}
	return nil
}

// Append writes an entry to the journal and refreshes the tail.
func (s *fileStore) Append(idx uint64, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, _, err := s.readTailLocked()
	if err != nil {
		return err
	}
	if last.Index != idx-1 {
		return fmt.Errorf("%w: have %d, got %d", ErrNonContiguous, last.Index, idx)
	}

	buf, err := encodeEntry(Entry{Index: idx, Record: r})
	if err != nil {
		return err
	}

	if err := lockFile(s.journalFile); err != nil {
		return fmt.Errorf("lock journal file: %w", err)
	}
	defer unlockFile(s.journalFile)

	info, err := s.journalFile.Stat()
	if err != nil {
		return fmt.Errorf("stat journal file: %w", err)
	}
	n, err := s.journalFile.Write(buf)
	if err != nil || n != len(buf) {
		// Drop whatever part of the entry made it to disk.
		_ = s.journalFile.Truncate(info.Size())
		if err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(buf))
	}
	if err := s.journalFile.Sync(); err != nil {
		return fmt.Errorf("sync journal file: %w", err)
	}

	return s.writeTailLocked(buf)
}

func encodeEntry(e Entry) ([]byte, error) {
	if len(e.Article) > maxFieldLen || len(e.StoredHash) > maxFieldLen {
		return nil, errors.New("entry field too long")
	}
	buf := make([]byte, fixedHeaderSize+2+len(e.Article)+2+len(e.StoredHash))
	offset := 0

	binary.BigEndian.PutUint64(buf[offset:], e.Index)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(e.Timestamp))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(int64(e.Quantity)))
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(e.Article)))
	offset += 2
	offset += copy(buf[offset:], e.Article)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(e.StoredHash)))
	offset += 2
	copy(buf[offset:], e.StoredHash)

	return buf, nil
}

// decodeEntry reads one entry. io.EOF is returned only on a clean boundary.
func decodeEntry(r io.Reader) (Entry, error) {
	var e Entry
	var hdr [fixedHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return e, err
	}
	e.Index = binary.BigEndian.Uint64(hdr[0:8])
	e.Timestamp = int64(binary.BigEndian.Uint64(hdr[8:16]))
	e.Quantity = int(int64(binary.BigEndian.Uint64(hdr[16:24])))

	article, err := readField(r)
	if err != nil {
		return e, fmt.Errorf("read article: %w", err)
	}
	hash, err := readField(r)
	if err != nil {
		return e, fmt.Errorf("read hash: %w", err)
	}
	e.Article = article
	e.StoredHash = hash
	return e, nil
}

func readField(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", noEOF(err)
	}
	b := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return "", noEOF(err)
	}
	return string(b), nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Iter returns a channel that yields entries starting from startIdx.
func (s *fileStore) Iter(startIdx uint64) (<-chan Entry, func() error, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Open(filepath.Join(s.dir, journalFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("open journal file for reading: %w", err)
	}

	out := make(chan Entry, 64)
	done := make(chan struct{})
	finished := make(chan struct{})
	var iterErr error

	go func() {
		defer close(finished)
		defer close(out)
		defer file.Close()

		reader := bufio.NewReader(file)
		for {
			e, err := decodeEntry(reader)
			if err == io.EOF {
				return
			}
			if err != nil {
				iterErr = fmt.Errorf("%w: %v", ErrCorruptJournal, err)
				return
			}
			if e.Index < startIdx {
				continue
			}
			select {
			case out <- e:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cleanup := func() error {
		once.Do(func() { close(done) })
		<-finished
		return iterErr
	}
	return out, cleanup, nil
}

// Tail returns the last journaled entry.
func (s *fileStore) Tail() (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readTailLocked()
}

func (s *fileStore) readTailLocked() (Entry, bool, error) {
	if _, err := s.tailFile.Seek(0, io.SeekStart); err != nil {
		return Entry{}, false, fmt.Errorf("seek tail file: %w", err)
	}
	e, err := decodeEntry(bufio.NewReader(s.tailFile))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read tail: %w", err)
	}
	return e, true, nil
}

func (s *fileStore) writeTailLocked(buf []byte) error {
	if err := s.tailFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate tail file: %w", err)
	}
	if _, err := s.tailFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek tail file: %w", err)
	}
	if _, err := s.tailFile.Write(buf); err != nil {
		return fmt.Errorf("write tail: %w", err)
	}
	if err := s.tailFile.Sync(); err != nil {
		return fmt.Errorf("sync tail file: %w", err)
	}
	return nil
}

// Reset truncates both files.
func (s *fileStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := lockFile(s.journalFile); err != nil {
		return fmt.Errorf("lock journal file: %w", err)
	}
	defer unlockFile(s.journalFile)

	if err := s.journalFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate journal file: %w", err)
	}
	if err := s.journalFile.Sync(); err != nil {
		return fmt.Errorf("sync journal file: %w", err)
	}
	if err := s.tailFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate tail file: %w", err)
	}
	return s.tailFile.Sync()
}

// Close closes the file store.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.journalFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal file: %w", err))
	}
	if err := s.tailFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tail file: %w", err))
	}
	return errors.Join(errs...)
}
